package rail

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

// PixBankClient talks to the bank gateway over HTTP. Certificate handling and
// token acquisition are terminated by the gateway itself; this client only
// carries the api key it was issued.
type PixBankClient struct {
	http *resty.Client
}

func NewPixBankClient(baseURL, apiKey string) *PixBankClient {
	return &PixBankClient{
		http: resty.New().
			SetBaseURL(baseURL).
			SetHeader("Authorization", "Bearer "+apiKey).
			SetHeader("Content-Type", "application/json").
			SetTimeout(30 * time.Second),
	}
}

type pixTransferRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	DestinationKey string          `json:"destination_key"`
}

type pixTransferResponse struct {
	EndToEndID string `json:"end_to_end_id"`
	Status     string `json:"status"`
}

func (c *PixBankClient) SendTransfer(ctx context.Context, amount decimal.Decimal, destinationKey string) (*TransferReceipt, error) {
	var out pixTransferResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(pixTransferRequest{Amount: amount, DestinationKey: destinationKey}).
		SetResult(&out).
		Post("/pix/transfers")
	if err != nil {
		return nil, fmt.Errorf("bank rail: send transfer: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("bank rail: transfer rejected: %s", resp.Status())
	}
	return &TransferReceipt{EndToEndID: out.EndToEndID, Status: out.Status}, nil
}

func (c *PixBankClient) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	var out struct {
		Balance decimal.Decimal `json:"balance"`
	}
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).Get("/account/balance")
	if err != nil {
		return decimal.Zero, fmt.Errorf("bank rail: get balance: %w", err)
	}
	if resp.IsError() {
		return decimal.Zero, fmt.Errorf("bank rail: get balance: %s", resp.Status())
	}
	return out.Balance, nil
}
