package rail

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

// OkxClient is the HTTP exchange adapter. The gateway in front of the
// exchange signs requests; this client authenticates with its own key pair.
type OkxClient struct {
	http *resty.Client
}

func NewOkxClient(baseURL, apiKey, passphrase string) *OkxClient {
	return &OkxClient{
		http: resty.New().
			SetBaseURL(baseURL).
			SetHeader("OK-ACCESS-KEY", apiKey).
			SetHeader("OK-ACCESS-PASSPHRASE", passphrase).
			SetHeader("Content-Type", "application/json").
			SetTimeout(30 * time.Second),
	}
}

func (c *OkxClient) PlaceMarketOrder(ctx context.Context, pair, side string, size decimal.Decimal) (string, error) {
	var out struct {
		OrderID string `json:"order_id"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"inst_id":  pair,
			"side":     side,
			"ord_type": "market",
			"sz":       size,
		}).
		SetResult(&out).
		Post("/trade/order")
	if err != nil {
		return "", fmt.Errorf("exchange: place order: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("exchange: place order: %s", resp.Status())
	}
	return out.OrderID, nil
}

func (c *OkxClient) GetFills(ctx context.Context, orderID string) ([]Fill, error) {
	var out struct {
		Fills []struct {
			Size  decimal.Decimal `json:"fill_sz"`
			Price decimal.Decimal `json:"fill_px"`
			Fee   decimal.Decimal `json:"fee"`
		} `json:"fills"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("ord_id", orderID).
		SetResult(&out).
		Get("/trade/fills")
	if err != nil {
		return nil, fmt.Errorf("exchange: get fills: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("exchange: get fills: %s", resp.Status())
	}
	fills := make([]Fill, 0, len(out.Fills))
	for _, f := range out.Fills {
		fills = append(fills, Fill{Size: f.Size, Price: f.Price, Fee: f.Fee})
	}
	return fills, nil
}

func (c *OkxClient) TransferFunds(ctx context.Context, currency string, amount decimal.Decimal, from, to string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"ccy":  currency,
			"amt":  amount,
			"from": from,
			"to":   to,
		}).
		Post("/asset/transfer")
	if err != nil {
		return fmt.Errorf("exchange: transfer funds: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("exchange: transfer funds: %s", resp.Status())
	}
	return nil
}

func (c *OkxClient) Withdraw(ctx context.Context, currency string, amount decimal.Decimal, address, chain string, fee decimal.Decimal) (string, error) {
	var out struct {
		WithdrawalID string `json:"wd_id"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"ccy":     currency,
			"amt":     amount,
			"to_addr": address,
			"chain":   chain,
			"fee":     fee,
		}).
		SetResult(&out).
		Post("/asset/withdrawal")
	if err != nil {
		return "", fmt.Errorf("exchange: withdraw: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("exchange: withdraw: %s", resp.Status())
	}
	return out.WithdrawalID, nil
}

func (c *OkxClient) GetDepositHistory(ctx context.Context, currency string) ([]Deposit, error) {
	var out struct {
		Deposits []struct {
			DepositID string          `json:"dep_id"`
			Amount    decimal.Decimal `json:"amt"`
			Chain     string          `json:"chain"`
			TxHash    string          `json:"tx_id"`
			State     string          `json:"state"`
			Timestamp time.Time       `json:"ts"`
		} `json:"deposits"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("ccy", currency).
		SetResult(&out).
		Get("/asset/deposit-history")
	if err != nil {
		return nil, fmt.Errorf("exchange: deposit history: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("exchange: deposit history: %s", resp.Status())
	}
	deposits := make([]Deposit, 0, len(out.Deposits))
	for _, d := range out.Deposits {
		deposits = append(deposits, Deposit{
			DepositID: d.DepositID,
			Amount:    d.Amount,
			Chain:     d.Chain,
			TxHash:    d.TxHash,
			State:     d.State,
			Timestamp: d.Timestamp,
		})
	}
	return deposits, nil
}
