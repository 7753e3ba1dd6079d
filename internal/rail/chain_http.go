package rail

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

// HTTPChainClient talks to a chain gateway (one instance per network). The
// gateway abstracts the node RPC; we only move the stablecoin token.
type HTTPChainClient struct {
	http    *resty.Client
	network string
	addrRe  *regexp.Regexp
}

// Address shapes per network: Tron base58 (T-prefixed), EVM hex for Polygon.
var (
	tronAddressRe = regexp.MustCompile(`^T[1-9A-HJ-NP-Za-km-z]{33}$`)
	evmAddressRe  = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
)

func NewHTTPChainClient(baseURL, apiKey, network string) *HTTPChainClient {
	re := evmAddressRe
	if network == "TRC20" {
		re = tronAddressRe
	}
	return &HTTPChainClient{
		http: resty.New().
			SetBaseURL(baseURL).
			SetHeader("Authorization", "Bearer "+apiKey).
			SetHeader("Content-Type", "application/json").
			SetTimeout(60 * time.Second),
		network: network,
		addrRe:  re,
	}
}

func (c *HTTPChainClient) GetBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	var out struct {
		Balance decimal.Decimal `json:"balance"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("address", address).
		SetResult(&out).
		Get("/addresses/{address}/balance")
	if err != nil {
		return decimal.Zero, fmt.Errorf("chain %s: get balance: %w", c.network, err)
	}
	if resp.IsError() {
		return decimal.Zero, fmt.Errorf("chain %s: get balance: %s", c.network, resp.Status())
	}
	return out.Balance, nil
}

func (c *HTTPChainClient) Transfer(ctx context.Context, fromKey, toAddress string, amount decimal.Decimal) (string, error) {
	var out struct {
		TxHash string `json:"tx_hash"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"from_key":   fromKey,
			"to_address": toAddress,
			"amount":     amount,
		}).
		SetResult(&out).
		Post("/transfers")
	if err != nil {
		return "", fmt.Errorf("chain %s: transfer: %w", c.network, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("chain %s: transfer: %s", c.network, resp.Status())
	}
	return out.TxHash, nil
}

func (c *HTTPChainClient) IsValidAddress(address string) bool {
	return c.addrRe.MatchString(address)
}
