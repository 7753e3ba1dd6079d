// Package rail holds the narrow contracts for the three external systems the
// engine coordinates: the PIX bank rail, the spot exchange, and the two
// blockchain networks. Orchestrators depend on these interfaces only; the
// HTTP implementations live alongside them.
package rail

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Order sides and currency pair used against the exchange.
const (
	SideBuy  = "buy"
	SideSell = "sell"

	CurrencyUSDT = "USDT"
)

// Exchange sub-account names. Market orders settle in trading; withdrawals
// leave from funding.
const (
	AccountTrading = "trading"
	AccountFunding = "funding"
)

// TransferReceipt is the bank rail's synchronous answer to a PIX transfer.
type TransferReceipt struct {
	EndToEndID string
	Status     string
}

// BankClient is the PIX rail. Transfers cannot be recalled once accepted.
type BankClient interface {
	SendTransfer(ctx context.Context, amount decimal.Decimal, destinationKey string) (*TransferReceipt, error)
	GetBalance(ctx context.Context) (decimal.Decimal, error)
}

// Fill is one execution of a market order.
type Fill struct {
	Size  decimal.Decimal
	Price decimal.Decimal
	Fee   decimal.Decimal
}

// Deposit is one entry from the exchange deposit history.
type Deposit struct {
	DepositID string
	Amount    decimal.Decimal
	Chain     string
	TxHash    string
	State     string
	Timestamp time.Time
}

// DepositStateCompleted is the exchange state for a credited deposit.
const DepositStateCompleted = "completed"

// ExchangeClient is the spot exchange (OKX-shaped: trading/funding
// sub-accounts, chain-qualified withdrawals, fills queried per order).
type ExchangeClient interface {
	PlaceMarketOrder(ctx context.Context, pair, side string, size decimal.Decimal) (string, error)
	GetFills(ctx context.Context, orderID string) ([]Fill, error)
	TransferFunds(ctx context.Context, currency string, amount decimal.Decimal, from, to string) error
	Withdraw(ctx context.Context, currency string, amount decimal.Decimal, address, chain string, fee decimal.Decimal) (string, error)
	GetDepositHistory(ctx context.Context, currency string) ([]Deposit, error)
}

// ChainClient is one blockchain network.
type ChainClient interface {
	GetBalance(ctx context.Context, address string) (decimal.Decimal, error)
	Transfer(ctx context.Context, fromKey, toAddress string, amount decimal.Decimal) (string, error)
	IsValidAddress(address string) bool
}
