package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Supported stablecoin networks.
const (
	NetworkTron    = "TRC20"
	NetworkPolygon = "POLYGON"
)

// Wallet is a customer blockchain address. Custodial wallets carry key
// material and can be spent by the sell orchestrator; self-custody wallets are
// observe-only. OkxWhitelisted is set manually on the exchange side and is a
// hard precondition for withdrawals.
type Wallet struct {
	ID             uuid.UUID       `json:"id"`
	CustomerID     uuid.UUID       `json:"customer_id"`
	Network        string          `json:"network"`
	Address        string          `json:"address"`
	PrivateKey     string          `json:"-"`
	IsMain         bool            `json:"is_main"`
	OkxWhitelisted bool            `json:"okx_whitelisted"`
	CachedBalance  decimal.Decimal `json:"cached_balance"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Custodial reports whether the platform holds this wallet's keys.
func (w *Wallet) Custodial() bool {
	return w.PrivateKey != ""
}
