package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Account holds a customer's BRL balance. BlockedAmount is the portion of the
// balance reserved by in-flight operations and is never spendable.
type Account struct {
	ID            uuid.UUID       `json:"id"`
	CustomerID    uuid.UUID       `json:"customer_id"`
	PixKey        string          `json:"pix_key"`
	Balance       decimal.Decimal `json:"balance"`
	BlockedAmount decimal.Decimal `json:"blocked_amount"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Available is the balance a debit may draw from.
func (a *Account) Available() decimal.Decimal {
	return a.Balance.Sub(a.BlockedAmount)
}

type TransactionType string

const (
	TxPixIn       TransactionType = "PIX_IN"
	TxPixOut      TransactionType = "PIX_OUT"
	TxConversion  TransactionType = "CONVERSION"
	TxTransferIn  TransactionType = "TRANSFER_IN"
	TxTransferOut TransactionType = "TRANSFER_OUT"
	TxDebit       TransactionType = "DEBIT"
	TxCredit      TransactionType = "CREDIT"
)

type TransactionStatus string

const (
	TxCompleted TransactionStatus = "COMPLETED"
	TxReversed  TransactionStatus = "REVERSED"
)

// Transaction is an immutable ledger entry. Every balance mutation is written
// together with exactly one Transaction carrying the before/after snapshot.
// Reference is the idempotency key from the originating rail or flow; it is
// unique, so replaying the same reference can never apply the effect twice.
type Transaction struct {
	ID            uuid.UUID         `json:"id"`
	AccountID     uuid.UUID         `json:"account_id"`
	Type          TransactionType   `json:"type"`
	Amount        decimal.Decimal   `json:"amount"`
	BalanceBefore decimal.Decimal   `json:"balance_before"`
	BalanceAfter  decimal.Decimal   `json:"balance_after"`
	Status        TransactionStatus `json:"status"`
	Reference     string            `json:"reference"`
	RelatedTxID   *uuid.UUID        `json:"related_tx_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// CustomerProfile carries the pricing inputs the orchestrators need.
// Customer CRUD itself lives in the upstream API service.
type CustomerProfile struct {
	CustomerID       uuid.UUID
	SpreadMultiplier decimal.Decimal
	AffiliateID      *uuid.UUID
}

// Referred reports whether an affiliate share applies to this customer.
func (p *CustomerProfile) Referred() bool {
	return p.AffiliateID != nil
}
