package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "PENDING"
	PayoutProcessing PayoutStatus = "PROCESSING"
	PayoutConfirmed  PayoutStatus = "CONFIRMED"
	PayoutFailed     PayoutStatus = "FAILED"
	PayoutCanceled   PayoutStatus = "CANCELED"
)

var payoutTransitions = map[PayoutStatus][]PayoutStatus{
	PayoutPending:    {PayoutProcessing, PayoutConfirmed, PayoutFailed},
	PayoutProcessing: {PayoutConfirmed, PayoutFailed, PayoutCanceled},
	PayoutConfirmed:  {},
	PayoutFailed:     {},
	PayoutCanceled:   {},
}

func (s PayoutStatus) CanTransitionTo(next PayoutStatus) bool {
	for _, allowed := range payoutTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s PayoutStatus) Terminal() bool {
	return len(payoutTransitions[s]) == 0
}

// Payout is one cash-out request. The debit reservation and its eventual
// compensation are the only two ledger effects a payout may ever produce;
// RefundReference derives the deterministic key that guards the second one.
type Payout struct {
	ID            uuid.UUID       `json:"id"`
	AccountID     uuid.UUID       `json:"account_id"`
	Amount        decimal.Decimal `json:"amount"`
	PixKey        string          `json:"pix_key"`
	RequestID     string          `json:"request_id"`
	DebitTxID     uuid.UUID       `json:"debit_tx_id"`
	RefundTxID    *uuid.UUID      `json:"refund_tx_id,omitempty"`
	EndToEndID    string          `json:"end_to_end_id,omitempty"`
	Status        PayoutStatus    `json:"status"`
	FailureReason string          `json:"failure_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (p *Payout) Transition(next PayoutStatus) error {
	if !p.Status.CanTransitionTo(next) {
		return fmt.Errorf("invalid payout transition %s -> %s (request_id=%s)", p.Status, next, p.RequestID)
	}
	p.Status = next
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// DebitReference is the ledger idempotency key for the reservation debit.
func (p *Payout) DebitReference() string {
	return "payout:" + p.RequestID
}

// RefundReference is the ledger idempotency key for the compensating credit.
// Both the synchronous failure path and the webhook failure path use it, so a
// payout can never be refunded twice.
func (p *Payout) RefundReference() string {
	return "payout_refund:" + p.RequestID
}
