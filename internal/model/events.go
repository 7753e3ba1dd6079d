package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Bus subjects published by the engine.
const (
	SubjectTransactions = "ledger.transactions"
	SubjectConversions  = "conversions.updated"
	SubjectPayouts      = "payouts.settled"
	SubjectAlerts       = "ops.alerts"
	SubjectReconcile    = "commands.reconcile"
)

// TransactionEvent is published after every committed ledger entry.
type TransactionEvent struct {
	TransactionID uuid.UUID       `json:"transaction_id"`
	AccountID     uuid.UUID       `json:"account_id"`
	Type          TransactionType `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	Reference     string          `json:"reference"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ConversionEvent is published on every conversion status change.
type ConversionEvent struct {
	ConversionID uuid.UUID        `json:"conversion_id"`
	CustomerID   uuid.UUID        `json:"customer_id"`
	Side         ConversionSide   `json:"side"`
	Status       ConversionStatus `json:"status"`
	Stage        string           `json:"stage,omitempty"`
	OccurredAt   time.Time        `json:"occurred_at"`
}

// PayoutEvent is published when a payout reaches a terminal status.
type PayoutEvent struct {
	PayoutID   uuid.UUID       `json:"payout_id"`
	RequestID  string          `json:"request_id"`
	Amount     decimal.Decimal `json:"amount"`
	Status     PayoutStatus    `json:"status"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Alert kinds for the operator queue.
const (
	AlertStuckConversion = "stuck_conversion"
	AlertOrphanDeposit   = "orphan_deposit"
	AlertHeuristicMatch  = "heuristic_match"
	AlertStrandedPayout  = "stranded_payout"
)

// AlertEvent flags a condition that needs a human: a buy stuck after the bank
// transfer, an exchange deposit with no matching conversion, a deposit
// matched only by the amount/time heuristic, or a payout whose bank transfer
// was accepted but whose state could not be persisted.
type AlertEvent struct {
	Kind       string            `json:"kind"`
	Message    string            `json:"message"`
	Details    map[string]string `json:"details,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}
