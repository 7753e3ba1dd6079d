// Package service contains the conversion orchestrators, the payout saga and
// the deposit matcher. All external collaborators (store, rails, bus) enter
// through interfaces so flows are testable without infrastructure.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cmtehenz/otsem-api-sub000/internal/model"
)

var (
	ErrBelowMinimum         = errors.New("amount below minimum")
	ErrNoDestinationWallet  = errors.New("no destination wallet for network")
	ErrWalletNotWhitelisted = errors.New("destination wallet is not whitelisted on the exchange")
	ErrUnsupportedNetwork   = errors.New("unsupported network")
	ErrUnknownEndToEndID    = errors.New("no payout matches the end-to-end id")
)

// StageError reports which step of a flow failed without leaking the raw
// provider payload to the caller.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Ledger is the append-only money log (repository.LedgerRepo).
type Ledger interface {
	Debit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, txType model.TransactionType, reference string, metadata map[string]string) (*model.Transaction, error)
	Credit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, txType model.TransactionType, reference string, metadata map[string]string) (*model.Transaction, error)
	RecordNeutral(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, txType model.TransactionType, reference string, metadata map[string]string) (*model.Transaction, error)
	MarkReversed(ctx context.Context, txID, relatedTxID uuid.UUID) error
	GetAccount(ctx context.Context, id uuid.UUID) (*model.Account, error)
	GetAccountByPixKey(ctx context.Context, pixKey string) (*model.Account, error)
	ListTransactions(ctx context.Context, accountID uuid.UUID, limit int) ([]model.Transaction, error)
}

// ConversionStore persists conversions (repository.ConversionRepo).
type ConversionStore interface {
	Create(ctx context.Context, c *model.Conversion) error
	Update(ctx context.Context, c *model.Conversion, guardFrom model.ConversionStatus) (bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*model.Conversion, error)
	ListActiveSells(ctx context.Context) ([]*model.Conversion, error)
	ListStuck(ctx context.Context) ([]*model.Conversion, error)
	DepositLinked(ctx context.Context, depositID string) (bool, error)
	RecordCommission(ctx context.Context, affiliateID, conversionID uuid.UUID, amount decimal.Decimal) error
}

// PayoutStore persists payouts (repository.PayoutRepo).
type PayoutStore interface {
	CreatePending(ctx context.Context, p *model.Payout) error
	Update(ctx context.Context, p *model.Payout, guardFrom model.PayoutStatus) (bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*model.Payout, error)
	GetByRequestID(ctx context.Context, requestID string) (*model.Payout, error)
	GetByEndToEndID(ctx context.Context, endToEndID string) (*model.Payout, error)
}

// WalletStore resolves customer wallets (repository.WalletRepo).
type WalletStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Wallet, error)
	MainForNetwork(ctx context.Context, customerID uuid.UUID, network string) (*model.Wallet, error)
	CachedBalance(ctx context.Context, network, address string) (decimal.Decimal, bool, error)
	CacheBalance(ctx context.Context, walletID uuid.UUID, network, address string, balance decimal.Decimal) error
}

// CustomerStore reads pricing profiles (repository.CustomerRepo).
type CustomerStore interface {
	GetProfile(ctx context.Context, customerID uuid.UUID) (*model.CustomerProfile, error)
}

// MessageBus publishes engine events.
type MessageBus interface {
	Publish(topic string, data []byte) error
}
