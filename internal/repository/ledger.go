package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/cmtehenz/otsem-api-sub000/internal/model"
)

var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrInsufficientFunds = errors.New("insufficient available balance")
	ErrDuplicateRequest  = errors.New("request already processed (idempotency)")
)

const uniqueViolation = "23505"

// LedgerRepo owns accounts and the append-only transaction log. Every balance
// mutation happens inside one database transaction together with exactly one
// transaction row; the row's reference column is unique, which is what makes
// replays at-most-once.
type LedgerRepo struct {
	db  *pgxpool.Pool
	bus MessageBus
}

func NewLedgerRepo(db *pgxpool.Pool, bus MessageBus) *LedgerRepo {
	return &LedgerRepo{db: db, bus: bus}
}

// Debit subtracts amount from the account's available balance. A previously
// used reference returns the original transaction without re-applying.
func (r *LedgerRepo) Debit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, txType model.TransactionType, reference string, metadata map[string]string) (*model.Transaction, error) {
	return r.apply(ctx, accountID, amount.Neg(), txType, reference, metadata)
}

// Credit adds amount to the account balance, idempotent by reference.
func (r *LedgerRepo) Credit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, txType model.TransactionType, reference string, metadata map[string]string) (*model.Transaction, error) {
	return r.apply(ctx, accountID, amount, txType, reference, metadata)
}

// RecordNeutral writes a balance-neutral entry (balanceBefore == balanceAfter).
// Used for buy conversions, where the BRL left via the bank rail rather than
// through an internal debit.
func (r *LedgerRepo) RecordNeutral(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, txType model.TransactionType, reference string, metadata map[string]string) (*model.Transaction, error) {
	return r.apply(ctx, accountID, decimal.Zero, txType, reference, metadata, withRecordedAmount(amount))
}

type applyOpts struct {
	recordedAmount *decimal.Decimal
}

type applyOpt func(*applyOpts)

func withRecordedAmount(amount decimal.Decimal) applyOpt {
	return func(o *applyOpts) { o.recordedAmount = &amount }
}

func (r *LedgerRepo) apply(ctx context.Context, accountID uuid.UUID, delta decimal.Decimal, txType model.TransactionType, reference string, metadata map[string]string, opts ...applyOpt) (*model.Transaction, error) {
	var o applyOpts
	for _, opt := range opts {
		opt(&o)
	}

	// Fast path: the reference was already applied.
	if existing, err := r.GetTransactionByReference(ctx, reference); err == nil {
		return existing, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var balance, blocked decimal.Decimal
	err = tx.QueryRow(ctx,
		`SELECT balance, blocked_amount FROM accounts WHERE id = $1 FOR UPDATE`,
		accountID,
	).Scan(&balance, &blocked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("lock account: %w", err)
	}

	if delta.IsNegative() && balance.Sub(blocked).LessThan(delta.Neg()) {
		return nil, ErrInsufficientFunds
	}

	after := balance.Add(delta)
	if !delta.IsZero() {
		if _, err := tx.Exec(ctx,
			`UPDATE accounts SET balance = $1, updated_at = NOW() WHERE id = $2`,
			after, accountID,
		); err != nil {
			return nil, fmt.Errorf("update balance: %w", err)
		}
	}

	amount := delta.Abs()
	if o.recordedAmount != nil {
		amount = *o.recordedAmount
	}

	entry := &model.Transaction{
		ID:            uuid.New(),
		AccountID:     accountID,
		Type:          txType,
		Amount:        amount,
		BalanceBefore: balance,
		BalanceAfter:  after,
		Status:        model.TxCompleted,
		Reference:     reference,
		Metadata:      metadata,
		CreatedAt:     time.Now().UTC(),
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO transactions (id, account_id, type, amount, balance_before, balance_after, status, reference, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.ID, entry.AccountID, entry.Type, entry.Amount, entry.BalanceBefore,
		entry.BalanceAfter, entry.Status, entry.Reference, entry.Metadata, entry.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			// Lost the race: another writer applied this reference first.
			_ = tx.Rollback(ctx)
			return r.GetTransactionByReference(ctx, reference)
		}
		return nil, fmt.Errorf("insert transaction: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	r.publish(entry)
	return entry, nil
}

func (r *LedgerRepo) publish(entry *model.Transaction) {
	event := model.TransactionEvent{
		TransactionID: entry.ID,
		AccountID:     entry.AccountID,
		Type:          entry.Type,
		Amount:        entry.Amount,
		Reference:     entry.Reference,
		CreatedAt:     entry.CreatedAt,
	}
	data, _ := json.Marshal(event)
	if err := r.bus.Publish(model.SubjectTransactions, data); err != nil {
		slog.Error("ledger: failed to publish transaction event",
			"transaction_id", entry.ID, "error", err)
	}
}

// MarkReversed flips a COMPLETED entry to REVERSED and links the compensating
// entry. The only status transition the log permits.
func (r *LedgerRepo) MarkReversed(ctx context.Context, txID, relatedTxID uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE transactions SET status = $1, related_tx_id = $2 WHERE id = $3 AND status = $4`,
		model.TxReversed, relatedTxID, txID, model.TxCompleted,
	)
	if err != nil {
		return fmt.Errorf("mark reversed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil // already reversed; re-running the compensation path is a no-op
	}
	return nil
}

func (r *LedgerRepo) GetAccount(ctx context.Context, id uuid.UUID) (*model.Account, error) {
	return r.scanAccount(ctx,
		`SELECT id, customer_id, pix_key, balance, blocked_amount, created_at, updated_at
		 FROM accounts WHERE id = $1`, id)
}

func (r *LedgerRepo) GetAccountByPixKey(ctx context.Context, pixKey string) (*model.Account, error) {
	return r.scanAccount(ctx,
		`SELECT id, customer_id, pix_key, balance, blocked_amount, created_at, updated_at
		 FROM accounts WHERE pix_key = $1`, pixKey)
}

func (r *LedgerRepo) scanAccount(ctx context.Context, query string, arg any) (*model.Account, error) {
	var acc model.Account
	err := r.db.QueryRow(ctx, query, arg).Scan(
		&acc.ID, &acc.CustomerID, &acc.PixKey, &acc.Balance, &acc.BlockedAmount,
		&acc.CreatedAt, &acc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &acc, nil
}

func (r *LedgerRepo) GetTransactionByReference(ctx context.Context, reference string) (*model.Transaction, error) {
	var t model.Transaction
	err := r.db.QueryRow(ctx,
		`SELECT id, account_id, type, amount, balance_before, balance_after, status, reference, related_tx_id, metadata, created_at
		 FROM transactions WHERE reference = $1`, reference,
	).Scan(&t.ID, &t.AccountID, &t.Type, &t.Amount, &t.BalanceBefore, &t.BalanceAfter,
		&t.Status, &t.Reference, &t.RelatedTxID, &t.Metadata, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTransactions returns the most recent entries for an account statement.
func (r *LedgerRepo) ListTransactions(ctx context.Context, accountID uuid.UUID, limit int) ([]model.Transaction, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, account_id, type, amount, balance_before, balance_after, status, reference, related_tx_id, metadata, created_at
		 FROM transactions WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2`,
		accountID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		var t model.Transaction
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Type, &t.Amount, &t.BalanceBefore,
			&t.BalanceAfter, &t.Status, &t.Reference, &t.RelatedTxID, &t.Metadata, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
