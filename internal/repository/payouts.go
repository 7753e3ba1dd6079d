package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cmtehenz/otsem-api-sub000/internal/model"
)

var ErrPayoutNotFound = errors.New("payout not found")

type PayoutRepo struct {
	db *pgxpool.Pool
}

func NewPayoutRepo(db *pgxpool.Pool) *PayoutRepo {
	return &PayoutRepo{db: db}
}

const payoutColumns = `id, account_id, amount, pix_key, request_id, debit_tx_id, refund_tx_id,
	end_to_end_id, status, failure_reason, created_at, updated_at`

// CreatePending reserves the funds and creates the payout in one database
// transaction: lock the account, check the available balance, debit it, write
// the reservation ledger entry and the payout row. Either all of it commits or
// none of it does. A concurrent request with the same request_id loses on the
// unique constraint and gets ErrDuplicateRequest.
func (r *PayoutRepo) CreatePending(ctx context.Context, p *model.Payout) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var acc model.Account
	err = tx.QueryRow(ctx,
		`SELECT id, balance, blocked_amount FROM accounts WHERE id = $1 FOR UPDATE`,
		p.AccountID,
	).Scan(&acc.ID, &acc.Balance, &acc.BlockedAmount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrAccountNotFound
		}
		return fmt.Errorf("lock account: %w", err)
	}

	if acc.Available().LessThan(p.Amount) {
		return ErrInsufficientFunds
	}

	after := acc.Balance.Sub(p.Amount)
	if _, err := tx.Exec(ctx,
		`UPDATE accounts SET balance = $1, updated_at = NOW() WHERE id = $2`,
		after, p.AccountID,
	); err != nil {
		return fmt.Errorf("debit account: %w", err)
	}

	debitTxID := uuid.New()
	now := time.Now().UTC()
	_, err = tx.Exec(ctx,
		`INSERT INTO transactions (id, account_id, type, amount, balance_before, balance_after, status, reference, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		debitTxID, p.AccountID, model.TxPixOut, p.Amount, acc.Balance, after,
		model.TxCompleted, p.DebitReference(), now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateRequest
		}
		return fmt.Errorf("insert reservation: %w", err)
	}

	p.DebitTxID = debitTxID
	p.Status = model.PayoutPending
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err = tx.Exec(ctx,
		`INSERT INTO payouts (id, account_id, amount, pix_key, request_id, debit_tx_id, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.AccountID, p.Amount, p.PixKey, p.RequestID, p.DebitTxID, p.Status, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateRequest
		}
		return fmt.Errorf("insert payout: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Update persists the payout's mutable fields, guarded by the previous status
// so a webhook replay racing the synchronous path cannot double-apply.
func (r *PayoutRepo) Update(ctx context.Context, p *model.Payout, guardFrom model.PayoutStatus) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE payouts SET status = $1, end_to_end_id = $2, refund_tx_id = $3,
			failure_reason = $4, updated_at = NOW()
		WHERE id = $5 AND status = $6`,
		p.Status, p.EndToEndID, p.RefundTxID, p.FailureReason, p.ID, guardFrom,
	)
	if err != nil {
		return false, fmt.Errorf("update payout: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *PayoutRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.Payout, error) {
	return r.get(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1`, id)
}

func (r *PayoutRepo) GetByRequestID(ctx context.Context, requestID string) (*model.Payout, error) {
	return r.get(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE request_id = $1`, requestID)
}

func (r *PayoutRepo) GetByEndToEndID(ctx context.Context, endToEndID string) (*model.Payout, error) {
	return r.get(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE end_to_end_id = $1`, endToEndID)
}

func (r *PayoutRepo) get(ctx context.Context, query string, arg any) (*model.Payout, error) {
	var p model.Payout
	err := r.db.QueryRow(ctx, query, arg).Scan(
		&p.ID, &p.AccountID, &p.Amount, &p.PixKey, &p.RequestID, &p.DebitTxID, &p.RefundTxID,
		&p.EndToEndID, &p.Status, &p.FailureReason, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPayoutNotFound
		}
		return nil, err
	}
	return &p, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
