package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/cmtehenz/otsem-api-sub000/internal/model"
)

var ErrConversionNotFound = errors.New("conversion not found")

type ConversionRepo struct {
	db *pgxpool.Pool
}

func NewConversionRepo(db *pgxpool.Pool) *ConversionRepo {
	return &ConversionRepo{db: db}
}

const conversionColumns = `id, customer_id, account_id, side, status, stage, network,
	brl_charged, brl_exchanged, usdt_purchased, usdt_withdrawn, usdt_expected, usdt_received, brl_from_exchange,
	spread_brl, trading_fee, withdraw_fee, affiliate_commission, gross_profit, net_profit,
	end_to_end_id, order_id, withdrawal_id, deposit_id, tx_hash,
	failure_reason, created_at, updated_at`

func (r *ConversionRepo) Create(ctx context.Context, c *model.Conversion) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO conversions (`+conversionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20,
			$21, $22, $23, $24, $25,
			$26, $27, $28)`,
		c.ID, c.CustomerID, c.AccountID, c.Side, c.Status, c.Stage, c.Network,
		c.BrlCharged, c.BrlExchanged, c.UsdtPurchased, c.UsdtWithdrawn, c.UsdtExpected, c.UsdtReceived, c.BrlFromExchange,
		c.SpreadBrl, c.TradingFee, c.WithdrawFee, c.AffiliateCommission, c.GrossProfit, c.NetProfit,
		c.EndToEndID, c.OrderID, c.WithdrawalID, c.DepositID, c.TxHash,
		c.FailureReason, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert conversion: %w", err)
	}
	return nil
}

// Update persists every mutable field; guardFrom restricts the write to rows
// still in that status, so two concurrent reconciler passes cannot both apply
// the same stage transition. Returns false when the guard did not match.
func (r *ConversionRepo) Update(ctx context.Context, c *model.Conversion, guardFrom model.ConversionStatus) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE conversions SET
			status = $1, stage = $2,
			brl_charged = $3, brl_exchanged = $4, usdt_purchased = $5, usdt_withdrawn = $6,
			usdt_expected = $7, usdt_received = $8, brl_from_exchange = $9,
			spread_brl = $10, trading_fee = $11, withdraw_fee = $12, affiliate_commission = $13,
			gross_profit = $14, net_profit = $15,
			end_to_end_id = $16, order_id = $17, withdrawal_id = $18, deposit_id = $19, tx_hash = $20,
			failure_reason = $21, updated_at = NOW()
		WHERE id = $22 AND status = $23`,
		c.Status, c.Stage,
		c.BrlCharged, c.BrlExchanged, c.UsdtPurchased, c.UsdtWithdrawn,
		c.UsdtExpected, c.UsdtReceived, c.BrlFromExchange,
		c.SpreadBrl, c.TradingFee, c.WithdrawFee, c.AffiliateCommission,
		c.GrossProfit, c.NetProfit,
		c.EndToEndID, c.OrderID, c.WithdrawalID, c.DepositID, c.TxHash,
		c.FailureReason, c.ID, guardFrom,
	)
	if err != nil {
		return false, fmt.Errorf("update conversion: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *ConversionRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.Conversion, error) {
	row := r.db.QueryRow(ctx, `SELECT `+conversionColumns+` FROM conversions WHERE id = $1`, id)
	return scanConversion(row)
}

// ListActiveSells returns sell conversions the reconciler still has work for.
func (r *ConversionRepo) ListActiveSells(ctx context.Context) ([]*model.Conversion, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+conversionColumns+` FROM conversions
		WHERE side = $1 AND status = ANY($2)
		ORDER BY created_at`,
		model.SideSell,
		[]string{string(model.ConversionPending), string(model.ConversionUsdtReceived), string(model.ConversionUsdtSold)},
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectConversions(rows)
}

// ListStuck returns failed buys whose bank transfer already settled — the
// operator queue.
func (r *ConversionRepo) ListStuck(ctx context.Context) ([]*model.Conversion, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+conversionColumns+` FROM conversions
		WHERE side = $1 AND status = $2 AND end_to_end_id <> '' AND stage <> $3
		ORDER BY created_at`,
		model.SideBuy, model.ConversionFailed, model.StageBankTransfer,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectConversions(rows)
}

// DepositLinked reports whether any conversion already claimed this exchange
// deposit. Used by the orphan scan.
func (r *ConversionRepo) DepositLinked(ctx context.Context, depositID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM conversions WHERE deposit_id = $1)`, depositID,
	).Scan(&exists)
	return exists, err
}

// RecordCommission writes the affiliate's cut for a conversion. Idempotent by
// conversion: one commission row per conversion at most.
func (r *ConversionRepo) RecordCommission(ctx context.Context, affiliateID, conversionID uuid.UUID, amount decimal.Decimal) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO commissions (id, affiliate_id, conversion_id, amount, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (conversion_id) DO NOTHING`,
		uuid.New(), affiliateID, conversionID, amount,
	)
	if err != nil {
		return fmt.Errorf("record commission: %w", err)
	}
	return nil
}

func scanConversion(row pgx.Row) (*model.Conversion, error) {
	var c model.Conversion
	err := row.Scan(
		&c.ID, &c.CustomerID, &c.AccountID, &c.Side, &c.Status, &c.Stage, &c.Network,
		&c.BrlCharged, &c.BrlExchanged, &c.UsdtPurchased, &c.UsdtWithdrawn, &c.UsdtExpected, &c.UsdtReceived, &c.BrlFromExchange,
		&c.SpreadBrl, &c.TradingFee, &c.WithdrawFee, &c.AffiliateCommission, &c.GrossProfit, &c.NetProfit,
		&c.EndToEndID, &c.OrderID, &c.WithdrawalID, &c.DepositID, &c.TxHash,
		&c.FailureReason, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConversionNotFound
		}
		return nil, err
	}
	return &c, nil
}

func collectConversions(rows pgx.Rows) ([]*model.Conversion, error) {
	var out []*model.Conversion
	for rows.Next() {
		c, err := scanConversion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
