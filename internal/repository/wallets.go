package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/cmtehenz/otsem-api-sub000/internal/model"
)

var ErrWalletNotFound = errors.New("wallet not found")

// balanceCacheTTL bounds how stale a cached on-chain balance may get.
const balanceCacheTTL = 5 * time.Minute

// WalletRepo reads customer wallets from Postgres and caches their on-chain
// balances in Redis so the API layer doesn't hit the chain gateway per request.
type WalletRepo struct {
	db  *pgxpool.Pool
	rdb *redis.Client
}

func NewWalletRepo(db *pgxpool.Pool, rdb *redis.Client) *WalletRepo {
	return &WalletRepo{db: db, rdb: rdb}
}

const walletColumns = `id, customer_id, network, address, private_key, is_main, okx_whitelisted, cached_balance, created_at`

func (r *WalletRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.Wallet, error) {
	return r.get(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id)
}

// MainForNetwork resolves the customer's destination wallet on a network,
// preferring exchange-whitelisted wallets, then the one marked main.
func (r *WalletRepo) MainForNetwork(ctx context.Context, customerID uuid.UUID, network string) (*model.Wallet, error) {
	return r.get(ctx, `
		SELECT `+walletColumns+` FROM wallets
		WHERE customer_id = $1 AND network = $2
		ORDER BY okx_whitelisted DESC, is_main DESC, created_at
		LIMIT 1`, customerID, network)
}

func (r *WalletRepo) get(ctx context.Context, query string, args ...any) (*model.Wallet, error) {
	var w model.Wallet
	err := r.db.QueryRow(ctx, query, args...).Scan(
		&w.ID, &w.CustomerID, &w.Network, &w.Address, &w.PrivateKey,
		&w.IsMain, &w.OkxWhitelisted, &w.CachedBalance, &w.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &w, nil
}

func balanceKey(network, address string) string {
	return fmt.Sprintf("walletbal:%s:%s", network, address)
}

// CachedBalance returns the Redis-cached on-chain balance, redis.Nil-backed
// miss as the second return.
func (r *WalletRepo) CachedBalance(ctx context.Context, network, address string) (decimal.Decimal, bool, error) {
	val, err := r.rdb.Get(ctx, balanceKey(network, address)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("balance cache get: %w", err)
	}
	d, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("balance cache parse: %w", err)
	}
	return d, true, nil
}

// CacheBalance stores the freshly read on-chain balance in Redis and mirrors
// it into the wallet row.
func (r *WalletRepo) CacheBalance(ctx context.Context, walletID uuid.UUID, network, address string, balance decimal.Decimal) error {
	if err := r.rdb.Set(ctx, balanceKey(network, address), balance.String(), balanceCacheTTL).Err(); err != nil {
		return fmt.Errorf("balance cache set: %w", err)
	}
	_, err := r.db.Exec(ctx,
		`UPDATE wallets SET cached_balance = $1 WHERE id = $2`, balance, walletID)
	return err
}
