package service

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cmtehenz/otsem-api-sub000/internal/rail"
)

// WalletService serves on-chain wallet balances through the Redis cache so the
// chain gateways are only hit on a cold read.
type WalletService struct {
	wallets WalletStore
	chains  map[string]rail.ChainClient
}

func NewWalletService(wallets WalletStore, chains map[string]rail.ChainClient) *WalletService {
	return &WalletService{wallets: wallets, chains: chains}
}

// Balance returns the wallet's stablecoin balance, cached for a few minutes.
func (s *WalletService) Balance(ctx context.Context, walletID uuid.UUID) (decimal.Decimal, error) {
	wallet, err := s.wallets.GetByID(ctx, walletID)
	if err != nil {
		return decimal.Zero, err
	}

	if cached, ok, err := s.wallets.CachedBalance(ctx, wallet.Network, wallet.Address); err == nil && ok {
		return cached, nil
	} else if err != nil {
		slog.Warn("wallet: balance cache read failed", "wallet_id", walletID, "error", err)
	}

	chain, ok := s.chains[wallet.Network]
	if !ok {
		return decimal.Zero, ErrUnsupportedNetwork
	}
	balance, err := chain.GetBalance(ctx, wallet.Address)
	if err != nil {
		return decimal.Zero, err
	}

	if err := s.wallets.CacheBalance(ctx, wallet.ID, wallet.Network, wallet.Address, balance); err != nil {
		slog.Warn("wallet: balance cache write failed", "wallet_id", walletID, "error", err)
	}
	return balance, nil
}
