package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"github.com/cmtehenz/otsem-api-sub000/internal/config"
	"github.com/cmtehenz/otsem-api-sub000/internal/metrics"
	"github.com/cmtehenz/otsem-api-sub000/internal/model"
	"github.com/cmtehenz/otsem-api-sub000/internal/rail"
)

// SellOrchestrator drives stablecoin -> BRL. Two entry modes: a custodial
// sell moves the customer's funds on-chain to the exchange itself; a
// self-custody sell only records the intent and waits for the deposit to show
// up. Either way the reconciler advances the state machine from there.
type SellOrchestrator struct {
	cfg         *config.Config
	ledger      Ledger
	conversions ConversionStore
	customers   CustomerStore
	wallets     WalletStore
	exchange    rail.ExchangeClient
	chains      map[string]rail.ChainClient
	bus         MessageBus
}

func NewSellOrchestrator(cfg *config.Config, ledger Ledger, conversions ConversionStore, customers CustomerStore, wallets WalletStore, exchange rail.ExchangeClient, chains map[string]rail.ChainClient, bus MessageBus) *SellOrchestrator {
	return &SellOrchestrator{
		cfg:         cfg,
		ledger:      ledger,
		conversions: conversions,
		customers:   customers,
		wallets:     wallets,
		exchange:    exchange,
		chains:      chains,
		bus:         bus,
	}
}

type SellRequest struct {
	CustomerID uuid.UUID
	AccountID  uuid.UUID
	Amount     decimal.Decimal
	Network    string
	WalletID   *uuid.UUID
}

// Start creates the sell conversion. For custodial wallets it also sends the
// on-chain transfer to the exchange deposit address, so the deposit can later
// be matched exactly by tx hash.
func (o *SellOrchestrator) Start(ctx context.Context, req SellRequest) (*model.Conversion, error) {
	amount := model.RoundUSDT(req.Amount)
	if !amount.IsPositive() {
		return nil, ErrBelowMinimum
	}
	chain, ok := o.chains[req.Network]
	if !ok {
		return nil, ErrUnsupportedNetwork
	}

	conv := model.NewConversion(req.CustomerID, req.AccountID, model.SideSell, req.Network)
	conv.UsdtExpected = amount

	if req.WalletID != nil {
		wallet, err := o.wallets.GetByID(ctx, *req.WalletID)
		if err != nil {
			return nil, err
		}
		if wallet.Custodial() {
			depositAddr, err := o.cfg.DepositAddress(req.Network)
			if err != nil {
				return nil, err
			}
			if !chain.IsValidAddress(depositAddr) {
				return nil, fmt.Errorf("exchange deposit address for %s is invalid", req.Network)
			}
			txHash, err := chain.Transfer(ctx, wallet.PrivateKey, depositAddr, amount)
			if err != nil {
				return nil, &StageError{Stage: "chain_transfer", Err: err}
			}
			conv.TxHash = txHash
		}
	}

	if err := o.conversions.Create(ctx, conv); err != nil {
		return nil, err
	}

	slog.Info("sell: conversion created",
		"conversion_id", conv.ID, "network", conv.Network,
		"usdt_expected", conv.UsdtExpected, "tx_hash", conv.TxHash)
	return conv, nil
}

// Advance runs one state-machine step. It is designed to be re-entered by the
// reconciler: every transition is guarded by the previous status in the
// store, and the ledger credit is idempotent by the conversion reference, so
// two overlapping passes cannot double-apply a stage. A pass that loses the
// guarded update reverts its in-memory status, so the caller sees no progress
// and never executes the next stage on top of a stale copy.
func (o *SellOrchestrator) Advance(ctx context.Context, conv *model.Conversion) error {
	switch conv.Status {
	case model.ConversionPending:
		return o.matchDeposit(ctx, conv)
	case model.ConversionUsdtReceived:
		return o.sellOnExchange(ctx, conv)
	case model.ConversionUsdtSold:
		return o.creditLedger(ctx, conv)
	default:
		return nil
	}
}

func (o *SellOrchestrator) matchDeposit(ctx context.Context, conv *model.Conversion) error {
	deposits, err := o.exchange.GetDepositHistory(ctx, rail.CurrencyUSDT)
	if err != nil {
		return fmt.Errorf("deposit history: %w", err)
	}

	dep, exact := MatchDeposit(conv, deposits)
	if dep == nil {
		return nil // keep waiting
	}

	// A heuristic match may belong to another conversion; never steal a
	// deposit that is already claimed, and flag the low-confidence match.
	if !exact {
		linked, err := o.conversions.DepositLinked(ctx, dep.DepositID)
		if err != nil {
			return err
		}
		if linked {
			return nil
		}
		o.alertHeuristicMatch(conv, dep)
	}

	conv.DepositID = dep.DepositID
	conv.UsdtReceived = dep.Amount
	if conv.TxHash == "" {
		conv.TxHash = dep.TxHash
	}
	if err := conv.Transition(model.ConversionUsdtReceived); err != nil {
		return err
	}

	applied, err := o.conversions.Update(ctx, conv, model.ConversionPending)
	if err != nil {
		return err
	}
	if !applied {
		// Another pass got here first. Revert so the caller does not mistake
		// the in-memory transition for progress and run the next stage too.
		conv.Status = model.ConversionPending
		return nil
	}

	o.publishUpdate(conv)
	slog.Info("sell: deposit matched",
		"conversion_id", conv.ID, "deposit_id", dep.DepositID,
		"usdt_received", dep.Amount, "exact", exact)
	return nil
}

func (o *SellOrchestrator) sellOnExchange(ctx context.Context, conv *model.Conversion) error {
	// Deposits land in funding; the market order needs the trading account.
	if err := o.exchange.TransferFunds(ctx, rail.CurrencyUSDT, conv.UsdtReceived, rail.AccountFunding, rail.AccountTrading); err != nil {
		return fmt.Errorf("funds transfer: %w", err)
	}

	orderID, err := o.exchange.PlaceMarketOrder(ctx, o.cfg.TradingPair, rail.SideSell, conv.UsdtReceived)
	if err != nil {
		return fmt.Errorf("market sell: %w", err)
	}
	conv.OrderID = orderID

	brlGross, tradingFee, err := o.settleSellFills(ctx, orderID)
	if err != nil {
		return err
	}

	profile, err := o.customers.GetProfile(ctx, conv.CustomerID)
	if err != nil {
		return err
	}
	rate := o.cfg.BaseSpreadRate.Mul(profile.SpreadMultiplier)

	conv.BrlFromExchange = brlGross
	conv.TradingFee = tradingFee
	brlCredit := model.RoundBRL(brlGross.Mul(decimal.NewFromInt(1).Sub(rate)))
	conv.SpreadBrl = brlGross.Sub(brlCredit)
	conv.GrossProfit = conv.SpreadBrl
	conv.NetProfit = conv.GrossProfit.Sub(tradingFee)

	if err := conv.Transition(model.ConversionUsdtSold); err != nil {
		return err
	}
	applied, err := o.conversions.Update(ctx, conv, model.ConversionUsdtReceived)
	if err != nil {
		return err
	}
	if !applied {
		conv.Status = model.ConversionUsdtReceived
		return nil
	}

	o.publishUpdate(conv)
	slog.Info("sell: sold on exchange",
		"conversion_id", conv.ID, "order_id", orderID,
		"brl_from_exchange", brlGross, "spread_brl", conv.SpreadBrl)
	return nil
}

func (o *SellOrchestrator) creditLedger(ctx context.Context, conv *model.Conversion) error {
	credit := conv.BrlFromExchange.Sub(conv.SpreadBrl)

	// Idempotent by reference: a poller re-run that finds the transaction
	// already written skips straight to completing the conversion.
	if _, err := o.ledger.Credit(ctx, conv.AccountID, credit, model.TxConversion, conversionReference(conv.ID), map[string]string{
		"conversion_id": conv.ID.String(),
		"deposit_id":    conv.DepositID,
	}); err != nil {
		return fmt.Errorf("ledger credit: %w", err)
	}

	if err := conv.Transition(model.ConversionCompleted); err != nil {
		return err
	}
	applied, err := o.conversions.Update(ctx, conv, model.ConversionUsdtSold)
	if err != nil {
		return err
	}
	if !applied {
		conv.Status = model.ConversionUsdtSold
		return nil
	}

	metrics.ConversionsTotal.WithLabelValues(string(model.SideSell), string(conv.Status)).Inc()
	o.publishUpdate(conv)
	slog.Info("sell: conversion completed", "conversion_id", conv.ID, "brl_credited", credit)
	return nil
}

func (o *SellOrchestrator) settleSellFills(ctx context.Context, orderID string) (decimal.Decimal, decimal.Decimal, error) {
	var fills []rail.Fill
	backoff := retry.WithMaxRetries(fillPollRetries, retry.NewConstant(fillPollInterval))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		fills, err = o.exchange.GetFills(ctx, orderID)
		if err != nil {
			return retry.RetryableError(err)
		}
		if len(fills) == 0 {
			return retry.RetryableError(fmt.Errorf("order %s has no fills yet", orderID))
		}
		return nil
	})
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("await fills: %w", err)
	}

	brl, fee := decimal.Zero, decimal.Zero
	for _, f := range fills {
		brl = brl.Add(f.Size.Mul(f.Price))
		fee = fee.Add(f.Fee.Abs())
	}
	return model.RoundBRL(brl), fee, nil
}

func (o *SellOrchestrator) alertHeuristicMatch(conv *model.Conversion, dep *rail.Deposit) {
	event := model.AlertEvent{
		Kind:    model.AlertHeuristicMatch,
		Message: "deposit matched by amount/time heuristic, not tx hash; review",
		Details: map[string]string{
			"conversion_id": conv.ID.String(),
			"deposit_id":    dep.DepositID,
			"amount":        dep.Amount.String(),
			"expected":      conv.UsdtExpected.String(),
		},
		OccurredAt: time.Now().UTC(),
	}
	data, _ := json.Marshal(event)
	if err := o.bus.Publish(model.SubjectAlerts, data); err != nil {
		slog.Error("sell: failed to publish heuristic alert", "conversion_id", conv.ID, "error", err)
	}
}

func (o *SellOrchestrator) publishUpdate(conv *model.Conversion) {
	event := model.ConversionEvent{
		ConversionID: conv.ID,
		CustomerID:   conv.CustomerID,
		Side:         conv.Side,
		Status:       conv.Status,
		OccurredAt:   time.Now().UTC(),
	}
	data, _ := json.Marshal(event)
	if err := o.bus.Publish(model.SubjectConversions, data); err != nil {
		slog.Error("sell: failed to publish conversion event", "conversion_id", conv.ID, "error", err)
	}
}
