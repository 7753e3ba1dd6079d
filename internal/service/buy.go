package service

import (
	"context"
	"encoding/json"
	"errors"
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
	"github.com/cmtehenz/otsem-api-sub000/internal/repository"
)

// Fill settlement polling: market orders usually fill instantly, but the
// fills endpoint lags the order placement.
const (
	fillPollInterval = 2 * time.Second
	fillPollRetries  = 10
)

// BuyOrchestrator drives BRL -> stablecoin: bank transfer to the exchange,
// market buy, withdrawal to the customer's wallet.
type BuyOrchestrator struct {
	cfg         *config.Config
	ledger      Ledger
	conversions ConversionStore
	customers   CustomerStore
	wallets     WalletStore
	bank        rail.BankClient
	exchange    rail.ExchangeClient
	bus         MessageBus
}

func NewBuyOrchestrator(cfg *config.Config, ledger Ledger, conversions ConversionStore, customers CustomerStore, wallets WalletStore, bank rail.BankClient, exchange rail.ExchangeClient, bus MessageBus) *BuyOrchestrator {
	return &BuyOrchestrator{
		cfg:         cfg,
		ledger:      ledger,
		conversions: conversions,
		customers:   customers,
		wallets:     wallets,
		bank:        bank,
		exchange:    exchange,
		bus:         bus,
	}
}

type BuyRequest struct {
	CustomerID uuid.UUID
	AccountID  uuid.UUID
	Amount     decimal.Decimal
	Network    string
	WalletID   *uuid.UUID
}

// Execute runs the full buy flow. Validation failures return before any
// external effect. Once the bank transfer is accepted the flow never aborts
// silently: a downstream failure is persisted with its stage marker and
// alerted, because the BRL has already left via the bank rail.
func (o *BuyOrchestrator) Execute(ctx context.Context, req BuyRequest) (*model.Conversion, error) {
	started := time.Now()

	amount := model.RoundBRL(req.Amount)
	if amount.LessThan(o.cfg.MinBuyAmountBRL) {
		return nil, ErrBelowMinimum
	}

	account, err := o.ledger.GetAccount(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	if account.Available().LessThan(amount) {
		return nil, repository.ErrInsufficientFunds
	}

	profile, err := o.customers.GetProfile(ctx, req.CustomerID)
	if err != nil {
		return nil, err
	}

	// Destination wallet is a hard precondition: whitelisting happens manually
	// on the exchange side, so we never fall back to a non-whitelisted address.
	wallet, err := o.resolveWallet(ctx, req)
	if err != nil {
		return nil, err
	}

	spread := model.ComputeSpread(amount, o.cfg.BaseSpreadRate, profile.SpreadMultiplier, o.cfg.AffiliateRate, profile.Referred())

	conv := model.NewConversion(req.CustomerID, req.AccountID, model.SideBuy, wallet.Network)
	conv.BrlCharged = amount
	conv.BrlExchanged = spread.AmountToExchange
	conv.SpreadBrl = spread.SpreadAmount
	conv.AffiliateCommission = spread.AffiliateCommission
	if err := o.conversions.Create(ctx, conv); err != nil {
		return nil, err
	}

	// External call #1. Failing here has no committed effect; safe to abort.
	receipt, err := o.bank.SendTransfer(ctx, amount, o.cfg.ExchangeDepositPixKey)
	if err != nil {
		return conv, o.fail(ctx, conv, model.StageBankTransfer, err)
	}

	// Point of no return: BRL is on its way to the exchange.
	conv.EndToEndID = receipt.EndToEndID
	if _, err := o.conversions.Update(ctx, conv, model.ConversionPending); err != nil {
		slog.Error("buy: failed to persist end-to-end id", "conversion_id", conv.ID, "error", err)
	}

	orderID, err := o.exchange.PlaceMarketOrder(ctx, o.cfg.TradingPair, rail.SideBuy, spread.AmountToExchange)
	if err != nil {
		return conv, o.fail(ctx, conv, model.StageMarketOrder, err)
	}
	conv.OrderID = orderID

	// Purchased quantity comes from fills, never from the requested size:
	// slippage applies on market orders.
	purchased, tradingFee, err := o.settleFills(ctx, orderID)
	if err != nil {
		return conv, o.fail(ctx, conv, model.StageMarketOrder, err)
	}
	conv.UsdtPurchased = purchased
	conv.TradingFee = tradingFee

	withdrawFee, err := o.cfg.WithdrawFee(wallet.Network)
	if err != nil {
		return conv, o.fail(ctx, conv, model.StageWithdrawal, err)
	}
	conv.WithdrawFee = withdrawFee

	// Move purchased + network fee to funding; the platform absorbs the fee so
	// the customer receives exactly the purchased quantity.
	if err := o.exchange.TransferFunds(ctx, rail.CurrencyUSDT, purchased.Add(withdrawFee), rail.AccountTrading, rail.AccountFunding); err != nil {
		return conv, o.fail(ctx, conv, model.StageFundsTransfer, err)
	}

	withdrawalID, err := o.exchange.Withdraw(ctx, rail.CurrencyUSDT, purchased, wallet.Address, wallet.Network, withdrawFee)
	if err != nil {
		return conv, o.fail(ctx, conv, model.StageWithdrawal, err)
	}
	conv.WithdrawalID = withdrawalID
	conv.UsdtWithdrawn = purchased

	if profile.Referred() && spread.AffiliateCommission.IsPositive() {
		if err := o.conversions.RecordCommission(ctx, *profile.AffiliateID, conv.ID, spread.AffiliateCommission); err != nil {
			return conv, o.fail(ctx, conv, model.StageLedger, err)
		}
	}

	// The balance is unaffected: funds left through the bank rail, not an
	// internal debit. The entry still lands so the ledger stays the source of
	// truth for the conversion having happened.
	if _, err := o.ledger.RecordNeutral(ctx, req.AccountID, amount, model.TxConversion, conversionReference(conv.ID), map[string]string{
		"conversion_id": conv.ID.String(),
		"end_to_end_id": conv.EndToEndID,
	}); err != nil {
		return conv, o.fail(ctx, conv, model.StageLedger, err)
	}

	o.computeProfit(conv)

	if err := conv.Transition(model.ConversionCompleted); err != nil {
		return conv, o.fail(ctx, conv, model.StageLedger, err)
	}
	if _, err := o.conversions.Update(ctx, conv, model.ConversionPending); err != nil {
		return conv, err
	}

	metrics.ConversionsTotal.WithLabelValues(string(model.SideBuy), string(conv.Status)).Inc()
	metrics.BuyDuration.Observe(time.Since(started).Seconds())
	o.publishUpdate(conv)

	slog.Info("buy: conversion completed",
		"conversion_id", conv.ID,
		"brl_charged", conv.BrlCharged,
		"usdt_purchased", conv.UsdtPurchased,
		"end_to_end_id", conv.EndToEndID,
	)
	return conv, nil
}

func (o *BuyOrchestrator) resolveWallet(ctx context.Context, req BuyRequest) (*model.Wallet, error) {
	var wallet *model.Wallet
	var err error
	if req.WalletID != nil {
		wallet, err = o.wallets.GetByID(ctx, *req.WalletID)
	} else {
		wallet, err = o.wallets.MainForNetwork(ctx, req.CustomerID, req.Network)
	}
	if err != nil {
		if errors.Is(err, repository.ErrWalletNotFound) {
			return nil, ErrNoDestinationWallet
		}
		return nil, err
	}
	if !wallet.OkxWhitelisted {
		return nil, ErrWalletNotWhitelisted
	}
	return wallet, nil
}

// settleFills polls the fills endpoint until the order reports executions,
// then sums them. Returns the purchased quantity and the trading fee.
func (o *BuyOrchestrator) settleFills(ctx context.Context, orderID string) (decimal.Decimal, decimal.Decimal, error) {
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

	size, fee := decimal.Zero, decimal.Zero
	for _, f := range fills {
		size = size.Add(f.Size)
		fee = fee.Add(f.Fee.Abs())
	}
	return model.RoundUSDT(size), fee, nil
}

// computeProfit fills the audit fields. Stablecoin-denominated fees are
// converted at the effective fill price.
func (o *BuyOrchestrator) computeProfit(conv *model.Conversion) {
	conv.GrossProfit = conv.SpreadBrl
	feesBRL := decimal.Zero
	if conv.UsdtPurchased.IsPositive() {
		avgPrice := conv.BrlExchanged.Div(conv.UsdtPurchased)
		feesBRL = model.RoundBRL(conv.TradingFee.Add(conv.WithdrawFee).Mul(avgPrice))
	}
	conv.NetProfit = conv.GrossProfit.Sub(feesBRL).Sub(conv.AffiliateCommission)
}

// fail persists the failure with its stage marker. Failures past the bank
// transfer leave the conversion stuck: money moved externally with no ledger
// effect, which only an operator can resolve.
func (o *BuyOrchestrator) fail(ctx context.Context, conv *model.Conversion, stage string, cause error) error {
	if err := conv.Fail(stage, cause.Error()); err != nil {
		slog.Error("buy: failed to mark conversion failed", "conversion_id", conv.ID, "error", err)
	}
	if _, err := o.conversions.Update(ctx, conv, model.ConversionPending); err != nil {
		slog.Error("buy: failed to persist failed conversion", "conversion_id", conv.ID, "error", err)
	}

	metrics.ConversionsTotal.WithLabelValues(string(model.SideBuy), string(model.ConversionFailed)).Inc()
	o.publishUpdate(conv)

	if conv.Stuck() {
		metrics.StuckConversionsTotal.Inc()
		o.alertStuck(conv)
	}

	slog.Error("buy: conversion failed",
		"conversion_id", conv.ID, "stage", stage, "stuck", conv.Stuck(), "error", cause)
	return &StageError{Stage: stage, Err: cause}
}

func (o *BuyOrchestrator) alertStuck(conv *model.Conversion) {
	event := model.AlertEvent{
		Kind:    model.AlertStuckConversion,
		Message: "buy conversion failed after bank transfer settled; manual recovery required",
		Details: map[string]string{
			"conversion_id": conv.ID.String(),
			"stage":         conv.Stage,
			"end_to_end_id": conv.EndToEndID,
			"brl_charged":   conv.BrlCharged.String(),
		},
		OccurredAt: time.Now().UTC(),
	}
	data, _ := json.Marshal(event)
	if err := o.bus.Publish(model.SubjectAlerts, data); err != nil {
		slog.Error("buy: failed to publish stuck alert", "conversion_id", conv.ID, "error", err)
	}
}

func (o *BuyOrchestrator) publishUpdate(conv *model.Conversion) {
	event := model.ConversionEvent{
		ConversionID: conv.ID,
		CustomerID:   conv.CustomerID,
		Side:         conv.Side,
		Status:       conv.Status,
		Stage:        conv.Stage,
		OccurredAt:   time.Now().UTC(),
	}
	data, _ := json.Marshal(event)
	if err := o.bus.Publish(model.SubjectConversions, data); err != nil {
		slog.Error("buy: failed to publish conversion event", "conversion_id", conv.ID, "error", err)
	}
}

func conversionReference(id uuid.UUID) string {
	return "conversion:" + id.String()
}
