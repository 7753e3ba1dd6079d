package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cmtehenz/otsem-api-sub000/internal/config"
	"github.com/cmtehenz/otsem-api-sub000/internal/metrics"
	"github.com/cmtehenz/otsem-api-sub000/internal/model"
	"github.com/cmtehenz/otsem-api-sub000/internal/rail"
	"github.com/cmtehenz/otsem-api-sub000/internal/repository"
)

// Bank statuses considered final-success on the webhook. Anything else
// terminal triggers compensation.
var confirmedBankStatuses = map[string]bool{
	"CONFIRMED": true,
	"COMPLETED": true,
	"SETTLED":   true,
}

// PayoutService runs the cash-out saga: reserve, call the bank rail,
// confirm or compensate. The reservation debit and its refund are the only
// two ledger effects a payout may produce, and both are idempotent by
// deterministic references.
type PayoutService struct {
	cfg     *config.Config
	ledger  Ledger
	payouts PayoutStore
	bank    rail.BankClient
	bus     MessageBus
}

func NewPayoutService(cfg *config.Config, ledger Ledger, payouts PayoutStore, bank rail.BankClient, bus MessageBus) *PayoutService {
	return &PayoutService{cfg: cfg, ledger: ledger, payouts: payouts, bank: bank, bus: bus}
}

type PayoutRequest struct {
	AccountID uuid.UUID
	Amount    decimal.Decimal
	PixKey    string
	RequestID string
}

// Request executes the payout saga. Replaying a request_id returns the
// existing payout in whatever state it is, without re-executing anything.
func (s *PayoutService) Request(ctx context.Context, req PayoutRequest) (*model.Payout, error) {
	if existing, err := s.payouts.GetByRequestID(ctx, req.RequestID); err == nil {
		return existing, nil
	} else if !errors.Is(err, repository.ErrPayoutNotFound) {
		return nil, err
	}

	amount := model.RoundBRL(req.Amount)
	if amount.LessThan(s.cfg.MinPayoutBRL) {
		return nil, ErrBelowMinimum
	}
	if strings.TrimSpace(req.PixKey) == "" {
		return nil, errors.New("pix key is required")
	}

	p := &model.Payout{
		ID:        uuid.New(),
		AccountID: req.AccountID,
		Amount:    amount,
		PixKey:    req.PixKey,
		RequestID: req.RequestID,
	}

	// Reservation: debit + ledger entry + payout row, all-or-nothing. An
	// insufficient balance aborts here with no row created and no bank call.
	if err := s.payouts.CreatePending(ctx, p); err != nil {
		if errors.Is(err, repository.ErrDuplicateRequest) {
			return s.payouts.GetByRequestID(ctx, req.RequestID)
		}
		return nil, err
	}

	receipt, err := s.bank.SendTransfer(ctx, amount, req.PixKey)
	if err != nil {
		// Synchronous failure: compensate immediately.
		s.compensate(ctx, p, model.PayoutFailed, "bank transfer failed: "+err.Error())
		return p, nil
	}

	p.EndToEndID = receipt.EndToEndID
	next := model.PayoutProcessing
	if confirmedBankStatuses[strings.ToUpper(receipt.Status)] {
		next = model.PayoutConfirmed
	}
	if err := p.Transition(next); err != nil {
		return p, err
	}
	if _, err := s.payouts.Update(ctx, p, model.PayoutPending); err != nil {
		// The bank accepted the transfer but the end-to-end id did not
		// persist, so the settlement webhook cannot find this payout. Route
		// it to an operator instead of leaving it silently stranded.
		s.alertStranded(p, err)
		return p, err
	}

	if p.Status == model.PayoutConfirmed {
		s.publishSettled(p)
		metrics.PayoutsTotal.WithLabelValues(string(p.Status)).Inc()
	}

	slog.Info("payout: bank transfer accepted",
		"payout_id", p.ID, "request_id", p.RequestID,
		"end_to_end_id", p.EndToEndID, "status", p.Status)
	return p, nil
}

// Settle applies the asynchronous bank webhook. Delivery may repeat; a payout
// already terminal is a no-op, and the refund reference makes the
// compensation path safe to re-enter.
func (s *PayoutService) Settle(ctx context.Context, endToEndID, bankStatus string) error {
	p, err := s.payouts.GetByEndToEndID(ctx, endToEndID)
	if err != nil {
		if errors.Is(err, repository.ErrPayoutNotFound) {
			return ErrUnknownEndToEndID
		}
		return err
	}

	if p.Status.Terminal() {
		slog.Info("payout: webhook replay on terminal payout",
			"payout_id", p.ID, "status", p.Status, "bank_status", bankStatus)
		return nil
	}

	if confirmedBankStatuses[strings.ToUpper(bankStatus)] {
		from := p.Status
		if err := p.Transition(model.PayoutConfirmed); err != nil {
			return err
		}
		if _, err := s.payouts.Update(ctx, p, from); err != nil {
			return err
		}
		metrics.PayoutsTotal.WithLabelValues(string(p.Status)).Inc()
		s.publishSettled(p)
		slog.Info("payout: confirmed by webhook", "payout_id", p.ID, "end_to_end_id", endToEndID)
		return nil
	}

	// Bank reported a terminal failure after the synchronous accept.
	s.compensate(ctx, p, model.PayoutCanceled, "bank reported "+bankStatus)
	return nil
}

// compensate credits the reserved amount back, marks the reservation entry
// reversed and moves the payout to its terminal failure status. The refund
// reference is deterministic per request_id, so running this twice applies
// exactly one credit.
func (s *PayoutService) compensate(ctx context.Context, p *model.Payout, terminal model.PayoutStatus, reason string) {
	refund, err := s.ledger.Credit(ctx, p.AccountID, p.Amount, model.TxCredit, p.RefundReference(), map[string]string{
		"payout_id": p.ID.String(),
		"reason":    reason,
	})
	if err != nil {
		// The payout stays non-terminal; the next webhook delivery or an
		// operator retry will re-enter this path with the same reference.
		slog.Error("payout: compensation credit failed",
			"payout_id", p.ID, "request_id", p.RequestID, "error", err)
		return
	}

	if err := s.ledger.MarkReversed(ctx, p.DebitTxID, refund.ID); err != nil {
		slog.Error("payout: failed to mark reservation reversed",
			"payout_id", p.ID, "error", err)
	}

	from := p.Status
	p.RefundTxID = &refund.ID
	p.FailureReason = reason
	if err := p.Transition(terminal); err != nil {
		slog.Error("payout: invalid compensation transition", "payout_id", p.ID, "error", err)
		return
	}
	if _, err := s.payouts.Update(ctx, p, from); err != nil {
		slog.Error("payout: failed to persist compensation", "payout_id", p.ID, "error", err)
		return
	}

	metrics.PayoutsTotal.WithLabelValues(string(p.Status)).Inc()
	metrics.PayoutRefundsTotal.Inc()
	s.publishSettled(p)
	slog.Warn("payout: compensated",
		"payout_id", p.ID, "request_id", p.RequestID, "reason", reason)
}

func (s *PayoutService) alertStranded(p *model.Payout, cause error) {
	event := model.AlertEvent{
		Kind:    model.AlertStrandedPayout,
		Message: "bank accepted the payout but its state could not be persisted; manual reconciliation required",
		Details: map[string]string{
			"payout_id":     p.ID.String(),
			"request_id":    p.RequestID,
			"end_to_end_id": p.EndToEndID,
			"error":         cause.Error(),
		},
		OccurredAt: time.Now().UTC(),
	}
	data, _ := json.Marshal(event)
	if err := s.bus.Publish(model.SubjectAlerts, data); err != nil {
		slog.Error("payout: failed to publish stranded alert", "payout_id", p.ID, "error", err)
	}
	slog.Error("payout: stranded after bank accept",
		"payout_id", p.ID, "request_id", p.RequestID,
		"end_to_end_id", p.EndToEndID, "error", cause)
}

func (s *PayoutService) publishSettled(p *model.Payout) {
	event := model.PayoutEvent{
		PayoutID:   p.ID,
		RequestID:  p.RequestID,
		Amount:     p.Amount,
		Status:     p.Status,
		OccurredAt: time.Now().UTC(),
	}
	data, _ := json.Marshal(event)
	if err := s.bus.Publish(model.SubjectPayouts, data); err != nil {
		slog.Error("payout: failed to publish payout event", "payout_id", p.ID, "error", err)
	}
}
