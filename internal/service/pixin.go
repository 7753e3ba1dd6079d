package service

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/cmtehenz/otsem-api-sub000/internal/model"
)

// PixInService credits inbound PIX transfers reported by the bank webhook.
type PixInService struct {
	ledger Ledger
}

func NewPixInService(ledger Ledger) *PixInService {
	return &PixInService{ledger: ledger}
}

// Credit applies an inbound PIX to the account owning the key. Idempotent by
// the bank's end-to-end id: re-delivered webhooks return the original entry.
func (s *PixInService) Credit(ctx context.Context, pixKey string, amount decimal.Decimal, payerInfo, endToEndID string) (*model.Transaction, error) {
	account, err := s.ledger.GetAccountByPixKey(ctx, pixKey)
	if err != nil {
		return nil, err
	}

	entry, err := s.ledger.Credit(ctx, account.ID, model.RoundBRL(amount), model.TxPixIn, "pix_in:"+endToEndID, map[string]string{
		"payer":         payerInfo,
		"end_to_end_id": endToEndID,
	})
	if err != nil {
		return nil, err
	}

	slog.Info("pix-in: credited",
		"account_id", account.ID, "amount", amount, "end_to_end_id", endToEndID)
	return entry, nil
}
