package service

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/cmtehenz/otsem-api-sub000/internal/model"
	"github.com/cmtehenz/otsem-api-sub000/internal/rail"
)

// Deposit matching tolerances. A deposit with a known tx hash matches exactly;
// otherwise the amount/time heuristic applies with these bounds.
var (
	// MatchAmountTolerance is the maximum difference between the expected and
	// deposited stablecoin amount for a heuristic match.
	MatchAmountTolerance = decimal.RequireFromString("0.01")

	// MatchWindowBefore/After bound the deposit timestamp relative to the
	// conversion's creation time. Deposits slightly before creation are
	// accepted because exchange timestamps and ours are not synchronized.
	MatchWindowBefore = 5 * time.Minute
	MatchWindowAfter  = 60 * time.Minute
)

// MatchDeposit finds the exchange deposit belonging to a pending sell
// conversion. Returns the match and whether it was exact (by tx hash).
// Heuristic matches are lower confidence and must be flagged for audit by the
// caller. Only completed deposits are considered.
func MatchDeposit(conv *model.Conversion, deposits []rail.Deposit) (*rail.Deposit, bool) {
	// Exact hash match wins regardless of amount or timing.
	if conv.TxHash != "" {
		for i := range deposits {
			if deposits[i].State == rail.DepositStateCompleted && deposits[i].TxHash == conv.TxHash {
				return &deposits[i], true
			}
		}
		return nil, false
	}

	earliest := conv.CreatedAt.Add(-MatchWindowBefore)
	latest := conv.CreatedAt.Add(MatchWindowAfter)

	for i := range deposits {
		d := &deposits[i]
		if d.State != rail.DepositStateCompleted {
			continue
		}
		if d.Chain != conv.Network {
			continue
		}
		if d.Timestamp.Before(earliest) || d.Timestamp.After(latest) {
			continue
		}
		if d.Amount.Sub(conv.UsdtExpected).Abs().GreaterThan(MatchAmountTolerance) {
			continue
		}
		return d, false
	}
	return nil, false
}
