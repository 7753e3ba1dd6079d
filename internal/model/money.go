package model

import "github.com/shopspring/decimal"

// Monetary rounding rules, applied everywhere amounts are derived.
// BRL is kept at 2 decimal places, stablecoin quantities at 6.
// Bankers' rounding is the single rounding mode used in this codebase.
const (
	brlScale  = 2
	usdtScale = 6
)

func RoundBRL(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(brlScale)
}

func RoundUSDT(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(usdtScale)
}

// SpreadBreakdown is the fee split computed before a buy conversion starts.
type SpreadBreakdown struct {
	EffectiveRate       decimal.Decimal
	AmountToExchange    decimal.Decimal
	SpreadAmount        decimal.Decimal
	AffiliateCommission decimal.Decimal
}

// ComputeSpread derives the effective spread for a customer.
// The base platform rate is scaled by the per-customer multiplier; the affiliate
// rate is added on top only when the customer was referred. The affiliate
// commission is carved out of the total spread, not charged additionally.
func ComputeSpread(amount, baseRate, multiplier, affiliateRate decimal.Decimal, referred bool) SpreadBreakdown {
	rate := baseRate.Mul(multiplier)
	commission := decimal.Zero
	if referred {
		rate = rate.Add(affiliateRate)
		commission = RoundBRL(amount.Mul(affiliateRate))
	}

	toExchange := RoundBRL(amount.Mul(decimal.NewFromInt(1).Sub(rate)))
	return SpreadBreakdown{
		EffectiveRate:       rate,
		AmountToExchange:    toExchange,
		SpreadAmount:        amount.Sub(toExchange),
		AffiliateCommission: commission,
	}
}
