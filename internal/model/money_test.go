package model

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestRoundBRL_BankersRounding(t *testing.T) {
	assert.True(t, d("2.34").Equal(RoundBRL(d("2.345"))))
	assert.True(t, d("2.36").Equal(RoundBRL(d("2.355"))))
	assert.True(t, d("10.00").Equal(RoundBRL(d("10"))))
}

func TestRoundUSDT(t *testing.T) {
	assert.True(t, d("9.899999").Equal(RoundUSDT(d("9.8999994"))))
	assert.True(t, d("0.000001").Equal(RoundUSDT(d("0.0000012"))))
}

func TestComputeSpread_BaseRate(t *testing.T) {
	s := ComputeSpread(d("50.00"), d("0.01"), d("1"), d("0.002"), false)

	assert.True(t, d("0.01").Equal(s.EffectiveRate))
	assert.True(t, d("49.50").Equal(s.AmountToExchange), "got %s", s.AmountToExchange)
	assert.True(t, d("0.50").Equal(s.SpreadAmount), "got %s", s.SpreadAmount)
	assert.True(t, s.AffiliateCommission.IsZero())
}

func TestComputeSpread_Multiplier(t *testing.T) {
	s := ComputeSpread(d("1000.00"), d("0.01"), d("0.5"), d("0.002"), false)

	assert.True(t, d("0.005").Equal(s.EffectiveRate))
	assert.True(t, d("995.00").Equal(s.AmountToExchange))
	assert.True(t, d("5.00").Equal(s.SpreadAmount))
}

func TestComputeSpread_Referred(t *testing.T) {
	s := ComputeSpread(d("1000.00"), d("0.01"), d("1"), d("0.002"), true)

	// Affiliate rate stacks on the customer rate; the commission is carved out
	// of the spread, so spread already contains it.
	assert.True(t, d("0.012").Equal(s.EffectiveRate))
	assert.True(t, d("988.00").Equal(s.AmountToExchange))
	assert.True(t, d("12.00").Equal(s.SpreadAmount))
	assert.True(t, d("2.00").Equal(s.AffiliateCommission))
}

func TestComputeSpread_ChargedPlusSpreadAddsUp(t *testing.T) {
	amount := d("123.45")
	s := ComputeSpread(amount, d("0.013"), d("1.2"), d("0.002"), true)

	assert.True(t, amount.Equal(s.AmountToExchange.Add(s.SpreadAmount)))
}

func TestAccountAvailable(t *testing.T) {
	a := &Account{Balance: d("100.00"), BlockedAmount: d("30.00")}
	assert.True(t, d("70.00").Equal(a.Available()))
}
