package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ConversionSide string

const (
	SideBuy  ConversionSide = "BUY"
	SideSell ConversionSide = "SELL"
)

type ConversionStatus string

const (
	ConversionPending      ConversionStatus = "PENDING"
	ConversionUsdtReceived ConversionStatus = "USDT_RECEIVED"
	ConversionUsdtSold     ConversionStatus = "USDT_SOLD"
	ConversionCompleted    ConversionStatus = "COMPLETED"
	ConversionFailed       ConversionStatus = "FAILED"
)

// conversionTransitions is the exhaustive transition table. COMPLETED and
// FAILED are terminal; anything not listed is rejected.
var conversionTransitions = map[ConversionStatus][]ConversionStatus{
	ConversionPending:      {ConversionUsdtReceived, ConversionCompleted, ConversionFailed},
	ConversionUsdtReceived: {ConversionUsdtSold, ConversionFailed},
	ConversionUsdtSold:     {ConversionCompleted, ConversionFailed},
	ConversionCompleted:    {},
	ConversionFailed:       {},
}

func (s ConversionStatus) CanTransitionTo(next ConversionStatus) bool {
	for _, allowed := range conversionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s ConversionStatus) Terminal() bool {
	return len(conversionTransitions[s]) == 0
}

// Buy-flow stage markers. When a buy fails after the bank transfer was
// accepted, Stage records how far it got so an operator can recover it.
const (
	StageBankTransfer  = "bank_transfer"
	StageMarketOrder   = "market_order"
	StageWalletResolve = "wallet_resolve"
	StageFundsTransfer = "funds_transfer"
	StageWithdrawal    = "withdrawal"
	StageLedger        = "ledger"
)

// Conversion is one buy or sell operation across the three rails. Amounts are
// captured at every stage so the profit breakdown is auditable after the fact.
type Conversion struct {
	ID         uuid.UUID        `json:"id"`
	CustomerID uuid.UUID        `json:"customer_id"`
	AccountID  uuid.UUID        `json:"account_id"`
	Side       ConversionSide   `json:"side"`
	Status     ConversionStatus `json:"status"`
	Stage      string           `json:"stage,omitempty"`
	Network    string           `json:"network"`

	BrlCharged      decimal.Decimal `json:"brl_charged"`
	BrlExchanged    decimal.Decimal `json:"brl_exchanged"`
	UsdtPurchased   decimal.Decimal `json:"usdt_purchased"`
	UsdtWithdrawn   decimal.Decimal `json:"usdt_withdrawn"`
	UsdtExpected    decimal.Decimal `json:"usdt_expected"`
	UsdtReceived    decimal.Decimal `json:"usdt_received"`
	BrlFromExchange decimal.Decimal `json:"brl_from_exchange"`

	SpreadBrl           decimal.Decimal `json:"spread_brl"`
	TradingFee          decimal.Decimal `json:"trading_fee"`
	WithdrawFee         decimal.Decimal `json:"withdraw_fee"`
	AffiliateCommission decimal.Decimal `json:"affiliate_commission"`
	GrossProfit         decimal.Decimal `json:"gross_profit"`
	NetProfit           decimal.Decimal `json:"net_profit"`

	EndToEndID   string `json:"end_to_end_id,omitempty"`
	OrderID      string `json:"order_id,omitempty"`
	WithdrawalID string `json:"withdrawal_id,omitempty"`
	DepositID    string `json:"deposit_id,omitempty"`
	TxHash       string `json:"tx_hash,omitempty"`

	FailureReason string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func NewConversion(customerID, accountID uuid.UUID, side ConversionSide, network string) *Conversion {
	now := time.Now().UTC()
	return &Conversion{
		ID:         uuid.New(),
		CustomerID: customerID,
		AccountID:  accountID,
		Side:       side,
		Status:     ConversionPending,
		Network:    network,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Transition moves the conversion to the next status, rejecting anything the
// transition table does not allow. Callers must persist after a successful call.
func (c *Conversion) Transition(next ConversionStatus) error {
	if !c.Status.CanTransitionTo(next) {
		return fmt.Errorf("invalid conversion transition %s -> %s (id=%s)", c.Status, next, c.ID)
	}
	c.Status = next
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// Fail marks the conversion failed from any non-terminal status, recording the
// stage that broke and why.
func (c *Conversion) Fail(stage, reason string) error {
	if err := c.Transition(ConversionFailed); err != nil {
		return err
	}
	c.Stage = stage
	c.FailureReason = reason
	return nil
}

// Stuck reports whether this conversion needs operator attention: the bank
// transfer was accepted but the flow failed downstream, so BRL has already
// left the customer and cannot be auto-reversed.
func (c *Conversion) Stuck() bool {
	return c.Side == SideBuy && c.Status == ConversionFailed &&
		c.EndToEndID != "" && c.Stage != StageBankTransfer
}
