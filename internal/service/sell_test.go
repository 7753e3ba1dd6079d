package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmtehenz/otsem-api-sub000/internal/model"
	"github.com/cmtehenz/otsem-api-sub000/internal/rail"
)

type sellFixture struct {
	orch     *SellOrchestrator
	ledger   *fakeLedger
	convs    *fakeConvStore
	exchange *fakeExchange
	chain    *fakeChain
	bus      *fakeBus

	customerID uuid.UUID
	accountID  uuid.UUID
	walletID   uuid.UUID
}

func newSellFixture(t *testing.T) *sellFixture {
	t.Helper()
	customerID, accountID, walletID := uuid.New(), uuid.New(), uuid.New()

	ledger := newFakeLedger(&model.Account{ID: accountID, CustomerID: customerID, Balance: d("0")})
	convs := newFakeConvStore()
	customers := &fakeCustomers{profiles: map[uuid.UUID]*model.CustomerProfile{
		customerID: {CustomerID: customerID, SpreadMultiplier: d("1")},
	}}
	wallets := &fakeWallets{byID: map[uuid.UUID]*model.Wallet{
		walletID: {
			ID: walletID, CustomerID: customerID, Network: model.NetworkTron,
			Address: "TCustomerAddr1111111111111111111111", PrivateKey: "key-material",
		},
	}}
	exchange := &fakeExchange{orderID: "ord-sell-1"}
	chain := &fakeChain{txHash: "0xfeed"}
	bus := &fakeBus{}

	chains := map[string]rail.ChainClient{model.NetworkTron: chain}
	return &sellFixture{
		orch:       NewSellOrchestrator(testConfig(), ledger, convs, customers, wallets, exchange, chains, bus),
		ledger:     ledger,
		convs:      convs,
		exchange:   exchange,
		chain:      chain,
		bus:        bus,
		customerID: customerID,
		accountID:  accountID,
		walletID:   walletID,
	}
}

func (f *sellFixture) start(t *testing.T, walletID *uuid.UUID) *model.Conversion {
	t.Helper()
	conv, err := f.orch.Start(context.Background(), SellRequest{
		CustomerID: f.customerID,
		AccountID:  f.accountID,
		Amount:     d("10"),
		Network:    model.NetworkTron,
		WalletID:   walletID,
	})
	require.NoError(t, err)
	return conv
}

func TestSellStart_SelfCustody(t *testing.T) {
	f := newSellFixture(t)

	conv := f.start(t, nil)

	assert.Equal(t, model.ConversionPending, conv.Status)
	assert.True(t, d("10").Equal(conv.UsdtExpected))
	assert.Empty(t, conv.TxHash, "no on-chain move for self-custody")
	assert.Equal(t, 0, f.chain.calls)
}

func TestSellStart_CustodialSendsOnChain(t *testing.T) {
	f := newSellFixture(t)

	conv := f.start(t, &f.walletID)

	assert.Equal(t, 1, f.chain.calls)
	assert.Equal(t, "0xfeed", conv.TxHash, "tx hash recorded for exact deposit matching")
}

func TestSellStart_UnsupportedNetwork(t *testing.T) {
	f := newSellFixture(t)

	_, err := f.orch.Start(context.Background(), SellRequest{
		CustomerID: f.customerID, AccountID: f.accountID,
		Amount: d("10"), Network: "DOGECHAIN",
	})
	assert.ErrorIs(t, err, ErrUnsupportedNetwork)
}

func TestSellAdvance_FullFlow(t *testing.T) {
	f := newSellFixture(t)
	conv := f.start(t, &f.walletID)

	f.exchange.deposits = []rail.Deposit{{
		DepositID: "dep-1", Amount: d("10"), Chain: model.NetworkTron,
		TxHash: "0xfeed", State: rail.DepositStateCompleted, Timestamp: time.Now(),
	}}
	f.exchange.fills = []rail.Fill{{Size: d("10"), Price: d("4.95"), Fee: d("-0.05")}}

	// PENDING -> USDT_RECEIVED
	require.NoError(t, f.orch.Advance(context.Background(), conv))
	assert.Equal(t, model.ConversionUsdtReceived, conv.Status)
	assert.Equal(t, "dep-1", conv.DepositID)
	assert.True(t, d("10").Equal(conv.UsdtReceived))
	assert.Equal(t, 0, f.bus.count(model.SubjectAlerts), "exact match needs no review")

	// USDT_RECEIVED -> USDT_SOLD: gross 49.50, 1% spread held back.
	require.NoError(t, f.orch.Advance(context.Background(), conv))
	assert.Equal(t, model.ConversionUsdtSold, conv.Status)
	assert.True(t, d("49.50").Equal(conv.BrlFromExchange), "got %s", conv.BrlFromExchange)
	assert.True(t, d("0.50").Equal(conv.SpreadBrl), "got %s", conv.SpreadBrl)
	assert.True(t, d("0.50").Equal(conv.GrossProfit))
	assert.True(t, d("0.45").Equal(conv.NetProfit), "got %s", conv.NetProfit)

	// USDT_SOLD -> COMPLETED with the BRL credit applied.
	require.NoError(t, f.orch.Advance(context.Background(), conv))
	assert.Equal(t, model.ConversionCompleted, conv.Status)
	account, _ := f.ledger.GetAccount(context.Background(), f.accountID)
	assert.True(t, d("49.00").Equal(account.Balance), "got %s", account.Balance)
}

func TestSellAdvance_StaleCopyCannotDoubleApply(t *testing.T) {
	f := newSellFixture(t)
	conv := f.start(t, &f.walletID)

	f.exchange.deposits = []rail.Deposit{{
		DepositID: "dep-1", Amount: d("10"), Chain: model.NetworkTron,
		TxHash: "0xfeed", State: rail.DepositStateCompleted, Timestamp: time.Now(),
	}}

	// Two pollers picked up the same pending conversion.
	stale, err := f.convs.GetByID(context.Background(), conv.ID)
	require.NoError(t, err)

	require.NoError(t, f.orch.Advance(context.Background(), conv))
	assert.Equal(t, model.ConversionUsdtReceived, f.convs.status(conv.ID))
	assert.Equal(t, 1, f.bus.count(model.SubjectConversions))

	// The loser's guarded update is a no-op and its in-memory status rolls
	// back, so it reports no progress.
	require.NoError(t, f.orch.Advance(context.Background(), stale))
	assert.Equal(t, model.ConversionPending, stale.Status)
	assert.Equal(t, model.ConversionUsdtReceived, f.convs.status(conv.ID))
	assert.Equal(t, 1, f.bus.count(model.SubjectConversions), "no duplicate event")
}

func TestSellAdvance_LostRacePlacesNoSecondMarketOrder(t *testing.T) {
	f := newSellFixture(t)
	conv := f.start(t, &f.walletID)

	f.exchange.deposits = []rail.Deposit{{
		DepositID: "dep-1", Amount: d("10"), Chain: model.NetworkTron,
		TxHash: "0xfeed", State: rail.DepositStateCompleted, Timestamp: time.Now(),
	}}
	f.exchange.fills = []rail.Fill{{Size: d("10"), Price: d("4.95"), Fee: d("-0.05")}}

	// Two pollers picked up the same pending conversion; the first drives it
	// all the way through.
	stale, err := f.convs.GetByID(context.Background(), conv.ID)
	require.NoError(t, err)

	for !conv.Status.Terminal() {
		before := conv.Status
		require.NoError(t, f.orch.Advance(context.Background(), conv))
		if conv.Status == before {
			break
		}
	}
	require.Equal(t, model.ConversionCompleted, conv.Status)
	require.Equal(t, 1, f.exchange.orderCalls)

	// The second poller runs the same loop on its stale copy. It loses the
	// guarded update at the first step and must stop there.
	for !stale.Status.Terminal() {
		before := stale.Status
		require.NoError(t, f.orch.Advance(context.Background(), stale))
		if stale.Status == before {
			break
		}
	}

	assert.Equal(t, model.ConversionPending, stale.Status)
	assert.Equal(t, 1, f.exchange.orderCalls, "exactly one market sell for one deposit")
	account, _ := f.ledger.GetAccount(context.Background(), f.accountID)
	assert.True(t, d("49.00").Equal(account.Balance), "credit applied exactly once, got %s", account.Balance)
}

func TestSellAdvance_HeuristicMatchIsFlagged(t *testing.T) {
	f := newSellFixture(t)
	conv := f.start(t, nil) // self-custody: no tx hash to match on

	f.exchange.deposits = []rail.Deposit{{
		DepositID: "dep-h", Amount: d("10.005"), Chain: model.NetworkTron,
		TxHash: "0xother", State: rail.DepositStateCompleted, Timestamp: time.Now(),
	}}

	require.NoError(t, f.orch.Advance(context.Background(), conv))

	assert.Equal(t, model.ConversionUsdtReceived, conv.Status)
	assert.Equal(t, "dep-h", conv.DepositID)
	assert.Equal(t, "0xother", conv.TxHash)
	assert.Equal(t, 1, f.bus.count(model.SubjectAlerts), "heuristic match goes to review")
}

func TestSellAdvance_HeuristicNeverStealsClaimedDeposit(t *testing.T) {
	f := newSellFixture(t)
	conv := f.start(t, nil)
	f.convs.linked["dep-h"] = true

	f.exchange.deposits = []rail.Deposit{{
		DepositID: "dep-h", Amount: d("10"), Chain: model.NetworkTron,
		TxHash: "0xother", State: rail.DepositStateCompleted, Timestamp: time.Now(),
	}}

	require.NoError(t, f.orch.Advance(context.Background(), conv))
	assert.Equal(t, model.ConversionPending, conv.Status, "claimed deposit is skipped")
}

func TestSellAdvance_CreditIsIdempotentByReference(t *testing.T) {
	f := newSellFixture(t)
	conv := f.start(t, &f.walletID)
	conv.Status = model.ConversionUsdtSold
	conv.BrlFromExchange = d("49.50")
	conv.SpreadBrl = d("0.50")
	_, err := f.convs.Update(context.Background(), conv, model.ConversionPending)
	require.NoError(t, err)

	// A previous pass crashed after the credit but before the status update.
	_, err = f.ledger.Credit(context.Background(), f.accountID, d("49.00"),
		model.TxConversion, "conversion:"+conv.ID.String(), nil)
	require.NoError(t, err)

	require.NoError(t, f.orch.Advance(context.Background(), conv))

	assert.Equal(t, model.ConversionCompleted, conv.Status)
	account, _ := f.ledger.GetAccount(context.Background(), f.accountID)
	assert.True(t, d("49.00").Equal(account.Balance), "credit applied exactly once, got %s", account.Balance)
}

func TestSellAdvance_NoDepositKeepsWaiting(t *testing.T) {
	f := newSellFixture(t)
	conv := f.start(t, &f.walletID)

	require.NoError(t, f.orch.Advance(context.Background(), conv))
	assert.Equal(t, model.ConversionPending, conv.Status)
}

func TestMatchWindowAndTolerance(t *testing.T) {
	conv := model.NewConversion(uuid.New(), uuid.New(), model.SideSell, model.NetworkTron)
	conv.UsdtExpected = d("10")

	base := rail.Deposit{
		DepositID: "dep-1", Amount: d("10"), Chain: model.NetworkTron,
		State: rail.DepositStateCompleted, Timestamp: conv.CreatedAt.Add(time.Minute),
	}

	match, exact := MatchDeposit(conv, []rail.Deposit{base})
	require.NotNil(t, match)
	assert.False(t, exact)

	tooEarly := base
	tooEarly.Timestamp = conv.CreatedAt.Add(-10 * time.Minute)
	match, _ = MatchDeposit(conv, []rail.Deposit{tooEarly})
	assert.Nil(t, match)

	tooLate := base
	tooLate.Timestamp = conv.CreatedAt.Add(2 * time.Hour)
	match, _ = MatchDeposit(conv, []rail.Deposit{tooLate})
	assert.Nil(t, match)

	offAmount := base
	offAmount.Amount = d("10.02")
	match, _ = MatchDeposit(conv, []rail.Deposit{offAmount})
	assert.Nil(t, match)

	wrongChain := base
	wrongChain.Chain = model.NetworkPolygon
	match, _ = MatchDeposit(conv, []rail.Deposit{wrongChain})
	assert.Nil(t, match)

	pending := base
	pending.State = "pending"
	match, _ = MatchDeposit(conv, []rail.Deposit{pending})
	assert.Nil(t, match)
}

func TestMatchDeposit_HashBeatsHeuristic(t *testing.T) {
	conv := model.NewConversion(uuid.New(), uuid.New(), model.SideSell, model.NetworkTron)
	conv.UsdtExpected = d("10")
	conv.TxHash = "0xfeed"

	deposits := []rail.Deposit{
		// Heuristically plausible but wrong hash.
		{DepositID: "dep-a", Amount: d("10"), Chain: model.NetworkTron,
			TxHash: "0xother", State: rail.DepositStateCompleted, Timestamp: conv.CreatedAt},
		// Right hash, outside the heuristic window entirely.
		{DepositID: "dep-b", Amount: d("9.1"), Chain: model.NetworkTron,
			TxHash: "0xfeed", State: rail.DepositStateCompleted, Timestamp: conv.CreatedAt.Add(3 * time.Hour)},
	}

	match, exact := MatchDeposit(conv, deposits)
	require.NotNil(t, match)
	assert.True(t, exact)
	assert.Equal(t, "dep-b", match.DepositID)
}
