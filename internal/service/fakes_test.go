package service

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cmtehenz/otsem-api-sub000/internal/model"
	"github.com/cmtehenz/otsem-api-sub000/internal/rail"
	"github.com/cmtehenz/otsem-api-sub000/internal/repository"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// fakeLedger applies the same idempotency contract as the real repository:
// a reference that already exists replays the original entry with no effect.
type fakeLedger struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*model.Account
	byRef    map[string]*model.Transaction
	reversed map[uuid.UUID]uuid.UUID

	creditErr error
}

func newFakeLedger(accounts ...*model.Account) *fakeLedger {
	l := &fakeLedger{
		accounts: make(map[uuid.UUID]*model.Account),
		byRef:    make(map[string]*model.Transaction),
		reversed: make(map[uuid.UUID]uuid.UUID),
	}
	for _, a := range accounts {
		l.accounts[a.ID] = a
	}
	return l
}

func (l *fakeLedger) apply(accountID uuid.UUID, amount, delta decimal.Decimal, txType model.TransactionType, reference string) (*model.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.byRef[reference]; ok {
		return existing, nil
	}
	account, ok := l.accounts[accountID]
	if !ok {
		return nil, repository.ErrAccountNotFound
	}
	if delta.IsNegative() && account.Available().LessThan(delta.Neg()) {
		return nil, repository.ErrInsufficientFunds
	}

	before := account.Balance
	account.Balance = account.Balance.Add(delta)
	entry := &model.Transaction{
		ID:            uuid.New(),
		AccountID:     accountID,
		Type:          txType,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  account.Balance,
		Status:        model.TxCompleted,
		Reference:     reference,
	}
	l.byRef[reference] = entry
	return entry, nil
}

func (l *fakeLedger) Debit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, txType model.TransactionType, reference string, metadata map[string]string) (*model.Transaction, error) {
	return l.apply(accountID, amount, amount.Neg(), txType, reference)
}

func (l *fakeLedger) Credit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, txType model.TransactionType, reference string, metadata map[string]string) (*model.Transaction, error) {
	if l.creditErr != nil {
		return nil, l.creditErr
	}
	return l.apply(accountID, amount, amount, txType, reference)
}

func (l *fakeLedger) RecordNeutral(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, txType model.TransactionType, reference string, metadata map[string]string) (*model.Transaction, error) {
	return l.apply(accountID, amount, decimal.Zero, txType, reference)
}

func (l *fakeLedger) MarkReversed(ctx context.Context, txID, relatedTxID uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reversed[txID] = relatedTxID
	return nil
}

func (l *fakeLedger) GetAccount(ctx context.Context, id uuid.UUID) (*model.Account, error) {
	if a, ok := l.accounts[id]; ok {
		return a, nil
	}
	return nil, repository.ErrAccountNotFound
}

func (l *fakeLedger) GetAccountByPixKey(ctx context.Context, pixKey string) (*model.Account, error) {
	for _, a := range l.accounts {
		if a.PixKey == pixKey {
			return a, nil
		}
	}
	return nil, repository.ErrAccountNotFound
}

func (l *fakeLedger) ListTransactions(ctx context.Context, accountID uuid.UUID, limit int) ([]model.Transaction, error) {
	var out []model.Transaction
	for _, tx := range l.byRef {
		if tx.AccountID == accountID {
			out = append(out, *tx)
		}
	}
	return out, nil
}

func (l *fakeLedger) entry(reference string) *model.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.byRef[reference]
}

// fakeConvStore keeps the persisted status separately from the in-memory
// struct so the guard semantics of the real Update survive: a stale writer
// whose guardFrom no longer matches is rejected.
type fakeConvStore struct {
	mu       sync.Mutex
	statuses map[uuid.UUID]model.ConversionStatus
	convs    map[uuid.UUID]*model.Conversion
	linked   map[string]bool

	commissions int
}

func newFakeConvStore() *fakeConvStore {
	return &fakeConvStore{
		statuses: make(map[uuid.UUID]model.ConversionStatus),
		convs:    make(map[uuid.UUID]*model.Conversion),
		linked:   make(map[string]bool),
	}
}

func (s *fakeConvStore) Create(ctx context.Context, c *model.Conversion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.convs[c.ID] = &cp
	s.statuses[c.ID] = c.Status
	return nil
}

func (s *fakeConvStore) Update(ctx context.Context, c *model.Conversion, guardFrom model.ConversionStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statuses[c.ID] != guardFrom {
		return false, nil
	}
	cp := *c
	s.convs[c.ID] = &cp
	s.statuses[c.ID] = c.Status
	if c.DepositID != "" {
		s.linked[c.DepositID] = true
	}
	return true, nil
}

func (s *fakeConvStore) GetByID(ctx context.Context, id uuid.UUID) (*model.Conversion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.convs[id]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, repository.ErrConversionNotFound
}

func (s *fakeConvStore) ListActiveSells(ctx context.Context) ([]*model.Conversion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Conversion
	for _, c := range s.convs {
		if c.Side == model.SideSell && !c.Status.Terminal() {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeConvStore) ListStuck(ctx context.Context) ([]*model.Conversion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Conversion
	for _, c := range s.convs {
		if c.Stuck() {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeConvStore) DepositLinked(ctx context.Context, depositID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.linked[depositID], nil
}

func (s *fakeConvStore) RecordCommission(ctx context.Context, affiliateID, conversionID uuid.UUID, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commissions++
	return nil
}

func (s *fakeConvStore) status(id uuid.UUID) model.ConversionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[id]
}

// fakePayoutStore reserves through the ledger exactly like the real
// repository: debit and payout row are one atomic step.
type fakePayoutStore struct {
	mu       sync.Mutex
	ledger   *fakeLedger
	byID     map[uuid.UUID]*model.Payout
	statuses map[uuid.UUID]model.PayoutStatus

	updateErr error
}

func newFakePayoutStore(ledger *fakeLedger) *fakePayoutStore {
	return &fakePayoutStore{
		ledger:   ledger,
		byID:     make(map[uuid.UUID]*model.Payout),
		statuses: make(map[uuid.UUID]model.PayoutStatus),
	}
}

func (s *fakePayoutStore) CreatePending(ctx context.Context, p *model.Payout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.byID {
		if existing.RequestID == p.RequestID {
			return repository.ErrDuplicateRequest
		}
	}
	debit, err := s.ledger.Debit(ctx, p.AccountID, p.Amount, model.TxPixOut, p.DebitReference(), nil)
	if err != nil {
		return err
	}
	p.DebitTxID = debit.ID
	p.Status = model.PayoutPending
	cp := *p
	s.byID[p.ID] = &cp
	s.statuses[p.ID] = p.Status
	return nil
}

func (s *fakePayoutStore) Update(ctx context.Context, p *model.Payout, guardFrom model.PayoutStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return false, s.updateErr
	}
	if s.statuses[p.ID] != guardFrom {
		return false, nil
	}
	cp := *p
	s.byID[p.ID] = &cp
	s.statuses[p.ID] = p.Status
	return true, nil
}

func (s *fakePayoutStore) GetByID(ctx context.Context, id uuid.UUID) (*model.Payout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.byID[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, repository.ErrPayoutNotFound
}

func (s *fakePayoutStore) GetByRequestID(ctx context.Context, requestID string) (*model.Payout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.byID {
		if p.RequestID == requestID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, repository.ErrPayoutNotFound
}

func (s *fakePayoutStore) GetByEndToEndID(ctx context.Context, endToEndID string) (*model.Payout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.byID {
		if p.EndToEndID == endToEndID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, repository.ErrPayoutNotFound
}

type fakeCustomers struct {
	profiles map[uuid.UUID]*model.CustomerProfile
}

func (c *fakeCustomers) GetProfile(ctx context.Context, customerID uuid.UUID) (*model.CustomerProfile, error) {
	if p, ok := c.profiles[customerID]; ok {
		return p, nil
	}
	return nil, repository.ErrCustomerNotFound
}

type fakeWallets struct {
	byID  map[uuid.UUID]*model.Wallet
	main  map[string]*model.Wallet // by network
	cache map[string]decimal.Decimal
}

func (w *fakeWallets) GetByID(ctx context.Context, id uuid.UUID) (*model.Wallet, error) {
	if wallet, ok := w.byID[id]; ok {
		return wallet, nil
	}
	return nil, repository.ErrWalletNotFound
}

func (w *fakeWallets) MainForNetwork(ctx context.Context, customerID uuid.UUID, network string) (*model.Wallet, error) {
	if wallet, ok := w.main[network]; ok {
		return wallet, nil
	}
	return nil, repository.ErrWalletNotFound
}

func (w *fakeWallets) CachedBalance(ctx context.Context, network, address string) (decimal.Decimal, bool, error) {
	if b, ok := w.cache[network+":"+address]; ok {
		return b, true, nil
	}
	return decimal.Zero, false, nil
}

func (w *fakeWallets) CacheBalance(ctx context.Context, walletID uuid.UUID, network, address string, balance decimal.Decimal) error {
	if w.cache == nil {
		w.cache = make(map[string]decimal.Decimal)
	}
	w.cache[network+":"+address] = balance
	return nil
}

type fakeBank struct {
	receipt *rail.TransferReceipt
	err     error
	calls   int
}

func (b *fakeBank) SendTransfer(ctx context.Context, amount decimal.Decimal, destinationKey string) (*rail.TransferReceipt, error) {
	b.calls++
	if b.err != nil {
		return nil, b.err
	}
	return b.receipt, nil
}

func (b *fakeBank) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

type fakeExchange struct {
	orderID  string
	fills    []rail.Fill
	deposits []rail.Deposit

	orderErr    error
	transferErr error
	withdrawErr error

	transferAmount decimal.Decimal
	withdrawAmount decimal.Decimal
	orderCalls     int
	withdrawCalls  int
}

func (e *fakeExchange) PlaceMarketOrder(ctx context.Context, pair, side string, size decimal.Decimal) (string, error) {
	e.orderCalls++
	if e.orderErr != nil {
		return "", e.orderErr
	}
	return e.orderID, nil
}

func (e *fakeExchange) GetFills(ctx context.Context, orderID string) ([]rail.Fill, error) {
	return e.fills, nil
}

func (e *fakeExchange) TransferFunds(ctx context.Context, currency string, amount decimal.Decimal, from, to string) error {
	if e.transferErr != nil {
		return e.transferErr
	}
	e.transferAmount = amount
	return nil
}

func (e *fakeExchange) Withdraw(ctx context.Context, currency string, amount decimal.Decimal, address, chain string, fee decimal.Decimal) (string, error) {
	e.withdrawCalls++
	if e.withdrawErr != nil {
		return "", e.withdrawErr
	}
	e.withdrawAmount = amount
	return "wd-1", nil
}

func (e *fakeExchange) GetDepositHistory(ctx context.Context, currency string) ([]rail.Deposit, error) {
	return e.deposits, nil
}

type fakeChain struct {
	txHash      string
	transferErr error
	calls       int
}

func (c *fakeChain) GetBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (c *fakeChain) Transfer(ctx context.Context, fromKey, toAddress string, amount decimal.Decimal) (string, error) {
	c.calls++
	if c.transferErr != nil {
		return "", c.transferErr
	}
	return c.txHash, nil
}

func (c *fakeChain) IsValidAddress(address string) bool {
	return true
}

type fakeBus struct {
	mu     sync.Mutex
	topics []string
}

func (b *fakeBus) Publish(topic string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics = append(b.topics, topic)
	return nil
}

func (b *fakeBus) count(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, t := range b.topics {
		if t == topic {
			n++
		}
	}
	return n
}

var errRailDown = errors.New("rail unavailable")
