package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fleetdock/fleetdock/internal/billing"
	"github.com/fleetdock/fleetdock/internal/domain"
	"github.com/fleetdock/fleetdock/internal/repository"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stripe/stripe-go/v79"
)

// memStore is an in-memory stand-in for the database shared by the fake
// repositories. rowMu reproduces the per-account FOR UPDATE serialization:
// a transaction that called GetForUpdate holds it until commit or
// rollback, so concurrent mutations observe each other's results.
type memStore struct {
	rowMu sync.Mutex
	mapMu sync.Mutex

	accounts map[uuid.UUID]*domain.BillingAccount
	txns     []domain.CreditTransaction
	invoices []domain.BillingInvoice
	events   map[string]time.Time

	drivers       map[uuid.UUID]int64
	docsPerDriver map[uuid.UUID]int64
}

func newMemStore() *memStore {
	return &memStore{
		accounts:      make(map[uuid.UUID]*domain.BillingAccount),
		events:        make(map[string]time.Time),
		drivers:       make(map[uuid.UUID]int64),
		docsPerDriver: make(map[uuid.UUID]int64),
	}
}

func (s *memStore) getAccount(id uuid.UUID) (*domain.BillingAccount, bool) {
	s.mapMu.Lock()
	defer s.mapMu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, false
	}
	cp := *a
	if a.Pending != nil {
		p := *a.Pending
		cp.Pending = &p
	}
	return &cp, true
}

func (s *memStore) putAccount(a *domain.BillingAccount) {
	s.mapMu.Lock()
	defer s.mapMu.Unlock()
	cp := *a
	if a.Pending != nil {
		p := *a.Pending
		cp.Pending = &p
	}
	s.accounts[a.TenantID] = &cp
}

// fakeDB satisfies repository.DB. Direct query methods are unused by the
// fakes; only Begin matters.
type fakeDB struct{ store *memStore }

func (d *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (d *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, pgx.ErrNoRows
}
func (d *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row { return nil }
func (d *fakeDB) Begin(ctx context.Context) (pgx.Tx, error) {
	return &fakeTx{store: d.store}, nil
}

// fakeTx implements just enough of pgx.Tx for withTx: commit and rollback
// release the row lock taken by GetForUpdate.
type fakeTx struct {
	store  *memStore
	locked bool
	done   bool
}

func (t *fakeTx) acquireRowLock() {
	if !t.locked {
		t.store.rowMu.Lock()
		t.locked = true
	}
}

func (t *fakeTx) release() {
	if t.locked {
		t.locked = false
		t.store.rowMu.Unlock()
	}
}

func (t *fakeTx) Commit(ctx context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.release()
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.release()
	return nil
}

func (t *fakeTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }
func (t *fakeTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *fakeTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (t *fakeTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (t *fakeTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (t *fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, pgx.ErrNoRows
}
func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row { return nil }
func (t *fakeTx) Conn() *pgx.Conn                                               { return nil }

// fakeAccounts implements repository.AccountRepository over the memStore.
type fakeAccounts struct{ store *memStore }

func (f *fakeAccounts) Create(ctx context.Context, q repository.DBTX, a *domain.BillingAccount) error {
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	f.store.putAccount(a)
	return nil
}

func (f *fakeAccounts) GetByTenant(ctx context.Context, tenantID uuid.UUID) (*domain.BillingAccount, error) {
	a, ok := f.store.getAccount(tenantID)
	if !ok {
		return nil, repository.ErrNotFound
	}
	return a, nil
}

func (f *fakeAccounts) GetByStripeCustomer(ctx context.Context, customerID string) (*domain.BillingAccount, error) {
	f.store.mapMu.Lock()
	defer f.store.mapMu.Unlock()
	for _, a := range f.store.accounts {
		if a.StripeCustomerID == customerID && a.ArchivedAt == nil {
			cp := *a
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeAccounts) GetForUpdate(ctx context.Context, q repository.DBTX, tenantID uuid.UUID) (*domain.BillingAccount, error) {
	if tx, ok := q.(*fakeTx); ok {
		tx.acquireRowLock()
	}
	a, ok := f.store.getAccount(tenantID)
	if !ok {
		return nil, repository.ErrNotFound
	}
	return a, nil
}

func (f *fakeAccounts) UpdateBalance(ctx context.Context, q repository.DBTX, tenantID uuid.UUID, balance, cycleUsed int64) error {
	a, ok := f.store.getAccount(tenantID)
	if !ok {
		return repository.ErrNotFound
	}
	a.CreditBalance = balance
	a.CycleCreditsUsed = cycleUsed
	f.store.putAccount(a)
	return nil
}

func (f *fakeAccounts) UpdatePlan(ctx context.Context, q repository.DBTX, a *domain.BillingAccount) error {
	stored, ok := f.store.getAccount(a.TenantID)
	if !ok {
		return repository.ErrNotFound
	}
	stored.Plan = a.Plan
	stored.Status = a.Status
	stored.UnlimitedCredits = a.UnlimitedCredits
	stored.StripeCustomerID = a.StripeCustomerID
	stored.StripeSubscriptionID = a.StripeSubscriptionID
	stored.NextBillingDate = a.NextBillingDate
	stored.PlanStartedAt = a.PlanStartedAt
	stored.Pending = nil
	f.store.putAccount(stored)
	return nil
}

func (f *fakeAccounts) SetStatus(ctx context.Context, q repository.DBTX, tenantID uuid.UUID, status domain.SubscriptionStatus, nextBilling *time.Time) error {
	a, ok := f.store.getAccount(tenantID)
	if !ok {
		return repository.ErrNotFound
	}
	a.Status = status
	if nextBilling != nil {
		a.NextBillingDate = nextBilling
	}
	f.store.putAccount(a)
	return nil
}

func (f *fakeAccounts) SetStripeCustomer(ctx context.Context, tenantID uuid.UUID, customerID string) error {
	a, ok := f.store.getAccount(tenantID)
	if !ok {
		return repository.ErrNotFound
	}
	a.StripeCustomerID = customerID
	f.store.putAccount(a)
	return nil
}

func (f *fakeAccounts) SetPendingChange(ctx context.Context, q repository.DBTX, tenantID uuid.UUID, p *domain.PendingPlanChange) error {
	a, ok := f.store.getAccount(tenantID)
	if !ok {
		return repository.ErrNotFound
	}
	a.Pending = p
	f.store.putAccount(a)
	return nil
}

func (f *fakeAccounts) ClearPendingChange(ctx context.Context, q repository.DBTX, tenantID uuid.UUID) error {
	a, ok := f.store.getAccount(tenantID)
	if !ok {
		return repository.ErrNotFound
	}
	a.Pending = nil
	f.store.putAccount(a)
	return nil
}

func (f *fakeAccounts) ListDuePendingChanges(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	f.store.mapMu.Lock()
	defer f.store.mapMu.Unlock()
	var due []uuid.UUID
	for id, a := range f.store.accounts {
		if a.Pending != nil && !a.Pending.EffectiveAt.After(now) {
			due = append(due, id)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].String() < due[j].String() })
	return due, nil
}

func (f *fakeAccounts) Archive(ctx context.Context, tenantID uuid.UUID) error {
	a, ok := f.store.getAccount(tenantID)
	if !ok {
		return repository.ErrNotFound
	}
	now := time.Now().UTC()
	a.ArchivedAt = &now
	f.store.putAccount(a)
	return nil
}

// fakeLedger implements repository.LedgerRepository over the memStore.
type fakeLedger struct{ store *memStore }

func (f *fakeLedger) Insert(ctx context.Context, q repository.DBTX, t *domain.CreditTransaction) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	f.store.mapMu.Lock()
	defer f.store.mapMu.Unlock()
	f.store.txns = append(f.store.txns, *t)
	return nil
}

func (f *fakeLedger) ListByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]domain.CreditTransaction, error) {
	f.store.mapMu.Lock()
	defer f.store.mapMu.Unlock()
	var out []domain.CreditTransaction
	for i := len(f.store.txns) - 1; i >= 0; i-- {
		if f.store.txns[i].TenantID == tenantID {
			out = append(out, f.store.txns[i])
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeLedger) SumAmounts(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	f.store.mapMu.Lock()
	defer f.store.mapMu.Unlock()
	var sum int64
	for _, t := range f.store.txns {
		if t.TenantID == tenantID {
			sum += t.Amount
		}
	}
	return sum, nil
}

// fakeUsage implements repository.UsageRepository with fixed counts.
type fakeUsage struct{ store *memStore }

func (f *fakeUsage) CountDrivers(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	f.store.mapMu.Lock()
	defer f.store.mapMu.Unlock()
	return f.store.drivers[tenantID], nil
}

func (f *fakeUsage) MaxDocumentsPerDriver(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	f.store.mapMu.Lock()
	defer f.store.mapMu.Unlock()
	return f.store.docsPerDriver[tenantID], nil
}

// fakeJournal implements repository.EventJournal over the memStore.
type fakeJournal struct{ store *memStore }

func (f *fakeJournal) AlreadyProcessed(ctx context.Context, eventID string) (bool, error) {
	f.store.mapMu.Lock()
	defer f.store.mapMu.Unlock()
	_, ok := f.store.events[eventID]
	return ok, nil
}

func (f *fakeJournal) MarkProcessed(ctx context.Context, q repository.DBTX, eventID, eventType string) error {
	f.store.mapMu.Lock()
	defer f.store.mapMu.Unlock()
	if _, ok := f.store.events[eventID]; !ok {
		f.store.events[eventID] = time.Now().UTC()
	}
	return nil
}

func (f *fakeJournal) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	f.store.mapMu.Lock()
	defer f.store.mapMu.Unlock()
	var pruned int64
	for id, at := range f.store.events {
		if at.Before(cutoff) {
			delete(f.store.events, id)
			pruned++
		}
	}
	return pruned, nil
}

// fakeInvoices implements repository.InvoiceRepository over the memStore.
type fakeInvoices struct {
	store *memStore
	seq   int
}

func (f *fakeInvoices) Insert(ctx context.Context, q repository.DBTX, inv *domain.BillingInvoice) error {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	inv.CreatedAt = time.Now().UTC()
	f.store.mapMu.Lock()
	defer f.store.mapMu.Unlock()
	f.store.invoices = append(f.store.invoices, *inv)
	return nil
}

func (f *fakeInvoices) ListByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]domain.BillingInvoice, error) {
	f.store.mapMu.Lock()
	defer f.store.mapMu.Unlock()
	var out []domain.BillingInvoice
	for i := len(f.store.invoices) - 1; i >= 0; i-- {
		if f.store.invoices[i].TenantID == tenantID {
			out = append(out, f.store.invoices[i])
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeInvoices) NextNumber(ctx context.Context) (string, error) {
	f.store.mapMu.Lock()
	defer f.store.mapMu.Unlock()
	f.seq++
	return time.Now().UTC().Format("FD-2006-") + uuid.NewString()[:8], nil
}

// testLogger discards output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// billingFixture wires a full in-memory service stack.
type billingFixture struct {
	store    *memStore
	db       *fakeDB
	accounts *fakeAccounts
	ledger   *fakeLedger
	usage    *fakeUsage
	journal  *fakeJournal
	invoices *fakeInvoices

	ledgerSvc LedgerService
	planSvc   PlanService
}

func newBillingFixture() *billingFixture {
	store := newMemStore()
	f := &billingFixture{
		store:    store,
		db:       &fakeDB{store: store},
		accounts: &fakeAccounts{store: store},
		ledger:   &fakeLedger{store: store},
		usage:    &fakeUsage{store: store},
		journal:  &fakeJournal{store: store},
		invoices: &fakeInvoices{store: store},
	}
	logger := testLogger()
	f.ledgerSvc = NewLedgerService(f.db, f.accounts, f.ledger, logger)
	f.planSvc = NewPlanService(f.db, f.accounts, f.ledger, f.usage, logger)
	return f
}

// fakeBilling implements billing.Service without network calls.
type fakeBilling struct {
	mu sync.Mutex

	failures int // remaining calls to fail before succeeding

	customersCreated      int
	subscriptionCheckouts []billing.SubscriptionCheckoutParams
	creditCheckouts       []billing.CreditCheckoutParams
	canceled              []string
	reactivated           []string
	priceToTier           map[string]domain.PlanTier
}

var errProcessorDown = errors.New("processor unreachable")

func (f *fakeBilling) failNext() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errProcessorDown
	}
	return nil
}

func (f *fakeBilling) CreateCustomer(ctx context.Context, tenantID, name string) (string, error) {
	if err := f.failNext(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.customersCreated++
	return fmt.Sprintf("cus_%d", f.customersCreated), nil
}

func (f *fakeBilling) CreateSubscriptionCheckout(ctx context.Context, p billing.SubscriptionCheckoutParams) (string, error) {
	if err := f.failNext(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriptionCheckouts = append(f.subscriptionCheckouts, p)
	return "https://checkout.example/session", nil
}

func (f *fakeBilling) CreateCreditCheckout(ctx context.Context, p billing.CreditCheckoutParams) (string, error) {
	if err := f.failNext(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creditCheckouts = append(f.creditCheckouts, p)
	return "https://checkout.example/credit-session", nil
}

func (f *fakeBilling) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	if err := f.failNext(); err != nil {
		return "", err
	}
	return "https://portal.example/session", nil
}

func (f *fakeBilling) GetSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	return &stripe.Subscription{ID: subscriptionID}, nil
}

func (f *fakeBilling) CancelSubscription(ctx context.Context, subscriptionID string) error {
	if err := f.failNext(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, subscriptionID)
	return nil
}

func (f *fakeBilling) ReactivateSubscription(ctx context.Context, subscriptionID string) error {
	if err := f.failNext(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactivated = append(f.reactivated, subscriptionID)
	return nil
}

func (f *fakeBilling) VerifyWebhookSignature(payload []byte, signature string) (stripe.Event, error) {
	return stripe.Event{}, errors.New("not implemented")
}

func (f *fakeBilling) TierForPriceID(priceID string) domain.PlanTier {
	return f.priceToTier[priceID]
}

func (f *fakeBilling) PriceIDForPlan(tier domain.PlanTier, cycle billing.BillingCycle) (string, error) {
	for id, t := range f.priceToTier {
		if t == tier {
			return id, nil
		}
	}
	return "", fmt.Errorf("no price configured for %s/%s", tier, cycle)
}
