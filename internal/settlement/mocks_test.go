package settlement

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/alipayeth/backend/internal/gateway"
	"github.com/alipayeth/backend/internal/ledger"
	"github.com/alipayeth/backend/internal/models"
	"github.com/alipayeth/backend/internal/repository"
)

// ---------------------------------------------------------------------------
// memDB is an in-memory database with serialized transactions. BeginTx takes
// the lock and snapshots state; Rollback restores the snapshot. Calls made
// without a tx take the lock for their own duration.
// ---------------------------------------------------------------------------

type memState struct {
	intents  map[uuid.UUID]models.PaymentIntent
	accounts map[int64]models.LedgerAccount
	records  map[uuid.UUID]models.SettlementRecord
	notes    []Notification
}

func (s memState) clone() memState {
	c := memState{
		intents:  make(map[uuid.UUID]models.PaymentIntent, len(s.intents)),
		accounts: make(map[int64]models.LedgerAccount, len(s.accounts)),
		records:  make(map[uuid.UUID]models.SettlementRecord, len(s.records)),
		notes:    append([]Notification(nil), s.notes...),
	}
	for k, v := range s.intents {
		c.intents[k] = v
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.records {
		c.records[k] = v
	}
	return c
}

type memDB struct {
	mu    sync.Mutex
	state memState

	// failLedger makes the next ledger write fail, once unless
	// failLedgerAlways is set.
	failLedger       error
	failLedgerAlways bool
	notifyErr        error
}

func newMemDB() *memDB {
	return &memDB{state: memState{
		intents:  map[uuid.UUID]models.PaymentIntent{},
		accounts: map[int64]models.LedgerAccount{},
		records:  map[uuid.UUID]models.SettlementRecord{},
	}}
}

type fakeTx struct {
	pgx.Tx
	db       *memDB
	snapshot memState
	done     bool
}

func (m *memDB) BeginTx(_ context.Context, _ pgx.TxOptions) (pgx.Tx, error) {
	m.mu.Lock()
	return &fakeTx{db: m, snapshot: m.state.clone()}, nil
}

func (t *fakeTx) Commit(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.db.mu.Unlock()
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.db.state = t.snapshot
	t.db.mu.Unlock()
	return nil
}

// lock takes the database lock unless tx already holds it.
func (m *memDB) lock(tx pgx.Tx) func() {
	if tx != nil {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

// --- IntentStore ---

func (m *memDB) GetByReference(_ context.Context, ref string) (*models.PaymentIntent, error) {
	defer m.lock(nil)()
	for _, p := range m.state.intents {
		if p.ExternalReference == ref {
			cp := p
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memDB) Transition(_ context.Context, tx pgx.Tx, id uuid.UUID, expectedStatus string, expectedVersion int64, newStatus string, mut models.IntentMutation) (bool, error) {
	defer m.lock(tx)()
	p, ok := m.state.intents[id]
	if !ok || p.Status != expectedStatus || p.Version != expectedVersion {
		return false, nil
	}
	if !models.CanTransition(expectedStatus, newStatus) {
		return false, errors.New("illegal transition " + expectedStatus + " -> " + newStatus)
	}
	mut.Apply(&p)
	p.Status = newStatus
	p.Version++
	m.state.intents[id] = p
	return true, nil
}

func (m *memDB) ListPollable(_ context.Context, now time.Time, sched models.PollSchedule, limit int) ([]*models.PaymentIntent, error) {
	defer m.lock(nil)()
	var out []*models.PaymentIntent
	for _, p := range m.state.intents {
		if p.Status == models.IntentStatusPendingVerification && p.Method == models.MethodGateway &&
			!p.NeedsReview && !sched.NextAttemptAt(&p).After(now) {
			cp := p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return sched.NextAttemptAt(out[i]).Before(sched.NextAttemptAt(out[j]))
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- ledger.Store (always called inside a tx) ---

func (m *memDB) GetForUpdate(_ context.Context, _ pgx.Tx, userID int64) (*models.LedgerAccount, error) {
	a, ok := m.state.accounts[userID]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	return &a, nil
}

func (m *memDB) Create(_ context.Context, _ pgx.Tx, a *models.LedgerAccount) (bool, error) {
	if err := m.takeLedgerFailure(); err != nil {
		return false, err
	}
	if _, ok := m.state.accounts[a.UserID]; ok {
		return false, nil
	}
	m.state.accounts[a.UserID] = *a
	return true, nil
}

func (m *memDB) ApplyDelta(_ context.Context, _ pgx.Tx, userID, delta int64, expiry *time.Time) (int64, error) {
	if err := m.takeLedgerFailure(); err != nil {
		return 0, err
	}
	a, ok := m.state.accounts[userID]
	if !ok {
		return 0, ledger.ErrAccountNotFound
	}
	a.BalanceMinor += delta
	if expiry != nil {
		e := *expiry
		a.SubscriptionExpiry = &e
	}
	m.state.accounts[userID] = a
	return a.BalanceMinor, nil
}

func (m *memDB) InsertSettlement(_ context.Context, _ pgx.Tx, rec *models.SettlementRecord) error {
	if _, ok := m.state.records[rec.IntentID]; ok {
		return &pgconn.PgError{Code: "23505", ConstraintName: "settlement_records_intent_id_key"}
	}
	m.state.records[rec.IntentID] = *rec
	return nil
}

func (m *memDB) takeLedgerFailure() error {
	err := m.failLedger
	if !m.failLedgerAlways {
		m.failLedger = nil
	}
	return err
}

// --- Notifier ---

func (m *memDB) Notify(_ context.Context, tx pgx.Tx, n Notification) error {
	defer m.lock(tx)()
	if m.notifyErr != nil {
		return m.notifyErr
	}
	m.state.notes = append(m.state.notes, n)
	return nil
}

// --- inspection helpers ---

func (m *memDB) putIntent(p models.PaymentIntent) {
	defer m.lock(nil)()
	m.state.intents[p.ID] = p
}

func (m *memDB) putAccount(a models.LedgerAccount) {
	defer m.lock(nil)()
	m.state.accounts[a.UserID] = a
}

func (m *memDB) intent(id uuid.UUID) models.PaymentIntent {
	defer m.lock(nil)()
	return m.state.intents[id]
}

func (m *memDB) account(userID int64) (models.LedgerAccount, bool) {
	defer m.lock(nil)()
	a, ok := m.state.accounts[userID]
	return a, ok
}

func (m *memDB) recordCount() int {
	defer m.lock(nil)()
	return len(m.state.records)
}

func (m *memDB) record(intentID uuid.UUID) (models.SettlementRecord, bool) {
	defer m.lock(nil)()
	r, ok := m.state.records[intentID]
	return r, ok
}

func (m *memDB) notifications() []Notification {
	defer m.lock(nil)()
	return append([]Notification(nil), m.state.notes...)
}

// ---------------------------------------------------------------------------
// fakeGateway answers Verify from a per-reference script.
// ---------------------------------------------------------------------------

type fakeGateway struct {
	mu      sync.Mutex
	answers map[string]gateway.Verification
	errs    map[string]error
	calls   map[string]int
	onCall  func(ref string)
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		answers: map[string]gateway.Verification{},
		errs:    map[string]error{},
		calls:   map[string]int{},
	}
}

func (g *fakeGateway) set(ref string, status gateway.VerificationStatus, amount int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.answers[ref] = gateway.Verification{Reference: ref, Status: status, AmountMinor: amount, Currency: "ETB"}
	delete(g.errs, ref)
}

func (g *fakeGateway) fail(ref string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.errs[ref] = err
}

func (g *fakeGateway) Verify(_ context.Context, ref string) (gateway.Verification, error) {
	g.mu.Lock()
	g.calls[ref]++
	hook := g.onCall
	v, ok := g.answers[ref]
	err := g.errs[ref]
	g.mu.Unlock()
	if hook != nil {
		hook(ref)
	}
	if err != nil {
		return gateway.Verification{}, err
	}
	if !ok {
		return gateway.Verification{Reference: ref, Status: gateway.StatusNotFound}, nil
	}
	return v, nil
}

func (g *fakeGateway) callCount(ref string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[ref]
}

// ---

type fakeReferrals struct {
	mu    sync.Mutex
	links map[int64]string
	err   error
}

func (f *fakeReferrals) Link(_ context.Context, userID int64, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.links == nil {
		f.links = map[int64]string{}
	}
	f.links[userID] = code
	return nil
}
