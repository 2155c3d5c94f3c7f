package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alipayeth/backend/internal/models"
)

// ---------------------------------------------------------------------------
// In-memory Store
// ---------------------------------------------------------------------------

type memStore struct {
	mu       sync.Mutex
	accounts map[int64]*models.LedgerAccount
	records  []*models.SettlementRecord
}

func newMemStore(accs ...*models.LedgerAccount) *memStore {
	m := &memStore{accounts: make(map[int64]*models.LedgerAccount)}
	for _, a := range accs {
		cp := *a
		m.accounts[a.UserID] = &cp
	}
	return m
}

func (m *memStore) GetForUpdate(_ context.Context, _ pgx.Tx, userID int64) (*models.LedgerAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memStore) Create(_ context.Context, _ pgx.Tx, a *models.LedgerAccount) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[a.UserID]; ok {
		return false, nil
	}
	cp := *a
	m.accounts[a.UserID] = &cp
	return true, nil
}

func (m *memStore) ApplyDelta(_ context.Context, _ pgx.Tx, userID, delta int64, expiry *time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[userID]
	if !ok {
		return 0, ErrAccountNotFound
	}
	a.BalanceMinor += delta
	if expiry != nil {
		e := *expiry
		a.SubscriptionExpiry = &e
	}
	return a.BalanceMinor, nil
}

func (m *memStore) InsertSettlement(_ context.Context, _ pgx.Tx, rec *models.SettlementRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.records = append(m.records, &cp)
	return nil
}

func (m *memStore) account(userID int64) *models.LedgerAccount {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.accounts[userID]
	return &cp
}

// ---------------------------------------------------------------------------

func depositIntent(userID, amount int64) *models.PaymentIntent {
	return &models.PaymentIntent{
		ID:          uuid.New(),
		Kind:        models.KindDeposit,
		SubjectID:   userID,
		AmountMinor: amount,
		Currency:    "ETB",
	}
}

func TestSettleDeposit_RenewsLapsedSubscription(t *testing.T) {
	store := newMemStore(&models.LedgerAccount{UserID: 42, BalanceMinor: 1000, SubscriptionExpiry: expiring(-40 * 24 * time.Hour)})
	svc := NewService(store, DefaultPolicy())

	rec, err := svc.SettleDeposit(context.Background(), nil, depositIntent(42, 160000), models.SourceGateway, now)
	require.NoError(t, err)

	acc := store.account(42)
	assert.Equal(t, int64(146000), acc.BalanceMinor)
	require.NotNil(t, acc.SubscriptionExpiry)
	assert.Equal(t, now.Add(30*24*time.Hour), *acc.SubscriptionExpiry)

	assert.Equal(t, int64(145000), rec.AppliedAmountMinor)
	assert.Equal(t, int64(15000), rec.FeeMinor)
	assert.Equal(t, int64(146000), rec.ResultingBalanceMinor)
	assert.Equal(t, models.SourceGateway, rec.Source)
	assert.Len(t, store.records, 1)
}

func TestSettleDeposit_ActiveSubscriptionFullCredit(t *testing.T) {
	expiry := expiring(10 * 24 * time.Hour)
	store := newMemStore(&models.LedgerAccount{UserID: 7, SubscriptionExpiry: expiry})
	svc := NewService(store, DefaultPolicy())

	rec, err := svc.SettleDeposit(context.Background(), nil, depositIntent(7, 50000), models.SourceManual, now)
	require.NoError(t, err)

	acc := store.account(7)
	assert.Equal(t, int64(50000), acc.BalanceMinor)
	assert.Equal(t, *expiry, *acc.SubscriptionExpiry)
	assert.Equal(t, int64(0), rec.FeeMinor)
}

func TestSettleDeposit_MissingAccount(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, DefaultPolicy())

	_, err := svc.SettleDeposit(context.Background(), nil, depositIntent(9, 20000), models.SourceGateway, now)
	require.ErrorIs(t, err, ErrAccountNotFound)
	assert.Empty(t, store.records)
}

func TestSettleRegistration_CreatesAccount(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, DefaultPolicy())
	intent := &models.PaymentIntent{
		ID:           uuid.New(),
		Kind:         models.KindRegistration,
		SubjectID:    555,
		AmountMinor:  DefaultRegistrationFeeMinor,
		Registration: &models.Registration{Name: "Abebe", Phone: "+251911000000", Address: "Bole"},
	}

	rec, created, err := svc.SettleRegistration(context.Background(), nil, intent, models.SourceGateway, now)
	require.NoError(t, err)
	assert.True(t, created)

	acc := store.account(555)
	assert.Equal(t, "Abebe", acc.Name)
	assert.Equal(t, int64(0), acc.BalanceMinor)
	require.NotNil(t, acc.SubscriptionExpiry)
	assert.Equal(t, now.Add(30*24*time.Hour), *acc.SubscriptionExpiry)
	assert.Equal(t, int64(0), rec.AppliedAmountMinor)
	assert.Equal(t, int64(DefaultRegistrationFeeMinor), rec.FeeMinor)
}

func TestSettleRegistration_ExistingAccountCredited(t *testing.T) {
	expiry := expiring(3 * 24 * time.Hour)
	store := newMemStore(&models.LedgerAccount{UserID: 555, Name: "Abebe", BalanceMinor: 500, SubscriptionExpiry: expiry})
	svc := NewService(store, DefaultPolicy())
	intent := &models.PaymentIntent{ID: uuid.New(), Kind: models.KindRegistration, SubjectID: 555, AmountMinor: 35000}

	rec, created, err := svc.SettleRegistration(context.Background(), nil, intent, models.SourceManual, now)
	require.NoError(t, err)
	assert.False(t, created)

	acc := store.account(555)
	assert.Equal(t, int64(35500), acc.BalanceMinor)
	assert.Equal(t, *expiry, *acc.SubscriptionExpiry)
	assert.Equal(t, int64(35000), rec.AppliedAmountMinor)
	assert.Equal(t, int64(35500), rec.ResultingBalanceMinor)
}
