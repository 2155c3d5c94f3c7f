package intents

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5"
	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alipayeth/backend/internal/gateway"
	"github.com/alipayeth/backend/internal/ledger"
	"github.com/alipayeth/backend/internal/models"
	"github.com/alipayeth/backend/internal/money"
	"github.com/alipayeth/backend/internal/repository"
	"github.com/alipayeth/backend/internal/settlement"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

// memIntents also records scheduled notifications.
type memIntents struct {
	mu      sync.Mutex
	byID    map[uuid.UUID]*models.PaymentIntent
	openReg map[int64]bool
	notes   []settlement.Notification
}

func newMemIntents() *memIntents {
	return &memIntents{byID: map[uuid.UUID]*models.PaymentIntent{}, openReg: map[int64]bool{}}
}

func (m *memIntents) Create(_ context.Context, p *models.PaymentIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.byID[p.ID] = &cp
	return nil
}

func (m *memIntents) GetByReference(_ context.Context, ref string) (*models.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.byID {
		if p.ExternalReference == ref {
			cp := *p
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memIntents) Transition(_ context.Context, _ pgx.Tx, id uuid.UUID, expected string, version int64, next string, mut models.IntentMutation) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok || p.Status != expected || p.Version != version || !models.CanTransition(expected, next) {
		return false, nil
	}
	mut.Apply(p)
	p.Status = next
	p.Version++
	return true, nil
}

func (m *memIntents) HasOpenRegistration(_ context.Context, subjectID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openReg[subjectID], nil
}

func (m *memIntents) Notify(_ context.Context, _ pgx.Tx, n settlement.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notes = append(m.notes, n)
	return nil
}

func (m *memIntents) stored(ref string) *models.PaymentIntent {
	p, _ := m.GetByReference(context.Background(), ref)
	return p
}

type memAccounts map[int64]*models.LedgerAccount

func (m memAccounts) GetAccount(_ context.Context, userID int64) (*models.LedgerAccount, error) {
	a, ok := m[userID]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	return a, nil
}

type stubGateway struct {
	url   string
	err   error
	calls []gateway.InitiateRequest
}

func (g *stubGateway) Initiate(_ context.Context, req gateway.InitiateRequest) (gateway.Checkout, error) {
	g.calls = append(g.calls, req)
	if g.err != nil {
		return gateway.Checkout{}, g.err
	}
	return gateway.Checkout{Reference: req.Reference, CheckoutURL: g.url}, nil
}

// ---------------------------------------------------------------------------

var now = time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, gw *stubGateway) (Service, *memIntents, memAccounts) {
	t.Helper()
	expiry := now.Add(48 * time.Hour)
	accounts := memAccounts{42: {UserID: 42, Name: "Abebe", BalanceMinor: 160000, SubscriptionExpiry: &expiry}}
	intents := newMemIntents()
	svc := NewService(intents, accounts, gw, intents, Config{
		Policy:    ledger.DefaultPolicy(),
		Converter: money.NewConverter(160),
		Now:       func() time.Time { return now },
	}, slogt.New(t))
	return svc, intents, accounts
}

func registration() *models.Registration {
	return &models.Registration{Name: "Sara", Phone: "+251911223344", Address: "Bole"}
}

func TestCreateIntent_GatewayCheckout(t *testing.T) {
	gw := &stubGateway{url: "https://checkout.chapa.co/pay/1"}
	svc, intents, _ := newTestService(t, gw)

	p, err := svc.CreateIntent(context.Background(), CreateRequest{
		Kind: models.KindDeposit, SubjectID: 42, AmountMinor: 160000, Currency: "etb",
	})
	require.NoError(t, err)
	assert.Equal(t, models.IntentStatusPendingVerification, p.Status)
	assert.Equal(t, models.MethodGateway, p.Method)
	assert.Equal(t, "https://checkout.chapa.co/pay/1", p.CheckoutURL)
	assert.True(t, strings.HasPrefix(p.ExternalReference, "DEP-"))
	assert.Equal(t, now.Add(24*time.Hour), p.ExpiresAt)

	stored := intents.stored(p.ExternalReference)
	assert.Equal(t, p.Status, stored.Status)
	assert.Equal(t, p.Version, stored.Version)
	require.Len(t, gw.calls, 1)
	assert.Equal(t, int64(160000), gw.calls[0].AmountMinor)
	assert.Empty(t, intents.notes, "gateway payments need no reviewer")
}

func TestCreateIntent_GatewayUnavailableFallsBackToManual(t *testing.T) {
	gw := &stubGateway{err: fmt.Errorf("%w: dial tcp: timeout", gateway.ErrUnavailable)}
	svc, intents, _ := newTestService(t, gw)

	p, err := svc.CreateIntent(context.Background(), CreateRequest{
		Kind: models.KindRegistration, SubjectID: 7, AmountMinor: 35000, Registration: registration(),
	})
	require.NoError(t, err)
	assert.Equal(t, models.MethodManual, p.Method)
	assert.Equal(t, models.IntentStatusPendingVerification, p.Status)
	assert.Equal(t, models.MethodManual, intents.stored(p.ExternalReference).Method)
	assert.Equal(t, "Sara", gw.calls[0].FirstName)

	require.Len(t, intents.notes, 1)
	assert.Equal(t, settlement.AudienceAdmin, intents.notes[0].Audience)
	assert.Equal(t, p.ExternalReference, intents.notes[0].Reference)
	assert.Equal(t, models.MethodManual, intents.notes[0].Method)
}

func TestCreateIntent_GatewayRejected(t *testing.T) {
	gw := &stubGateway{err: fmt.Errorf("%w: http 400", gateway.ErrRejected)}
	svc, intents, _ := newTestService(t, gw)

	p, err := svc.CreateIntent(context.Background(), CreateRequest{Kind: models.KindDeposit, SubjectID: 42, AmountMinor: 20000})
	require.ErrorIs(t, err, gateway.ErrRejected)
	require.NotNil(t, p)
	assert.Equal(t, models.IntentStatusFailed, intents.stored(p.ExternalReference).Status)

	view, err := svc.GetStatus(context.Background(), p.ExternalReference)
	require.NoError(t, err)
	assert.Equal(t, models.DisplayStatusRejected, view.Status)
}

func TestCreateIntent_ManualMethodSkipsGateway(t *testing.T) {
	gw := &stubGateway{}
	svc, intents, _ := newTestService(t, gw)

	p, err := svc.CreateIntent(context.Background(), CreateRequest{
		Kind: models.KindDeposit, Method: models.MethodManual, SubjectID: 42, AmountMinor: 15000,
	})
	require.NoError(t, err)
	assert.Equal(t, models.IntentStatusPendingVerification, p.Status)
	assert.Empty(t, gw.calls)

	require.Len(t, intents.notes, 1)
	assert.Equal(t, settlement.AudienceAdmin, intents.notes[0].Audience)
	assert.Equal(t, p.ID, intents.notes[0].IntentID)
	assert.False(t, intents.notes[0].NeedsReview)
}

func TestCreateIntent_Validation(t *testing.T) {
	svc, intents, _ := newTestService(t, &stubGateway{})
	intents.openReg[9] = true

	tests := []struct {
		name  string
		req   CreateRequest
		field string
	}{
		{"zero amount", CreateRequest{Kind: models.KindDeposit, SubjectID: 42}, "amount"},
		{"negative amount", CreateRequest{Kind: models.KindDeposit, SubjectID: 42, AmountMinor: -5}, "amount"},
		{"foreign currency", CreateRequest{Kind: models.KindDeposit, SubjectID: 42, AmountMinor: 20000, Currency: "USD"}, "currency"},
		{"unknown kind", CreateRequest{Kind: "refund", SubjectID: 42, AmountMinor: 20000}, "kind"},
		{"unknown method", CreateRequest{Kind: models.KindDeposit, Method: "cash", SubjectID: 42, AmountMinor: 20000}, "method"},
		{"missing subject", CreateRequest{Kind: models.KindDeposit, AmountMinor: 20000}, "subject_id"},
		{"deposit below fee", CreateRequest{Kind: models.KindDeposit, SubjectID: 42, AmountMinor: 14999}, "amount"},
		{"deposit for stranger", CreateRequest{Kind: models.KindDeposit, SubjectID: 5, AmountMinor: 20000}, "subject_id"},
		{"registration wrong fee", CreateRequest{Kind: models.KindRegistration, SubjectID: 5, AmountMinor: 20000, Registration: registration()}, "amount"},
		{"registration without profile", CreateRequest{Kind: models.KindRegistration, SubjectID: 5, AmountMinor: 35000}, "registration"},
		{"already registered", CreateRequest{Kind: models.KindRegistration, SubjectID: 42, AmountMinor: 35000, Registration: registration()}, "subject_id"},
		{"registration in progress", CreateRequest{Kind: models.KindRegistration, SubjectID: 9, AmountMinor: 35000, Registration: registration()}, "subject_id"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateIntent(context.Background(), tc.req)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
	assert.Empty(t, intents.byID)
}

func TestGetStatus_DisplayMapping(t *testing.T) {
	svc, intents, _ := newTestService(t, &stubGateway{})
	cases := map[string]string{
		models.IntentStatusCreated:             models.DisplayStatusPending,
		models.IntentStatusPendingVerification: models.DisplayStatusPending,
		models.IntentStatusVerified:            models.DisplayStatusVerified,
		models.IntentStatusRejected:            models.DisplayStatusRejected,
		models.IntentStatusFailed:              models.DisplayStatusRejected,
		models.IntentStatusExpired:             models.DisplayStatusExpired,
	}
	for status, want := range cases {
		p := &models.PaymentIntent{ID: uuid.New(), ExternalReference: "DEP-" + status, Status: status, AmountMinor: 160000}
		require.NoError(t, intents.Create(context.Background(), p))
		view, err := svc.GetStatus(context.Background(), p.ExternalReference)
		require.NoError(t, err)
		assert.Equal(t, want, view.Status, status)
		assert.Equal(t, "1600.00", view.Amount)
		assert.Equal(t, "1,600.00 ETB (~$10.00)", view.Display)
	}

	_, err := svc.GetStatus(context.Background(), "DEP-missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetAccount(t *testing.T) {
	svc, _, _ := newTestService(t, &stubGateway{})

	v, err := svc.GetAccount(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, "1600.00", v.Balance)
	assert.True(t, v.SubscriptionActive)
	assert.Equal(t, "150.00", v.RenewalFee)

	_, err = svc.GetAccount(context.Background(), 1)
	require.ErrorIs(t, err, ErrNotFound)
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

func newRouter(t *testing.T, gw *stubGateway) http.Handler {
	svc, _, _ := newTestService(t, gw)
	h := NewHandler(svc, money.NewConverter(160), slogt.New(t))
	r := mux.NewRouter()
	r.HandleFunc("/api/v1/intents", h.CreateIntent).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/intents/{reference}/status", h.GetStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/accounts/{userID}", h.GetAccount).Methods(http.MethodGet)
	return r
}

func TestHandler_CreateAndStatus(t *testing.T) {
	r := newRouter(t, &stubGateway{url: "https://checkout.chapa.co/pay/2"})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/intents",
		strings.NewReader(`{"kind":"deposit","subject_id":42,"amount":"200.00"}`)))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"checkout_url":"https://checkout.chapa.co/pay/2"`)
	assert.Contains(t, rec.Body.String(), `"status":"pending"`)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/intents",
		strings.NewReader(`{"kind":"deposit","subject_id":42,"amount":"1.00"}`)))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), `"field":"amount"`)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/intents",
		strings.NewReader(`{"kind":"deposit","subject_id":42,"amount":"1.005"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/intents/DEP-none/status", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_GatewayRejected(t *testing.T) {
	r := newRouter(t, &stubGateway{err: gateway.ErrRejected})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/intents",
		strings.NewReader(`{"kind":"deposit","subject_id":42,"amount":"200"}`)))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHandler_GetAccount(t *testing.T) {
	r := newRouter(t, &stubGateway{})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/accounts/42", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"balance":"1600.00"`)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/accounts/abc", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/accounts/3", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
