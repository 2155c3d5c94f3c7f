package repository

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alipayeth/backend/internal/db"
	"github.com/alipayeth/backend/internal/models"
)

// These tests run against a real Postgres and are skipped unless
// DATABASE_URL is set.

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := db.Connect(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, db.Migrate(ctx, pool, slogt.New(t)))
	return pool
}

func newIntent(t *testing.T, pool *pgxpool.Pool, status string) *models.PaymentIntent {
	t.Helper()
	p := &models.PaymentIntent{
		ID:                uuid.New(),
		Kind:              models.KindDeposit,
		Method:            models.MethodGateway,
		SubjectID:         time.Now().UnixNano() % 1_000_000_000,
		AmountMinor:       20000,
		Currency:          "ETB",
		ExternalReference: "DEP-" + uuid.NewString(),
		Status:            status,
		ExpiresAt:         time.Now().Add(24 * time.Hour),
	}
	require.NoError(t, NewIntentRepo(pool).Create(context.Background(), p))
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM payment_intents WHERE id = $1`, p.ID)
	})
	return p
}

// setAttempts rewrites the scheduling columns the poller reads.
func setAttempts(t *testing.T, pool *pgxpool.Pool, id uuid.UUID, created time.Time, last *time.Time, attempts int) {
	t.Helper()
	_, err := pool.Exec(context.Background(),
		`UPDATE payment_intents SET created_at = $2, last_attempt_at = $3, attempt_count = $4 WHERE id = $1`,
		id, created, last, attempts)
	require.NoError(t, err)
}

func TestIntentRepo_CreateRejectsDuplicateReference(t *testing.T) {
	pool := testPool(t)
	repo := NewIntentRepo(pool)
	p := newIntent(t, pool, models.IntentStatusCreated)
	assert.Equal(t, int64(1), p.Version)

	dup := *p
	dup.ID = uuid.New()
	err := repo.Create(context.Background(), &dup)
	require.ErrorIs(t, err, ErrDuplicateReference)

	got, err := repo.GetByReference(context.Background(), p.ExternalReference)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	_, err = repo.GetByReference(context.Background(), "DEP-missing-"+uuid.NewString())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestIntentRepo_TransitionIsCompareAndSwap(t *testing.T) {
	pool := testPool(t)
	repo := NewIntentRepo(pool)
	ctx := context.Background()
	p := newIntent(t, pool, models.IntentStatusCreated)

	url := "https://checkout.chapa.co/pay/x"
	ok, err := repo.Transition(ctx, nil, p.ID, models.IntentStatusCreated, 1, models.IntentStatusPendingVerification,
		models.IntentMutation{CheckoutURL: &url})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Transition(ctx, nil, p.ID, models.IntentStatusCreated, 1, models.IntentStatusPendingVerification, models.IntentMutation{})
	require.NoError(t, err)
	assert.False(t, ok, "stale status and version")

	ok, err = repo.Transition(ctx, nil, p.ID, models.IntentStatusPendingVerification, 1, models.IntentStatusVerified, models.IntentMutation{})
	require.NoError(t, err)
	assert.False(t, ok, "stale version")

	got, err := repo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IntentStatusPendingVerification, got.Status)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, url, got.CheckoutURL)
	assert.Equal(t, 0, got.AttemptCount, "nil mutation fields keep their column values")
}

func TestIntentRepo_ConcurrentTransitionsHaveOneWinner(t *testing.T) {
	pool := testPool(t)
	repo := NewIntentRepo(pool)
	ctx := context.Background()
	p := newIntent(t, pool, models.IntentStatusPendingVerification)

	targets := []string{models.IntentStatusVerified, models.IntentStatusRejected, models.IntentStatusFailed, models.IntentStatusExpired}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins []string
	)
	for _, target := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.Transition(ctx, nil, p.ID, models.IntentStatusPendingVerification, 1, target, models.IntentMutation{})
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins = append(wins, target)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, wins, 1)
	got, err := repo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, wins[0], got.Status)
	assert.Equal(t, int64(2), got.Version)
}

func TestIntentRepo_TransitionRolledBackWithTx(t *testing.T) {
	pool := testPool(t)
	repo := NewIntentRepo(pool)
	ctx := context.Background()
	p := newIntent(t, pool, models.IntentStatusPendingVerification)

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	require.NoError(t, err)
	ok, err := repo.Transition(ctx, tx, p.ID, models.IntentStatusPendingVerification, 1, models.IntentStatusVerified, models.IntentMutation{})
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, tx.Rollback(ctx))

	got, err := repo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IntentStatusPendingVerification, got.Status)
	assert.Equal(t, int64(1), got.Version)
}

func TestIntentRepo_ListPollableHonoursBackoff(t *testing.T) {
	pool := testPool(t)
	repo := NewIntentRepo(pool)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	sched := models.PollSchedule{Grace: 30 * time.Second, BackoffBase: 30 * time.Second, BackoffMax: 10 * time.Minute}

	fresh := newIntent(t, pool, models.IntentStatusPendingVerification)
	setAttempts(t, pool, fresh.ID, now.Add(-time.Minute), nil, 0)

	longAgo := now.Add(-20 * time.Minute)
	overdue := newIntent(t, pool, models.IntentStatusPendingVerification)
	setAttempts(t, pool, overdue.ID, now.Add(-time.Hour), &longAgo, 1)

	recent := now.Add(-5 * time.Second)
	backedOff := newIntent(t, pool, models.IntentStatusPendingVerification)
	setAttempts(t, pool, backedOff.ID, now.Add(-time.Hour), &recent, 8)

	inGrace := newIntent(t, pool, models.IntentStatusPendingVerification)
	setAttempts(t, pool, inGrace.ID, now.Add(-10*time.Second), nil, 0)

	list, err := repo.ListPollable(ctx, now, sched, 1000)
	require.NoError(t, err)

	ours := map[uuid.UUID]bool{fresh.ID: true, overdue.ID: true, backedOff.ID: true, inGrace.ID: true}
	var got []uuid.UUID
	for _, p := range list {
		if ours[p.ID] {
			got = append(got, p.ID)
			assert.False(t, sched.NextAttemptAt(p).After(now), "listed intent %s is not due", p.ExternalReference)
		}
	}
	assert.Equal(t, []uuid.UUID{overdue.ID, fresh.ID}, got, "due intents, soonest due first")
}

func TestIntentRepo_ListPollableLimitSkipsBackedOffRows(t *testing.T) {
	pool := testPool(t)
	repo := NewIntentRepo(pool)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	sched := models.PollSchedule{Grace: 30 * time.Second, BackoffBase: 30 * time.Second, BackoffMax: 10 * time.Minute}

	// Older rows that are not due must not fill the batch.
	recent := now.Add(-time.Second)
	for range 3 {
		p := newIntent(t, pool, models.IntentStatusPendingVerification)
		setAttempts(t, pool, p.ID, now.Add(-365*24*time.Hour), &recent, 9)
	}
	// Nothing else in a shared database can be due before this one.
	due := newIntent(t, pool, models.IntentStatusPendingVerification)
	setAttempts(t, pool, due.ID, now.Add(-100*365*24*time.Hour), nil, 0)

	list, err := repo.ListPollable(ctx, now, sched, 1)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, due.ID, list[0].ID)
}

func TestIntentRepo_ListPendingReview(t *testing.T) {
	pool := testPool(t)
	repo := NewIntentRepo(pool)
	ctx := context.Background()

	gw := newIntent(t, pool, models.IntentStatusPendingVerification)
	flagged := newIntent(t, pool, models.IntentStatusPendingVerification)
	yes := true
	ok, err := repo.Transition(ctx, nil, flagged.ID, models.IntentStatusPendingVerification, 1, models.IntentStatusPendingVerification,
		models.IntentMutation{NeedsReview: &yes})
	require.NoError(t, err)
	require.True(t, ok)

	list, err := repo.ListPendingReview(ctx, 10_000)
	require.NoError(t, err)
	seen := map[uuid.UUID]bool{}
	for _, p := range list {
		seen[p.ID] = true
	}
	assert.True(t, seen[flagged.ID])
	assert.False(t, seen[gw.ID])

	_, err = repo.GetByID(ctx, uuid.New())
	assert.True(t, errors.Is(err, ErrNotFound))
}
