package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alipayeth/backend/internal/models"
)

var (
	ErrNotFound           = errors.New("payment intent not found")
	ErrDuplicateReference = errors.New("external reference already exists")
)

const intentColumns = `id, kind, method, subject_id, amount_minor, currency, external_reference, status, checkout_url, registration,
	attempt_count, failure_count, last_attempt_at, needs_review, reviewer_id, failure_reason, version, created_at, updated_at, expires_at`

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type IntentRepo struct {
	pool *pgxpool.Pool
}

func NewIntentRepo(pool *pgxpool.Pool) *IntentRepo {
	return &IntentRepo{pool: pool}
}

func scanIntent(row pgx.Row) (*models.PaymentIntent, error) {
	var p models.PaymentIntent
	err := row.Scan(&p.ID, &p.Kind, &p.Method, &p.SubjectID, &p.AmountMinor, &p.Currency, &p.ExternalReference, &p.Status, &p.CheckoutURL, &p.Registration,
		&p.AttemptCount, &p.FailureCount, &p.LastAttemptAt, &p.NeedsReview, &p.ReviewerID, &p.FailureReason, &p.Version, &p.CreatedAt, &p.UpdatedAt, &p.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *IntentRepo) Create(ctx context.Context, p *models.PaymentIntent) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO payment_intents (id, kind, method, subject_id, amount_minor, currency, external_reference, status, checkout_url, registration, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING version, created_at, updated_at
	`, p.ID, p.Kind, p.Method, p.SubjectID, p.AmountMinor, p.Currency, p.ExternalReference, p.Status, p.CheckoutURL, p.Registration, p.ExpiresAt).Scan(&p.Version, &p.CreatedAt, &p.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateReference
	}
	return err
}

func (r *IntentRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.PaymentIntent, error) {
	return scanIntent(r.pool.QueryRow(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE id = $1`, id))
}

func (r *IntentRepo) GetByReference(ctx context.Context, ref string) (*models.PaymentIntent, error) {
	return scanIntent(r.pool.QueryRow(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE external_reference = $1`, ref))
}

// Transition moves the intent from expectedStatus to newStatus and applies m,
// but only if the row still has expectedStatus and expectedVersion. It
// returns false, with nothing written, when another writer got there first.
// A nil tx runs the update outside any transaction.
func (r *IntentRepo) Transition(ctx context.Context, tx pgx.Tx, id uuid.UUID, expectedStatus string, expectedVersion int64, newStatus string, m models.IntentMutation) (bool, error) {
	var q execer = r.pool
	if tx != nil {
		q = tx
	}
	tag, err := q.Exec(ctx, `
		UPDATE payment_intents SET
			status = $4,
			version = version + 1,
			updated_at = now(),
			attempt_count = COALESCE($5, attempt_count),
			failure_count = COALESCE($6, failure_count),
			last_attempt_at = COALESCE($7, last_attempt_at),
			needs_review = COALESCE($8, needs_review),
			reviewer_id = COALESCE($9, reviewer_id),
			failure_reason = COALESCE($10, failure_reason),
			checkout_url = COALESCE($11, checkout_url),
			method = COALESCE($12, method)
		WHERE id = $1 AND status = $2 AND version = $3
	`, id, expectedStatus, expectedVersion, newStatus,
		m.AttemptCount, m.FailureCount, m.LastAttemptAt, m.NeedsReview, m.ReviewerID, m.FailureReason, m.CheckoutURL, m.Method)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *IntentRepo) list(ctx context.Context, query string, args ...any) ([]*models.PaymentIntent, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.PaymentIntent
	for rows.Next() {
		p, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

// ListPollable returns gateway intents awaiting verification whose next
// attempt is due at now, soonest due first. The due time mirrors
// models.PollSchedule.NextAttemptAt.
func (r *IntentRepo) ListPollable(ctx context.Context, now time.Time, sched models.PollSchedule, limit int) ([]*models.PaymentIntent, error) {
	return r.list(ctx, `
		SELECT `+intentColumns+` FROM (
			SELECT *,
				CASE WHEN last_attempt_at IS NULL OR attempt_count = 0
					THEN created_at + $3::bigint * interval '1 microsecond'
					ELSE last_attempt_at + LEAST(
						$4::float8 * power(2, LEAST(GREATEST(attempt_count - 1, 0), $6::int)),
						$5::float8) * interval '1 microsecond'
				END AS next_attempt_at
			FROM payment_intents
			WHERE status = $1 AND method = $2 AND needs_review = false
		) due
		WHERE next_attempt_at <= $7
		ORDER BY next_attempt_at ASC
		LIMIT $8
	`, models.IntentStatusPendingVerification, models.MethodGateway,
		sched.Grace.Microseconds(), float64(sched.BackoffBase.Microseconds()), float64(sched.BackoffMax.Microseconds()),
		models.MaxBackoffDoublings, now, limit)
}

// ListPendingReview returns intents waiting on a human decision: manual
// payments and anything flagged for review.
func (r *IntentRepo) ListPendingReview(ctx context.Context, limit int) ([]*models.PaymentIntent, error) {
	return r.list(ctx, `
		SELECT `+intentColumns+` FROM payment_intents
		WHERE status = $1 AND (method = $2 OR needs_review = true)
		ORDER BY created_at ASC
		LIMIT $3
	`, models.IntentStatusPendingVerification, models.MethodManual, limit)
}

func (r *IntentRepo) ListBySubject(ctx context.Context, subjectID int64, limit int) ([]*models.PaymentIntent, error) {
	return r.list(ctx, `
		SELECT `+intentColumns+` FROM payment_intents
		WHERE subject_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, subjectID, limit)
}

// HasOpenRegistration reports whether subjectID has a registration intent
// that has not reached a terminal state and has not expired.
func (r *IntentRepo) HasOpenRegistration(ctx context.Context, subjectID int64) (bool, error) {
	var open bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM payment_intents
			WHERE subject_id = $1 AND kind = $2 AND status IN ($3, $4) AND expires_at > now()
		)
	`, subjectID, models.KindRegistration, models.IntentStatusCreated, models.IntentStatusPendingVerification).Scan(&open)
	return open, err
}
