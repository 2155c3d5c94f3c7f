// Package settlement turns verified payments into ledger changes exactly once.
//
// Three triggers race to settle the same intent: the poller, the gateway
// webhook and a human reviewer. None of them coordinate in process. The only
// guard is the compare-and-swap on the intent row, executed in the same
// database transaction as the ledger write, so whichever trigger wins the
// swap applies the effect and every other trigger observes a no-op.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/alipayeth/backend/internal/gateway"
	"github.com/alipayeth/backend/internal/ledger"
	"github.com/alipayeth/backend/internal/models"
	"github.com/alipayeth/backend/internal/repository"
)

var (
	ErrNotFound            = errors.New("payment intent not found")
	ErrDataIntegrity       = errors.New("payment data integrity violation")
	ErrExpiredIntent       = errors.New("payment intent expired")
	ErrConcurrencyConflict = errors.New("intent changed concurrently")
)

// Outcome is what a single Settle call observed or did.
type Outcome string

const (
	OutcomeVerified     Outcome = "verified"
	OutcomeRejected     Outcome = "rejected"
	OutcomeNoOp         Outcome = "noop"
	OutcomeStillPending Outcome = "still_pending"
	OutcomeExpired      Outcome = "expired"
	OutcomeFailed       Outcome = "failed"
	OutcomeNotFound     Outcome = "not_found"
)

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Trigger identifies who is asking for settlement. Gateway triggers consult
// the payment gateway; manual triggers carry a reviewer's decision instead.
type Trigger struct {
	Source               string
	Decision             Decision
	ReviewerID           string
	ConfirmedAmountMinor int64
	Reason               string
}

func GatewayTrigger() Trigger {
	return Trigger{Source: models.SourceGateway}
}

func ApproveTrigger(reviewerID string, confirmedAmountMinor int64) Trigger {
	return Trigger{Source: models.SourceManual, Decision: DecisionApprove, ReviewerID: reviewerID, ConfirmedAmountMinor: confirmedAmountMinor}
}

func RejectTrigger(reviewerID, reason string) Trigger {
	return Trigger{Source: models.SourceManual, Decision: DecisionReject, ReviewerID: reviewerID, Reason: reason}
}

var settleOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "settlement_outcomes_total",
	Help: "Settle calls by trigger source and outcome",
}, []string{"source", "outcome"})

// TxBeginner is satisfied by *pgxpool.Pool.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// IntentStore must return repository.ErrNotFound for unknown references.
// Transition with a nil tx runs outside any transaction.
type IntentStore interface {
	GetByReference(ctx context.Context, ref string) (*models.PaymentIntent, error)
	Transition(ctx context.Context, tx pgx.Tx, id uuid.UUID, expectedStatus string, expectedVersion int64, newStatus string, m models.IntentMutation) (bool, error)
}

type Gateway interface {
	Verify(ctx context.Context, reference string) (gateway.Verification, error)
}

const (
	AudienceUser  = "user"
	AudienceAdmin = "admin"
)

// Notification describes a terminal outcome for the paying user, or, with
// the admin audience, an intent that is waiting on a reviewer.
type Notification struct {
	IntentID     uuid.UUID `json:"intent_id"`
	Audience     string    `json:"audience"`
	Reference    string    `json:"reference"`
	SubjectID    int64     `json:"subject_id"`
	Kind         string    `json:"kind"`
	Method       string    `json:"method,omitempty"`
	Outcome      Outcome   `json:"outcome"`
	AmountMinor  int64     `json:"amount_minor"`
	BalanceMinor int64     `json:"balance_minor"`
	NeedsReview  bool      `json:"needs_review,omitempty"`
	Reason       string    `json:"reason,omitempty"`
}

// ReviewRequest is the admin notification for an intent that only a
// reviewer can move forward. flagged marks intents the engine refused to
// settle on its own.
func ReviewRequest(intent *models.PaymentIntent, flagged bool, reason string) Notification {
	return Notification{
		IntentID:    intent.ID,
		Audience:    AudienceAdmin,
		Reference:   intent.ExternalReference,
		SubjectID:   intent.SubjectID,
		Kind:        intent.Kind,
		Method:      intent.Method,
		Outcome:     OutcomeStillPending,
		AmountMinor: intent.AmountMinor,
		NeedsReview: flagged,
		Reason:      reason,
	}
}

// Notifier schedules delivery of n. When tx is non-nil the delivery becomes
// visible only if tx commits.
type Notifier interface {
	Notify(ctx context.Context, tx pgx.Tx, n Notification) error
}

// ReferralLinker hands a newly registered user to the referral subsystem.
type ReferralLinker interface {
	Link(ctx context.Context, referredUserID int64, code string) error
}

type Config struct {
	// FailureBudget is how many consecutive failed or not-found gateway
	// answers turn an intent into failed.
	FailureBudget int
	Now           func() time.Time
}

type Engine struct {
	db        TxBeginner
	intents   IntentStore
	ledger    ledger.Service
	gateway   Gateway
	notifier  Notifier
	referrals ReferralLinker
	budget    int
	now       func() time.Time
	logger    *slog.Logger
}

func NewEngine(db TxBeginner, intents IntentStore, ledgerSvc ledger.Service, gw Gateway, notifier Notifier, referrals ReferralLinker, cfg Config, logger *slog.Logger) *Engine {
	if cfg.FailureBudget <= 0 {
		cfg.FailureBudget = 5
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		db:        db,
		intents:   intents,
		ledger:    ledgerSvc,
		gateway:   gw,
		notifier:  notifier,
		referrals: referrals,
		budget:    cfg.FailureBudget,
		now:       cfg.Now,
		logger:    logger,
	}
}

// serializationAttempts bounds how often Settle reruns after the database
// aborted its transaction with a serialization failure.
const serializationAttempts = 3

// Settle drives the intent identified by reference one step towards a
// terminal state. It is safe to call any number of times from any trigger;
// at most one call per intent applies a ledger effect.
//
// A transaction aborted by a serialization failure is rerun from a fresh
// read. If every attempt aborts, Settle returns OutcomeStillPending with the
// database error so the caller can retry later.
func (e *Engine) Settle(ctx context.Context, reference string, trig Trigger) (Outcome, error) {
	var (
		outcome Outcome
		err     error
	)
	for attempt := 1; ; attempt++ {
		outcome, err = e.settle(ctx, reference, trig)
		if !isSerializationFailure(err) || attempt >= serializationAttempts || ctx.Err() != nil {
			break
		}
		e.logger.Debug("settlement transaction aborted, retrying", "reference", reference, "attempt", attempt, "error", err)
	}
	settleOutcomes.WithLabelValues(trig.Source, string(outcome)).Inc()
	return outcome, err
}

func (e *Engine) settle(ctx context.Context, reference string, trig Trigger) (Outcome, error) {
	intent, err := e.intents.GetByReference(ctx, reference)
	if errors.Is(err, repository.ErrNotFound) {
		return OutcomeNotFound, fmt.Errorf("%w: %s", ErrNotFound, reference)
	}
	if err != nil {
		return OutcomeStillPending, fmt.Errorf("load intent %s: %w", reference, err)
	}
	log := e.logger.With("reference", reference, "intent_id", intent.ID, "source", trig.Source)

	if models.IsTerminal(intent.Status) {
		log.Debug("intent already terminal", "status", intent.Status)
		return OutcomeNoOp, nil
	}
	if intent.Status != models.IntentStatusPendingVerification {
		log.Debug("intent not yet awaiting verification", "status", intent.Status)
		return OutcomeStillPending, nil
	}

	now := e.now()
	if now.After(intent.ExpiresAt) {
		return e.expire(ctx, intent, trig, log)
	}

	if trig.Source == models.SourceManual {
		switch trig.Decision {
		case DecisionApprove:
			if trig.ConfirmedAmountMinor != intent.AmountMinor {
				return OutcomeStillPending, fmt.Errorf("%w: confirmed amount %d does not match intent amount %d",
					ErrDataIntegrity, trig.ConfirmedAmountMinor, intent.AmountMinor)
			}
			return e.commit(ctx, intent, models.IntentStatusVerified, trig, now, log)
		case DecisionReject:
			return e.commit(ctx, intent, models.IntentStatusRejected, trig, now, log)
		default:
			return OutcomeStillPending, fmt.Errorf("unknown review decision %q", trig.Decision)
		}
	}

	if intent.Method == models.MethodManual {
		return OutcomeStillPending, nil
	}

	v, err := e.gateway.Verify(ctx, reference)
	if errors.Is(err, gateway.ErrRejected) {
		log.Warn("gateway refused verification", "error", err)
		return e.countFailure(ctx, intent, "rejected", now, log)
	}
	if err != nil {
		e.recordAttempt(ctx, intent, intent.FailureCount, nil, "", now, log)
		return OutcomeStillPending, fmt.Errorf("verify %s: %w", reference, err)
	}

	switch v.Status {
	case gateway.StatusSettled:
		if v.AmountMinor != intent.AmountMinor || (v.Currency != "" && v.Currency != intent.Currency) {
			reason := fmt.Sprintf("gateway reported %d %s, intent expects %d %s", v.AmountMinor, v.Currency, intent.AmountMinor, intent.Currency)
			flagged := true
			e.recordAttempt(ctx, intent, intent.FailureCount, &flagged, reason, now, log)
			log.Error("settlement amount mismatch, flagged for review", "reported_minor", v.AmountMinor, "expected_minor", intent.AmountMinor, "currency", v.Currency)
			return OutcomeStillPending, fmt.Errorf("%w: %s: %s", ErrDataIntegrity, reference, reason)
		}
		return e.commit(ctx, intent, models.IntentStatusVerified, trig, now, log)

	case gateway.StatusPending:
		if !e.recordAttempt(ctx, intent, 0, nil, "", now, log) {
			return OutcomeNoOp, nil
		}
		return OutcomeStillPending, nil

	default: // failed, not found
		return e.countFailure(ctx, intent, string(v.Status), now, log)
	}
}

// countFailure charges one answer against the failure budget and fails the
// intent once the budget is spent.
func (e *Engine) countFailure(ctx context.Context, intent *models.PaymentIntent, answer string, now time.Time, log *slog.Logger) (Outcome, error) {
	failures := intent.FailureCount + 1
	if failures >= e.budget {
		return e.fail(ctx, intent, failures, answer, now, log)
	}
	if !e.recordAttempt(ctx, intent, failures, nil, "", now, log) {
		return OutcomeNoOp, nil
	}
	return OutcomeStillPending, nil
}

// recordAttempt bumps the attempt counters without leaving
// pending_verification. It reports whether the swap succeeded.
func (e *Engine) recordAttempt(ctx context.Context, intent *models.PaymentIntent, failures int, needsReview *bool, reason string, now time.Time, log *slog.Logger) bool {
	attempts := intent.AttemptCount + 1
	m := models.IntentMutation{AttemptCount: &attempts, FailureCount: &failures, LastAttemptAt: &now, NeedsReview: needsReview}
	if reason != "" {
		m.FailureReason = &reason
	}
	ok, err := e.intents.Transition(ctx, nil, intent.ID, models.IntentStatusPendingVerification, intent.Version,
		models.IntentStatusPendingVerification, m)
	if err != nil {
		log.Error("record verification attempt", "error", err)
		return false
	}
	if !ok {
		log.Debug("attempt not recorded", "error", ErrConcurrencyConflict)
		return false
	}
	if needsReview != nil && *needsReview {
		if err := e.notifier.Notify(ctx, nil, ReviewRequest(intent, true, reason)); err != nil {
			log.Error("schedule review request", "error", err)
		}
	}
	return true
}

func (e *Engine) expire(ctx context.Context, intent *models.PaymentIntent, trig Trigger, log *slog.Logger) (Outcome, error) {
	reason := "expired before verification"
	outcome, err := e.terminate(ctx, intent, models.IntentStatusExpired, models.IntentMutation{FailureReason: &reason}, OutcomeExpired, log)
	if err != nil || outcome != OutcomeExpired {
		return outcome, err
	}
	log.Info("payment intent expired")
	if trig.Source == models.SourceManual {
		return OutcomeExpired, fmt.Errorf("%w: %s", ErrExpiredIntent, intent.ExternalReference)
	}
	return OutcomeExpired, nil
}

func (e *Engine) fail(ctx context.Context, intent *models.PaymentIntent, failures int, lastStatus string, now time.Time, log *slog.Logger) (Outcome, error) {
	attempts := intent.AttemptCount + 1
	reason := fmt.Sprintf("gateway answered %s %d consecutive times", lastStatus, failures)
	m := models.IntentMutation{AttemptCount: &attempts, FailureCount: &failures, LastAttemptAt: &now, FailureReason: &reason}
	outcome, err := e.terminate(ctx, intent, models.IntentStatusFailed, m, OutcomeFailed, log)
	if err == nil && outcome == OutcomeFailed {
		log.Warn("payment intent failed", "failures", failures)
	}
	return outcome, err
}

// terminate moves intent to a terminal status with no ledger effect.
func (e *Engine) terminate(ctx context.Context, intent *models.PaymentIntent, status string, m models.IntentMutation, outcome Outcome, log *slog.Logger) (Outcome, error) {
	tx, err := e.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return OutcomeStillPending, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ok, err := e.intents.Transition(ctx, tx, intent.ID, models.IntentStatusPendingVerification, intent.Version, status, m)
	if isDuplicate(err) || (err == nil && !ok) {
		log.Debug("lost transition race", "target", status, "error", ErrConcurrencyConflict)
		return OutcomeNoOp, nil
	}
	if err != nil {
		return OutcomeStillPending, fmt.Errorf("transition to %s: %w", status, err)
	}

	n := notification(intent, outcome, nil)
	if m.FailureReason != nil {
		n.Reason = *m.FailureReason
	}
	if err := e.notifier.Notify(ctx, tx, n); err != nil {
		return OutcomeStillPending, fmt.Errorf("schedule notification: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return OutcomeStillPending, fmt.Errorf("commit: %w", err)
	}
	return outcome, nil
}

// commit is the atomic step: swap the intent to target and, for verified
// intents, apply the ledger effect, all in one transaction.
func (e *Engine) commit(ctx context.Context, intent *models.PaymentIntent, target string, trig Trigger, now time.Time, log *slog.Logger) (Outcome, error) {
	m := models.IntentMutation{}
	if trig.Source == models.SourceManual {
		m.ReviewerID = &trig.ReviewerID
		if trig.Reason != "" {
			m.FailureReason = &trig.Reason
		}
	} else {
		attempts := intent.AttemptCount + 1
		m.AttemptCount = &attempts
		m.LastAttemptAt = &now
	}

	tx, err := e.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return OutcomeStillPending, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ok, err := e.intents.Transition(ctx, tx, intent.ID, models.IntentStatusPendingVerification, intent.Version, target, m)
	if isDuplicate(err) || (err == nil && !ok) {
		log.Debug("lost settlement race", "target", target, "error", ErrConcurrencyConflict)
		return OutcomeNoOp, nil
	}
	if err != nil {
		return OutcomeStillPending, fmt.Errorf("transition to %s: %w", target, err)
	}

	outcome := OutcomeRejected
	var rec *models.SettlementRecord
	created := false
	if target == models.IntentStatusVerified {
		outcome = OutcomeVerified
		switch intent.Kind {
		case models.KindDeposit:
			rec, err = e.ledger.SettleDeposit(ctx, tx, intent, trig.Source, now)
		case models.KindRegistration:
			rec, created, err = e.ledger.SettleRegistration(ctx, tx, intent, trig.Source, now)
		default:
			err = fmt.Errorf("%w: unknown intent kind %q", ErrDataIntegrity, intent.Kind)
		}
		if isDuplicate(err) {
			log.Debug("settlement record already exists", "error", ErrConcurrencyConflict)
			return OutcomeNoOp, nil
		}
		if errors.Is(err, ledger.ErrAccountNotFound) {
			_ = tx.Rollback(ctx)
			flagged := true
			e.recordAttempt(ctx, intent, intent.FailureCount, &flagged, "deposit for unknown account", now, log)
			return OutcomeStillPending, fmt.Errorf("%w: %v", ErrDataIntegrity, err)
		}
		if err != nil {
			return OutcomeStillPending, fmt.Errorf("apply ledger effect: %w", err)
		}
	}

	n := notification(intent, outcome, rec)
	if trig.Reason != "" {
		n.Reason = trig.Reason
	}
	if err := e.notifier.Notify(ctx, tx, n); err != nil {
		return OutcomeStillPending, fmt.Errorf("schedule notification: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		if isDuplicate(err) {
			log.Debug("commit lost settlement race", "error", ErrConcurrencyConflict)
			return OutcomeNoOp, nil
		}
		return OutcomeStillPending, fmt.Errorf("commit: %w", err)
	}

	if rec != nil {
		log.Info("payment settled", "kind", intent.Kind, "user_id", rec.UserID,
			"applied_minor", rec.AppliedAmountMinor, "fee_minor", rec.FeeMinor, "balance_minor", rec.ResultingBalanceMinor)
	} else {
		log.Info("payment rejected", "reviewer_id", trig.ReviewerID, "reason", trig.Reason)
	}

	if created && intent.Registration != nil && intent.Registration.ReferralCode != "" && e.referrals != nil {
		if err := e.referrals.Link(ctx, intent.SubjectID, intent.Registration.ReferralCode); err != nil {
			log.Warn("referral link failed", "error", err, "referral_code", intent.Registration.ReferralCode)
		}
	}
	return outcome, nil
}

func notification(intent *models.PaymentIntent, outcome Outcome, rec *models.SettlementRecord) Notification {
	n := Notification{
		IntentID:    intent.ID,
		Audience:    AudienceUser,
		Reference:   intent.ExternalReference,
		SubjectID:   intent.SubjectID,
		Kind:        intent.Kind,
		Outcome:     outcome,
		AmountMinor: intent.AmountMinor,
	}
	if rec != nil {
		n.BalanceMinor = rec.ResultingBalanceMinor
	}
	return n
}

// isDuplicate reports a unique violation on the settlement record, which
// means another writer already settled the intent.
func isDuplicate(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// isSerializationFailure reports an aborted transaction that says nothing
// about who, if anyone, settled the intent.
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01")
}
