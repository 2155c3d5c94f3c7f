// Package review lets an operator settle payments the gateway cannot confirm.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/alipayeth/backend/internal/models"
	"github.com/alipayeth/backend/internal/repository"
	"github.com/alipayeth/backend/internal/settlement"
)

var (
	ErrIntentNotFound  = errors.New("payment intent not found")
	ErrNotReviewable   = errors.New("payment intent is not awaiting verification")
	ErrMissingReviewer = errors.New("reviewer id is required")
)

type IntentReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.PaymentIntent, error)
	ListPendingReview(ctx context.Context, limit int) ([]*models.PaymentIntent, error)
}

type Settler interface {
	Settle(ctx context.Context, reference string, trig settlement.Trigger) (settlement.Outcome, error)
}

type Service interface {
	Approve(ctx context.Context, intentID uuid.UUID, reviewerID string, confirmedAmountMinor int64) (settlement.Outcome, error)
	Reject(ctx context.Context, intentID uuid.UUID, reviewerID, reason string) (settlement.Outcome, error)
	ListPending(ctx context.Context, limit int) ([]*models.PaymentIntent, error)
}

type service struct {
	intents IntentReader
	settler Settler
	log     *slog.Logger
}

func NewService(intents IntentReader, settler Settler, log *slog.Logger) Service {
	if log == nil {
		log = slog.Default()
	}
	return &service{intents: intents, settler: settler, log: log}
}

var _ Service = (*service)(nil)

func (s *service) Approve(ctx context.Context, intentID uuid.UUID, reviewerID string, confirmedAmountMinor int64) (settlement.Outcome, error) {
	return s.decide(ctx, intentID, settlement.ApproveTrigger(strings.TrimSpace(reviewerID), confirmedAmountMinor))
}

func (s *service) Reject(ctx context.Context, intentID uuid.UUID, reviewerID, reason string) (settlement.Outcome, error) {
	return s.decide(ctx, intentID, settlement.RejectTrigger(strings.TrimSpace(reviewerID), strings.TrimSpace(reason)))
}

func (s *service) decide(ctx context.Context, intentID uuid.UUID, trig settlement.Trigger) (settlement.Outcome, error) {
	if trig.ReviewerID == "" {
		return "", ErrMissingReviewer
	}
	intent, err := s.intents.GetByID(ctx, intentID)
	if errors.Is(err, repository.ErrNotFound) {
		return settlement.OutcomeNotFound, ErrIntentNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load intent %s: %w", intentID, err)
	}
	if intent.Status == models.IntentStatusCreated {
		return "", ErrNotReviewable
	}

	outcome, err := s.settler.Settle(ctx, intent.ExternalReference, trig)
	s.log.Info("review decision", "intent_id", intentID, "reference", intent.ExternalReference,
		"reviewer_id", trig.ReviewerID, "decision", trig.Decision, "outcome", outcome, "error", err)
	return outcome, err
}

func (s *service) ListPending(ctx context.Context, limit int) ([]*models.PaymentIntent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.intents.ListPendingReview(ctx, limit)
}
