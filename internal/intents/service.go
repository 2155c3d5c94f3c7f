// Package intents creates payment intents on behalf of the chat UI and
// reports their user-visible status.
package intents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/alipayeth/backend/internal/gateway"
	"github.com/alipayeth/backend/internal/ledger"
	"github.com/alipayeth/backend/internal/models"
	"github.com/alipayeth/backend/internal/money"
	"github.com/alipayeth/backend/internal/repository"
	"github.com/alipayeth/backend/internal/settlement"
)

var ErrNotFound = errors.New("not found")

// ValidationError reports a request the UI must correct before retrying.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

type CreateRequest struct {
	Kind         string
	Method       string
	SubjectID    int64
	AmountMinor  int64
	Currency     string
	Registration *models.Registration
}

type StatusView struct {
	Reference   string    `json:"reference"`
	Kind        string    `json:"kind"`
	Method      string    `json:"method"`
	Status      string    `json:"status"`
	Amount      string    `json:"amount"`
	Display     string    `json:"display"`
	CheckoutURL string    `json:"checkout_url,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type AccountView struct {
	UserID             int64      `json:"user_id"`
	Name               string     `json:"name"`
	Balance            string     `json:"balance"`
	Display            string     `json:"display"`
	SubscriptionExpiry *time.Time `json:"subscription_expiry,omitempty"`
	SubscriptionActive bool       `json:"subscription_active"`
	RenewalFee         string     `json:"renewal_fee"`
}

type IntentStore interface {
	Create(ctx context.Context, p *models.PaymentIntent) error
	GetByReference(ctx context.Context, ref string) (*models.PaymentIntent, error)
	Transition(ctx context.Context, tx pgx.Tx, id uuid.UUID, expectedStatus string, expectedVersion int64, newStatus string, m models.IntentMutation) (bool, error)
	HasOpenRegistration(ctx context.Context, subjectID int64) (bool, error)
}

type AccountReader interface {
	GetAccount(ctx context.Context, userID int64) (*models.LedgerAccount, error)
}

type Gateway interface {
	Initiate(ctx context.Context, req gateway.InitiateRequest) (gateway.Checkout, error)
}

type Config struct {
	Policy    ledger.Policy
	IntentTTL time.Duration
	Converter money.Converter
	Now       func() time.Time
}

type Service interface {
	CreateIntent(ctx context.Context, req CreateRequest) (*models.PaymentIntent, error)
	GetStatus(ctx context.Context, reference string) (*StatusView, error)
	GetAccount(ctx context.Context, userID int64) (*AccountView, error)
}

type service struct {
	intents  IntentStore
	accounts AccountReader
	gateway  Gateway
	notifier settlement.Notifier
	cfg      Config
	log      *slog.Logger
}

// NewService wires intent creation. notifier receives a review request for
// every intent that ends up waiting on a bank-transfer reviewer.
func NewService(intents IntentStore, accounts AccountReader, gw Gateway, notifier settlement.Notifier, cfg Config, log *slog.Logger) Service {
	if cfg.IntentTTL <= 0 {
		cfg.IntentTTL = 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	return &service{intents: intents, accounts: accounts, gateway: gw, notifier: notifier, cfg: cfg, log: log}
}

var _ Service = (*service)(nil)

func (s *service) validate(ctx context.Context, req *CreateRequest) error {
	if req.SubjectID <= 0 {
		return invalid("subject_id", "must be a positive user id")
	}
	if req.AmountMinor <= 0 {
		return invalid("amount", "must be positive")
	}
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if req.Currency == "" {
		req.Currency = money.CurrencyETB
	}
	if req.Currency != money.CurrencyETB {
		return invalid("currency", "only %s is accepted", money.CurrencyETB)
	}
	if req.Method == "" {
		req.Method = models.MethodGateway
	}
	if req.Method != models.MethodGateway && req.Method != models.MethodManual {
		return invalid("method", "unknown payment method %q", req.Method)
	}

	_, err := s.accounts.GetAccount(ctx, req.SubjectID)
	exists := err == nil
	if err != nil && !errors.Is(err, ledger.ErrAccountNotFound) {
		return fmt.Errorf("look up account %d: %w", req.SubjectID, err)
	}

	switch req.Kind {
	case models.KindRegistration:
		if exists {
			return invalid("subject_id", "user is already registered")
		}
		if req.AmountMinor != s.cfg.Policy.RegistrationFeeMinor {
			return invalid("amount", "registration fee is %s", money.FormatMajor(s.cfg.Policy.RegistrationFeeMinor))
		}
		if req.Registration == nil || strings.TrimSpace(req.Registration.Name) == "" || strings.TrimSpace(req.Registration.Phone) == "" {
			return invalid("registration", "name and phone are required")
		}
		open, err := s.intents.HasOpenRegistration(ctx, req.SubjectID)
		if err != nil {
			return fmt.Errorf("check open registration: %w", err)
		}
		if open {
			return invalid("subject_id", "a registration payment is already in progress")
		}
	case models.KindDeposit:
		if !exists {
			return invalid("subject_id", "user is not registered")
		}
		if req.AmountMinor < s.cfg.Policy.MinDepositMinor {
			return invalid("amount", "minimum deposit is %s", money.FormatMajor(s.cfg.Policy.MinDepositMinor))
		}
		req.Registration = nil
	default:
		return invalid("kind", "unknown intent kind %q", req.Kind)
	}
	return nil
}

func (s *service) CreateIntent(ctx context.Context, req CreateRequest) (*models.PaymentIntent, error) {
	if err := s.validate(ctx, &req); err != nil {
		return nil, err
	}
	now := s.cfg.Now()
	p := &models.PaymentIntent{
		ID:                uuid.New(),
		Kind:              req.Kind,
		Method:            req.Method,
		SubjectID:         req.SubjectID,
		AmountMinor:       req.AmountMinor,
		Currency:          req.Currency,
		ExternalReference: gateway.NewReference(req.Kind),
		Status:            models.IntentStatusCreated,
		Registration:      req.Registration,
		Version:           1,
		CreatedAt:         now,
		ExpiresAt:         now.Add(s.cfg.IntentTTL),
	}
	if err := s.intents.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("create intent: %w", err)
	}
	log := s.log.With("reference", p.ExternalReference, "kind", p.Kind, "subject_id", p.SubjectID)

	if p.Method == models.MethodManual {
		if err := s.advance(ctx, p, models.IntentStatusPendingVerification, models.IntentMutation{}); err != nil {
			return nil, err
		}
		log.Info("manual payment intent created")
		s.requestReview(ctx, p, log)
		return p, nil
	}

	ireq := gateway.InitiateRequest{
		Reference:   p.ExternalReference,
		AmountMinor: p.AmountMinor,
		Currency:    p.Currency,
		SubjectID:   p.SubjectID,
		Title:       "Registration",
	}
	if p.Kind == models.KindDeposit {
		ireq.Title = "Deposit"
	}
	if p.Registration != nil {
		ireq.FirstName = p.Registration.Name
	}
	checkout, err := s.gateway.Initiate(ctx, ireq)
	switch {
	case err == nil:
		if err := s.advance(ctx, p, models.IntentStatusPendingVerification, models.IntentMutation{CheckoutURL: &checkout.CheckoutURL}); err != nil {
			return nil, err
		}
		log.Info("gateway checkout created")
		return p, nil
	case errors.Is(err, gateway.ErrUnavailable):
		// Fall back to bank transfer reviewed by an operator.
		manual := models.MethodManual
		if err := s.advance(ctx, p, models.IntentStatusPendingVerification, models.IntentMutation{Method: &manual}); err != nil {
			return nil, err
		}
		log.Warn("gateway unavailable, falling back to manual payment", "error", err)
		s.requestReview(ctx, p, log)
		return p, nil
	default:
		reason := err.Error()
		if terr := s.advance(ctx, p, models.IntentStatusFailed, models.IntentMutation{FailureReason: &reason}); terr != nil {
			return nil, terr
		}
		log.Warn("gateway rejected checkout", "error", err)
		return p, fmt.Errorf("initiate checkout: %w", err)
	}
}

// requestReview tells the admins a bank transfer is waiting. The intent is
// already committed, so a queue failure is logged and not returned.
func (s *service) requestReview(ctx context.Context, p *models.PaymentIntent, log *slog.Logger) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, nil, settlement.ReviewRequest(p, false, "")); err != nil {
		log.Error("schedule review request", "error", err)
	}
}

// advance swaps a freshly created intent forward and mirrors the change on p.
func (s *service) advance(ctx context.Context, p *models.PaymentIntent, status string, m models.IntentMutation) error {
	ok, err := s.intents.Transition(ctx, nil, p.ID, p.Status, p.Version, status, m)
	if err != nil {
		return fmt.Errorf("transition %s to %s: %w", p.ExternalReference, status, err)
	}
	if !ok {
		return fmt.Errorf("transition %s to %s: intent changed concurrently", p.ExternalReference, status)
	}
	m.Apply(p)
	p.Status = status
	p.Version++
	return nil
}

func (s *service) GetStatus(ctx context.Context, reference string) (*StatusView, error) {
	p, err := s.intents.GetByReference(ctx, reference)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return NewStatusView(p, s.cfg.Converter), nil
}

// NewStatusView is the user-facing projection of p.
func NewStatusView(p *models.PaymentIntent, conv money.Converter) *StatusView {
	return &StatusView{
		Reference:   p.ExternalReference,
		Kind:        p.Kind,
		Method:      p.Method,
		Status:      models.DisplayStatus(p.Status),
		Amount:      money.FormatMajor(p.AmountMinor),
		Display:     conv.Display(p.AmountMinor),
		CheckoutURL: p.CheckoutURL,
		ExpiresAt:   p.ExpiresAt,
	}
}

func (s *service) GetAccount(ctx context.Context, userID int64) (*AccountView, error) {
	a, err := s.accounts.GetAccount(ctx, userID)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &AccountView{
		UserID:             a.UserID,
		Name:               a.Name,
		Balance:            money.FormatMajor(a.BalanceMinor),
		Display:            s.cfg.Converter.Display(a.BalanceMinor),
		SubscriptionExpiry: a.SubscriptionExpiry,
		SubscriptionActive: a.SubscriptionActive(s.cfg.Now()),
		RenewalFee:         money.FormatMajor(s.cfg.Policy.SubscriptionFeeMinor),
	}, nil
}
