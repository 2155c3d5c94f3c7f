package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/alipayeth/backend/internal/models"
)

// Store is the transaction-scoped subset of Repository the service writes through.
type Store interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, userID int64) (*models.LedgerAccount, error)
	Create(ctx context.Context, tx pgx.Tx, a *models.LedgerAccount) (bool, error)
	ApplyDelta(ctx context.Context, tx pgx.Tx, userID, deltaMinor int64, expiry *time.Time) (int64, error)
	InsertSettlement(ctx context.Context, tx pgx.Tx, rec *models.SettlementRecord) error
}

// Service applies the ledger side of a verified intent. Every method runs
// inside the caller's transaction and writes exactly one SettlementRecord.
type Service interface {
	SettleDeposit(ctx context.Context, tx pgx.Tx, intent *models.PaymentIntent, source string, now time.Time) (*models.SettlementRecord, error)
	SettleRegistration(ctx context.Context, tx pgx.Tx, intent *models.PaymentIntent, source string, now time.Time) (*models.SettlementRecord, bool, error)
}

type service struct {
	store  Store
	policy Policy
}

func NewService(store Store, policy Policy) Service {
	return &service{store: store, policy: policy}
}

var _ Service = (*service)(nil)

func (s *service) SettleDeposit(ctx context.Context, tx pgx.Tx, intent *models.PaymentIntent, source string, now time.Time) (*models.SettlementRecord, error) {
	acc, err := s.store.GetForUpdate(ctx, tx, intent.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("lock account %d: %w", intent.SubjectID, err)
	}
	effect := s.policy.Deposit(acc, intent.AmountMinor, now)
	newBalance, err := s.store.ApplyDelta(ctx, tx, acc.UserID, effect.CreditMinor, effect.NewExpiry)
	if err != nil {
		return nil, fmt.Errorf("credit account %d: %w", acc.UserID, err)
	}
	rec := &models.SettlementRecord{
		ID:                    uuid.New(),
		IntentID:              intent.ID,
		UserID:                acc.UserID,
		SettledAt:             now,
		AppliedAmountMinor:    effect.CreditMinor,
		FeeMinor:              effect.FeeMinor,
		ResultingBalanceMinor: newBalance,
		Source:                source,
	}
	if err := s.store.InsertSettlement(ctx, tx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// SettleRegistration opens the account carried on the intent. The bool result
// is false when the user already had an account; in that case the payment is
// credited to the existing balance instead of creating a second user.
func (s *service) SettleRegistration(ctx context.Context, tx pgx.Tx, intent *models.PaymentIntent, source string, now time.Time) (*models.SettlementRecord, bool, error) {
	expiry := s.policy.RegistrationExpiry(now)
	acc := &models.LedgerAccount{
		UserID:             intent.SubjectID,
		SubscriptionExpiry: &expiry,
	}
	if reg := intent.Registration; reg != nil {
		acc.Name, acc.Phone, acc.Address = reg.Name, reg.Phone, reg.Address
	}
	created, err := s.store.Create(ctx, tx, acc)
	if err != nil {
		return nil, false, fmt.Errorf("create account %d: %w", intent.SubjectID, err)
	}

	rec := &models.SettlementRecord{
		ID:        uuid.New(),
		IntentID:  intent.ID,
		UserID:    intent.SubjectID,
		SettledAt: now,
		Source:    source,
	}
	if created {
		rec.FeeMinor = intent.AmountMinor
	} else {
		if _, err := s.store.GetForUpdate(ctx, tx, intent.SubjectID); err != nil {
			return nil, false, fmt.Errorf("lock account %d: %w", intent.SubjectID, err)
		}
		newBalance, err := s.store.ApplyDelta(ctx, tx, intent.SubjectID, intent.AmountMinor, nil)
		if err != nil {
			return nil, false, fmt.Errorf("credit account %d: %w", intent.SubjectID, err)
		}
		rec.AppliedAmountMinor = intent.AmountMinor
		rec.ResultingBalanceMinor = newBalance
	}
	if err := s.store.InsertSettlement(ctx, tx, rec); err != nil {
		return nil, false, err
	}
	return rec, created, nil
}
