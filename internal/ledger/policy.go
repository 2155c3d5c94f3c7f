package ledger

import (
	"time"

	"github.com/alipayeth/backend/internal/models"
)

// Fee defaults in ETB minor units. Registration is 200 birr one-time plus the
// first 150 birr month; renewal is 150 birr per 30 days.
const (
	DefaultRegistrationFeeMinor = 35000
	DefaultSubscriptionFeeMinor = 15000
	DefaultSubscriptionPeriod   = 30 * 24 * time.Hour
)

// Policy decides how a settled payment changes an account.
type Policy struct {
	RegistrationFeeMinor int64
	SubscriptionFeeMinor int64
	MinDepositMinor      int64
	SubscriptionPeriod   time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		RegistrationFeeMinor: DefaultRegistrationFeeMinor,
		SubscriptionFeeMinor: DefaultSubscriptionFeeMinor,
		MinDepositMinor:      DefaultSubscriptionFeeMinor,
		SubscriptionPeriod:   DefaultSubscriptionPeriod,
	}
}

// DepositEffect is the ledger change produced by one settled deposit.
// NewExpiry is nil when the subscription is left untouched.
type DepositEffect struct {
	CreditMinor int64
	FeeMinor    int64
	NewExpiry   *time.Time
}

// RenewalDue reports whether a deposit settled at now should pay for a new
// subscription period.
func (p Policy) RenewalDue(acc *models.LedgerAccount, now time.Time) bool {
	return !acc.SubscriptionActive(now)
}

// Deposit computes the effect of crediting amountMinor to acc at now. A lapsed
// or never-started subscription is renewed by deducting one fee from the
// credit, unless the deposit cannot cover the fee, in which case it is
// credited in full.
func (p Policy) Deposit(acc *models.LedgerAccount, amountMinor int64, now time.Time) DepositEffect {
	if !p.RenewalDue(acc, now) || amountMinor < p.SubscriptionFeeMinor {
		return DepositEffect{CreditMinor: amountMinor}
	}
	expiry := now.Add(p.SubscriptionPeriod)
	return DepositEffect{
		CreditMinor: amountMinor - p.SubscriptionFeeMinor,
		FeeMinor:    p.SubscriptionFeeMinor,
		NewExpiry:   &expiry,
	}
}

// RegistrationExpiry is the first subscription expiry of a new account.
func (p Policy) RegistrationExpiry(now time.Time) time.Time {
	return now.Add(p.SubscriptionPeriod)
}
