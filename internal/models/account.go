package models

import "time"

// LedgerAccount is a registered user and their wallet. Balance and
// SubscriptionExpiry are written only by the settlement engine.
type LedgerAccount struct {
	UserID             int64      `json:"user_id"`
	Name               string     `json:"name"`
	Phone              string     `json:"phone"`
	Address            string     `json:"address"`
	BalanceMinor       int64      `json:"balance_minor"`
	SubscriptionExpiry *time.Time `json:"subscription_expiry,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// SubscriptionActive reports whether the account's subscription covers at.
func (a *LedgerAccount) SubscriptionActive(at time.Time) bool {
	return a.SubscriptionExpiry != nil && a.SubscriptionExpiry.After(at)
}
