package models

import (
	"time"

	"github.com/google/uuid"
)

// Intent kinds.
const (
	KindRegistration = "registration"
	KindDeposit      = "deposit"
)

// Payment methods. Manual intents are paid by bank transfer and settled by a reviewer.
const (
	MethodGateway = "gateway"
	MethodManual  = "manual"
)

// Intent status enums. verified, rejected, expired and failed are terminal.
const (
	IntentStatusCreated             = "created"
	IntentStatusPendingVerification = "pending_verification"
	IntentStatusVerified            = "verified"
	IntentStatusRejected            = "rejected"
	IntentStatusExpired             = "expired"
	IntentStatusFailed              = "failed"
)

// User-visible statuses. Internal states are folded into these at the API boundary.
const (
	DisplayStatusPending  = "pending"
	DisplayStatusVerified = "verified"
	DisplayStatusRejected = "rejected"
	DisplayStatusExpired  = "expired"
)

// Registration carries the profile captured by the chat flow. The account
// row is created from it once the registration fee settles.
type Registration struct {
	Name         string `json:"name"`
	Phone        string `json:"phone"`
	Address      string `json:"address"`
	ReferralCode string `json:"referral_code,omitempty"`
}

type PaymentIntent struct {
	ID                uuid.UUID     `json:"id"`
	Kind              string        `json:"kind"`
	Method            string        `json:"method"`
	SubjectID         int64         `json:"subject_id"`
	AmountMinor       int64         `json:"amount_minor"`
	Currency          string        `json:"currency"`
	ExternalReference string        `json:"external_reference"`
	Status            string        `json:"status"`
	CheckoutURL       string        `json:"checkout_url,omitempty"`
	Registration      *Registration `json:"registration,omitempty"`
	AttemptCount      int           `json:"attempt_count"`
	FailureCount      int           `json:"failure_count"`
	LastAttemptAt     *time.Time    `json:"last_attempt_at,omitempty"`
	NeedsReview       bool          `json:"needs_review"`
	ReviewerID        string        `json:"reviewer_id,omitempty"`
	FailureReason     string        `json:"failure_reason,omitempty"`
	Version           int64         `json:"version"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
	ExpiresAt         time.Time     `json:"expires_at"`
}

// IsTerminal reports whether status is absorbing.
func IsTerminal(status string) bool {
	switch status {
	case IntentStatusVerified, IntentStatusRejected, IntentStatusExpired, IntentStatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the intent state machine.
func CanTransition(from, to string) bool {
	switch from {
	case IntentStatusCreated:
		return to == IntentStatusPendingVerification || to == IntentStatusFailed
	case IntentStatusPendingVerification:
		// Self-edge records an attempt without changing status.
		return to == IntentStatusPendingVerification || IsTerminal(to)
	}
	return false
}

// DisplayStatus maps an internal status to the one shown to end users.
func DisplayStatus(status string) string {
	switch status {
	case IntentStatusVerified:
		return DisplayStatusVerified
	case IntentStatusRejected, IntentStatusFailed:
		return DisplayStatusRejected
	case IntentStatusExpired:
		return DisplayStatusExpired
	default:
		return DisplayStatusPending
	}
}

// IntentMutation is applied together with a successful status CAS.
// Nil fields are left untouched.
type IntentMutation struct {
	AttemptCount  *int
	FailureCount  *int
	LastAttemptAt *time.Time
	NeedsReview   *bool
	ReviewerID    *string
	FailureReason *string
	CheckoutURL   *string
	Method        *string
}

// Apply copies the non-nil fields of m onto p.
func (m IntentMutation) Apply(p *PaymentIntent) {
	if m.AttemptCount != nil {
		p.AttemptCount = *m.AttemptCount
	}
	if m.FailureCount != nil {
		p.FailureCount = *m.FailureCount
	}
	if m.LastAttemptAt != nil {
		t := *m.LastAttemptAt
		p.LastAttemptAt = &t
	}
	if m.NeedsReview != nil {
		p.NeedsReview = *m.NeedsReview
	}
	if m.ReviewerID != nil {
		p.ReviewerID = *m.ReviewerID
	}
	if m.FailureReason != nil {
		p.FailureReason = *m.FailureReason
	}
	if m.CheckoutURL != nil {
		p.CheckoutURL = *m.CheckoutURL
	}
	if m.Method != nil {
		p.Method = *m.Method
	}
}
