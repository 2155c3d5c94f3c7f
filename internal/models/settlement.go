package models

import (
	"time"

	"github.com/google/uuid"
)

// Settlement sources.
const (
	SourceGateway = "gateway"
	SourceManual  = "manual"
)

// SettlementRecord is the audit row written in the same transaction as the
// verified transition. There is at most one per intent.
type SettlementRecord struct {
	ID                    uuid.UUID `json:"id"`
	IntentID              uuid.UUID `json:"intent_id"`
	UserID                int64     `json:"user_id"`
	SettledAt             time.Time `json:"settled_at"`
	AppliedAmountMinor    int64     `json:"applied_amount_minor"`
	FeeMinor              int64     `json:"fee_minor"`
	ResultingBalanceMinor int64     `json:"resulting_balance_minor"`
	Source                string    `json:"source"`
}
