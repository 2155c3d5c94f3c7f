package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alipayeth/backend/internal/models"
)

// ErrAccountNotFound is returned when a ledger account does not exist.
var ErrAccountNotFound = errors.New("ledger account not found")

const accountColumns = `user_id, name, phone, address, balance_minor, subscription_expiry, created_at, updated_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanAccount(row pgx.Row) (*models.LedgerAccount, error) {
	var a models.LedgerAccount
	err := row.Scan(&a.UserID, &a.Name, &a.Phone, &a.Address, &a.BalanceMinor, &a.SubscriptionExpiry, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAccount is a read-only lookup for display.
func (r *Repository) GetAccount(ctx context.Context, userID int64) (*models.LedgerAccount, error) {
	return scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM ledger_accounts WHERE user_id = $1`, userID))
}

// GetForUpdate locks the account row. Call within a transaction.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, userID int64) (*models.LedgerAccount, error) {
	return scanAccount(tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM ledger_accounts WHERE user_id = $1 FOR UPDATE`, userID))
}

// Create inserts a new account inside tx. It returns false when the user
// already has an account; the existing row is left as is.
func (r *Repository) Create(ctx context.Context, tx pgx.Tx, a *models.LedgerAccount) (bool, error) {
	err := tx.QueryRow(ctx, `
		INSERT INTO ledger_accounts (user_id, name, phone, address, balance_minor, subscription_expiry)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO NOTHING
		RETURNING created_at, updated_at
	`, a.UserID, a.Name, a.Phone, a.Address, a.BalanceMinor, a.SubscriptionExpiry).Scan(&a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ApplyDelta adds deltaMinor to the balance and, when expiry is non-nil,
// replaces subscription_expiry. Returns the new balance.
func (r *Repository) ApplyDelta(ctx context.Context, tx pgx.Tx, userID, deltaMinor int64, expiry *time.Time) (int64, error) {
	var newBalance int64
	err := tx.QueryRow(ctx, `
		UPDATE ledger_accounts
		SET balance_minor = balance_minor + $2,
			subscription_expiry = COALESCE($3, subscription_expiry),
			updated_at = now()
		WHERE user_id = $1
		RETURNING balance_minor
	`, userID, deltaMinor, expiry).Scan(&newBalance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrAccountNotFound
	}
	return newBalance, err
}

// InsertSettlement writes the audit row inside tx. A second row for the same
// intent violates settlement_records_intent_id_key.
func (r *Repository) InsertSettlement(ctx context.Context, tx pgx.Tx, rec *models.SettlementRecord) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO settlement_records (id, intent_id, user_id, settled_at, applied_amount_minor, fee_minor, resulting_balance_minor, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.ID, rec.IntentID, rec.UserID, rec.SettledAt, rec.AppliedAmountMinor, rec.FeeMinor, rec.ResultingBalanceMinor, rec.Source)
	return err
}

// ListSettlements returns an account's settlement history, newest first.
func (r *Repository) ListSettlements(ctx context.Context, userID int64) ([]*models.SettlementRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, intent_id, user_id, settled_at, applied_amount_minor, fee_minor, resulting_balance_minor, source
		FROM settlement_records WHERE user_id = $1 ORDER BY settled_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.SettlementRecord
	for rows.Next() {
		var s models.SettlementRecord
		if err := rows.Scan(&s.ID, &s.IntentID, &s.UserID, &s.SettledAt, &s.AppliedAmountMinor, &s.FeeMinor, &s.ResultingBalanceMinor, &s.Source); err != nil {
			return nil, err
		}
		list = append(list, &s)
	}
	return list, rows.Err()
}
