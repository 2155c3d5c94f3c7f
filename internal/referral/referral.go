// Package referral records which referral code brought a newly registered
// user in. Rewards are computed elsewhere; this package only keeps the link.
package referral

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

const maxCodeLen = 32

var ErrInvalidCode = errors.New("invalid referral code")

// Normalize trims and upper-cases a code and checks it only holds
// letters, digits, '-' and '_'.
func Normalize(code string) (string, error) {
	c := strings.ToUpper(strings.TrimSpace(code))
	if c == "" || len(c) > maxCodeLen {
		return "", ErrInvalidCode
	}
	for _, r := range c {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return "", ErrInvalidCode
		}
	}
	return c, nil
}

type Linker struct {
	pool *pgxpool.Pool
}

func NewLinker(pool *pgxpool.Pool) *Linker {
	return &Linker{pool: pool}
}

// Link stores the code for referredUserID. A user keeps the first code
// they were linked with; later calls are ignored.
func (l *Linker) Link(ctx context.Context, referredUserID int64, code string) error {
	c, err := Normalize(code)
	if err != nil {
		return fmt.Errorf("link user %d: %w", referredUserID, err)
	}
	_, err = l.pool.Exec(ctx, `
		INSERT INTO referral_links (referred_user_id, referral_code)
		VALUES ($1, $2)
		ON CONFLICT (referred_user_id) DO NOTHING`, referredUserID, c)
	if err != nil {
		return fmt.Errorf("link user %d: %w", referredUserID, err)
	}
	return nil
}

// CodeFor returns the code a user registered with, or "" when none.
func (l *Linker) CodeFor(ctx context.Context, userID int64) (string, error) {
	var code string
	err := l.pool.QueryRow(ctx, `SELECT COALESCE((SELECT referral_code FROM referral_links WHERE referred_user_id = $1), '')`, userID).Scan(&code)
	return code, err
}
