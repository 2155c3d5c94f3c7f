package notify

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PGDeduper struct {
	pool *pgxpool.Pool
}

func NewPGDeduper(pool *pgxpool.Pool) *PGDeduper {
	return &PGDeduper{pool: pool}
}

func (d *PGDeduper) Delivered(ctx context.Context, intentID uuid.UUID, audience string) (bool, error) {
	var ok bool
	err := d.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM settlement_notifications WHERE intent_id = $1 AND audience = $2)`,
		intentID, audience).Scan(&ok)
	return ok, err
}

func (d *PGDeduper) MarkDelivered(ctx context.Context, intentID uuid.UUID, audience string) error {
	_, err := d.pool.Exec(ctx, `INSERT INTO settlement_notifications (intent_id, audience) VALUES ($1, $2)
		ON CONFLICT (intent_id, audience) DO NOTHING`, intentID, audience)
	return err
}
