package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"

	"github.com/alipayeth/backend/internal/notify"
)

type Config struct {
	PollInterval time.Duration
	MaxWorkers   int
	// Periodic disables the scheduled poll job when false. Used by the CLI,
	// which only needs the client to enqueue notifications.
	Periodic bool
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 15 * time.Second
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 10
	}
	return c
}

// PeriodicPoll schedules PollPendingArgs every interval. Uniqueness by
// period keeps two API replicas from running the same pass twice.
func PeriodicPoll(interval time.Duration) *river.PeriodicJob {
	return river.NewPeriodicJob(
		river.PeriodicInterval(interval),
		func() (river.JobArgs, *river.InsertOpts) {
			return PollPendingArgs{}, &river.InsertOpts{
				MaxAttempts: 1,
				UniqueOpts:  river.UniqueOpts{ByPeriod: interval},
			}
		},
		&river.PeriodicJobOpts{RunOnStart: true},
	)
}

// NewClient registers the poll and notification workers and builds the
// river client.
func NewClient(pool *pgxpool.Pool, poll *PollWorker, notifyWorker *notify.NotifyWorker, cfg Config, logger *slog.Logger) (*river.Client[pgx.Tx], error) {
	cfg = cfg.withDefaults()
	workers := river.NewWorkers()
	if err := river.AddWorkerSafely(workers, poll); err != nil {
		return nil, fmt.Errorf("register poll worker: %w", err)
	}
	if err := river.AddWorkerSafely(workers, notifyWorker); err != nil {
		return nil, fmt.Errorf("register notify worker: %w", err)
	}
	rc := &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.MaxWorkers},
		},
		Workers: workers,
		Logger:  logger,
	}
	if cfg.Periodic {
		rc.PeriodicJobs = []*river.PeriodicJob{PeriodicPoll(cfg.PollInterval)}
	}
	client, err := river.NewClient(riverpgxv5.New(pool), rc)
	if err != nil {
		return nil, fmt.Errorf("create river client: %w", err)
	}
	return client, nil
}

// InsertFunc adapts a river client to notify.InsertFunc: inside tx when
// one is given, on its own otherwise.
func InsertFunc(client *river.Client[pgx.Tx]) notify.InsertFunc {
	return func(ctx context.Context, tx pgx.Tx, args notify.NotifyArgs) error {
		var err error
		if tx != nil {
			_, err = client.InsertTx(ctx, tx, args, nil)
		} else {
			_, err = client.Insert(ctx, args, nil)
		}
		return err
	}
}
