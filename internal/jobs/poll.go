package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/riverqueue/river"

	"github.com/alipayeth/backend/internal/settlement"
)

// PollPendingArgs triggers one reconciliation pass over pending gateway intents.
type PollPendingArgs struct{}

func (PollPendingArgs) Kind() string { return "poll_pending" }

// Runner is satisfied by *settlement.Poller.
type Runner interface {
	RunOnce(ctx context.Context) (settlement.PollSummary, error)
}

type PollWorker struct {
	river.WorkerDefaults[PollPendingArgs]
	runner  Runner
	timeout time.Duration
	logger  *slog.Logger
}

func NewPollWorker(runner Runner, timeout time.Duration, logger *slog.Logger) *PollWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &PollWorker{runner: runner, timeout: timeout, logger: logger}
}

// Timeout bounds a single pass so a hung gateway cannot pin the worker.
func (w *PollWorker) Timeout(*river.Job[PollPendingArgs]) time.Duration {
	return w.timeout
}

func (w *PollWorker) Work(ctx context.Context, job *river.Job[PollPendingArgs]) error {
	sum, err := w.runner.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("poll pass: %w", err)
	}
	if sum.Errors > 0 {
		w.logger.Warn("poll pass had failures", "errors", sum.Errors, "scanned", sum.Scanned)
	}
	return nil
}
