package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alipayeth/backend/internal/models"
)

// PollableLister returns gateway intents due at now under sched, soonest due
// first. Filtering happens in the store so intents waiting out a backoff
// never crowd due ones out of the batch.
type PollableLister interface {
	ListPollable(ctx context.Context, now time.Time, sched models.PollSchedule, limit int) ([]*models.PaymentIntent, error)
}

type Settler interface {
	Settle(ctx context.Context, reference string, trig Trigger) (Outcome, error)
}

type PollerConfig struct {
	// Grace leaves fresh intents to the webhook before polling them.
	Grace       time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
	BatchSize   int
	Now         func() time.Time
}

// PollSummary counts what one pass did.
type PollSummary struct {
	Scanned  int `json:"scanned"`
	Deferred int `json:"deferred"`
	Verified int `json:"verified"`
	Pending  int `json:"pending"`
	Failed   int `json:"failed"`
	Expired  int `json:"expired"`
	NoOp     int `json:"noop"`
	Errors   int `json:"errors"`
}

// Poller periodically asks the gateway about intents the webhook has not
// resolved.
type Poller struct {
	intents PollableLister
	settler Settler
	cfg     PollerConfig
	logger  *slog.Logger
}

func NewPoller(intents PollableLister, settler Settler, cfg PollerConfig, logger *slog.Logger) *Poller {
	if cfg.Grace <= 0 {
		cfg.Grace = 30 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 30 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 10 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{intents: intents, settler: settler, cfg: cfg, logger: logger}
}

func (p *Poller) schedule() models.PollSchedule {
	return models.PollSchedule{Grace: p.cfg.Grace, BackoffBase: p.cfg.BackoffBase, BackoffMax: p.cfg.BackoffMax}
}

// NextAttemptAt is the earliest time intent may be polled again.
func (p *Poller) NextAttemptAt(intent *models.PaymentIntent) time.Time {
	return p.schedule().NextAttemptAt(intent)
}

// RunOnce settles every due intent once. A failure on one intent is logged
// and counted; it never stops the pass.
func (p *Poller) RunOnce(ctx context.Context) (PollSummary, error) {
	var sum PollSummary
	now := p.cfg.Now()
	list, err := p.intents.ListPollable(ctx, now, p.schedule(), p.cfg.BatchSize)
	if err != nil {
		return sum, fmt.Errorf("list pollable intents: %w", err)
	}
	for _, intent := range list {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		sum.Scanned++
		if now.Before(p.NextAttemptAt(intent)) {
			sum.Deferred++
			continue
		}
		outcome, err := p.settleOne(ctx, intent.ExternalReference)
		if err != nil {
			sum.Errors++
			p.logger.Warn("poll settle failed", "reference", intent.ExternalReference, "error", err)
			continue
		}
		switch outcome {
		case OutcomeVerified:
			sum.Verified++
		case OutcomeStillPending:
			sum.Pending++
		case OutcomeFailed:
			sum.Failed++
		case OutcomeExpired:
			sum.Expired++
		default:
			sum.NoOp++
		}
	}
	if sum.Scanned > 0 {
		p.logger.Info("poll pass finished", "scanned", sum.Scanned, "deferred", sum.Deferred, "verified", sum.Verified,
			"pending", sum.Pending, "failed", sum.Failed, "expired", sum.Expired, "errors", sum.Errors)
	}
	return sum, nil
}

func (p *Poller) settleOne(ctx context.Context, reference string) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic settling %s: %v", reference, r)
		}
	}()
	return p.settler.Settle(ctx, reference, GatewayTrigger())
}
