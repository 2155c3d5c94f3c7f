// Package app wires repositories, the settlement engine and the job queue
// from a loaded config. Both the API server and settlectl start here.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"

	"github.com/alipayeth/backend/internal/auth"
	"github.com/alipayeth/backend/internal/config"
	"github.com/alipayeth/backend/internal/db"
	"github.com/alipayeth/backend/internal/gateway"
	"github.com/alipayeth/backend/internal/intents"
	"github.com/alipayeth/backend/internal/jobs"
	"github.com/alipayeth/backend/internal/ledger"
	"github.com/alipayeth/backend/internal/notify"
	"github.com/alipayeth/backend/internal/referral"
	"github.com/alipayeth/backend/internal/repository"
	"github.com/alipayeth/backend/internal/review"
	"github.com/alipayeth/backend/internal/settlement"
)

type App struct {
	Config *config.Config
	Logger *slog.Logger

	Pool      *pgxpool.Pool
	Intents   *repository.IntentRepo
	Ledger    *ledger.Repository
	Gateway   *gateway.Client
	Referrals *referral.Linker
	Engine    *settlement.Engine
	Poller    *settlement.Poller
	River     *river.Client[pgx.Tx]

	IntentService intents.Service
	ReviewService review.Service
	AuthService   auth.Service
}

// NewLogger returns a JSON logger at the named level; unknown levels fall
// back to info.
func NewLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

type Options struct {
	// Periodic schedules the background poll job. The API server sets it;
	// one-shot CLI commands do not.
	Periodic bool
}

// New connects to Postgres, applies migrations and builds every service.
// Callers own Close.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*App, error) {
	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx, pool, logger); err != nil {
		pool.Close()
		return nil, err
	}

	a := &App{Config: cfg, Logger: logger, Pool: pool}
	if err := a.wire(opts); err != nil {
		pool.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(opts Options) error {
	cfg, logger := a.Config, a.Logger
	conv := cfg.Converter()

	a.Intents = repository.NewIntentRepo(a.Pool)
	a.Ledger = ledger.NewRepository(a.Pool)
	ledgerSvc := ledger.NewService(a.Ledger, cfg.Policy())

	a.Gateway = gateway.NewClient(gateway.Config{
		BaseURL:             cfg.Chapa.BaseURL,
		SecretKey:           cfg.Chapa.SecretKey,
		WebhookSecret:       cfg.Chapa.WebhookSecret,
		CallbackURL:         cfg.Chapa.CallbackURL,
		ReturnURL:           cfg.Chapa.ReturnURL,
		CustomerEmailDomain: cfg.Chapa.EmailDomain,
		Timeout:             cfg.Chapa.Timeout,
	}, logger)

	enqueuer := notify.NewEnqueuer()
	a.Referrals = referral.NewLinker(a.Pool)
	a.Engine = settlement.NewEngine(a.Pool, a.Intents, ledgerSvc, a.Gateway, enqueuer, a.Referrals,
		settlement.Config{FailureBudget: cfg.Settle.FailureBudget}, logger)
	a.Poller = settlement.NewPoller(a.Intents, a.Engine, settlement.PollerConfig{
		Grace:       cfg.Poll.Grace,
		BackoffBase: cfg.Poll.BackoffBase,
		BackoffMax:  cfg.Poll.BackoffMax,
		BatchSize:   cfg.Poll.BatchSize,
	}, logger)

	var sender notify.Sender = notify.NewLogSender(logger)
	if cfg.Telegram.BotToken != "" {
		tg, err := notify.NewTelegramSender(cfg.Telegram.BotToken)
		if err != nil {
			return fmt.Errorf("telegram sender: %w", err)
		}
		sender = tg
	}

	rc, err := jobs.NewClient(a.Pool,
		jobs.NewPollWorker(a.Poller, cfg.Poll.Timeout, logger),
		notify.NewNotifyWorker(sender, notify.NewPGDeduper(a.Pool), conv, cfg.Telegram.AdminChatIDs, logger),
		jobs.Config{PollInterval: cfg.Poll.Interval, MaxWorkers: cfg.Poll.Workers, Periodic: opts.Periodic},
		logger)
	if err != nil {
		return err
	}
	a.River = rc
	enqueuer.Bind(jobs.InsertFunc(rc))

	a.IntentService = intents.NewService(a.Intents, a.Ledger, a.Gateway, enqueuer, intents.Config{
		Policy:    cfg.Policy(),
		IntentTTL: cfg.Settle.IntentTTL,
		Converter: conv,
	}, logger)
	a.ReviewService = review.NewService(a.Intents, a.Engine, logger)
	a.AuthService = auth.NewService(auth.NewRepository(cfg.Admin.Reviewers), cfg.Admin.JWTSecret, cfg.Admin.TokenTTL)
	return nil
}

// Close stops the job client, if started, and releases the pool.
func (a *App) Close(ctx context.Context) {
	if a.River != nil {
		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := a.River.Stop(stopCtx); err != nil {
			a.Logger.Warn("river stop", "error", err)
		}
	}
	a.Pool.Close()
}
