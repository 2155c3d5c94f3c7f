// Package notify delivers settlement outcomes to users, and review requests
// to admins, at least once.
//
// The engine schedules a river job inside the settlement transaction; the
// worker sends the message and records delivery per intent and audience so
// redelivered jobs do not message anyone twice.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"

	"github.com/alipayeth/backend/internal/models"
	"github.com/alipayeth/backend/internal/money"
	"github.com/alipayeth/backend/internal/settlement"
)

type NotifyArgs struct {
	Notification settlement.Notification `json:"notification"`
}

func (NotifyArgs) Kind() string { return "notify_settlement" }

// InsertOpts makes a second insert for the same notification a no-op.
func (NotifyArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: 10,
		UniqueOpts:  river.UniqueOpts{ByArgs: true},
	}
}

// InsertFunc inserts a job, inside tx when tx is non-nil.
type InsertFunc func(ctx context.Context, tx pgx.Tx, args NotifyArgs) error

// Enqueuer implements settlement.Notifier on top of river. The insert
// function is bound after the river client exists.
type Enqueuer struct {
	mu     sync.Mutex
	insert InsertFunc
}

func NewEnqueuer() *Enqueuer {
	return &Enqueuer{}
}

func (e *Enqueuer) Bind(fn InsertFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.insert = fn
}

var _ settlement.Notifier = (*Enqueuer)(nil)

func (e *Enqueuer) Notify(ctx context.Context, tx pgx.Tx, n settlement.Notification) error {
	e.mu.Lock()
	fn := e.insert
	e.mu.Unlock()
	if fn == nil {
		return fmt.Errorf("notification queue not bound")
	}
	return fn(ctx, tx, NotifyArgs{Notification: n})
}

// Sender delivers a text message to a Telegram chat.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// Deduper records which intents have already been announced to an audience.
type Deduper interface {
	Delivered(ctx context.Context, intentID uuid.UUID, audience string) (bool, error)
	MarkDelivered(ctx context.Context, intentID uuid.UUID, audience string) error
}

type NotifyWorker struct {
	river.WorkerDefaults[NotifyArgs]
	sender     Sender
	deduper    Deduper
	conv       money.Converter
	adminChats []int64
	log        *slog.Logger
}

// NewNotifyWorker delivers user notifications to the paying user's chat and
// admin notifications to every chat in adminChats.
func NewNotifyWorker(sender Sender, deduper Deduper, conv money.Converter, adminChats []int64, log *slog.Logger) *NotifyWorker {
	if log == nil {
		log = slog.Default()
	}
	return &NotifyWorker{sender: sender, deduper: deduper, conv: conv, adminChats: adminChats, log: log}
}

func (w *NotifyWorker) Work(ctx context.Context, job *river.Job[NotifyArgs]) error {
	n := job.Args.Notification
	audience := n.Audience
	if audience == "" {
		audience = settlement.AudienceUser
	}
	done, err := w.deduper.Delivered(ctx, n.IntentID, audience)
	if err != nil {
		return fmt.Errorf("check delivery of %s: %w", n.IntentID, err)
	}
	if done {
		return nil
	}

	chats := []int64{n.SubjectID}
	text := Render(n, w.conv)
	if audience == settlement.AudienceAdmin {
		if len(w.adminChats) == 0 {
			w.log.Warn("no admin chats configured, review request not sent", "reference", n.Reference)
			return nil
		}
		chats = w.adminChats
		text = RenderReviewRequest(n, w.conv)
	}
	for _, chatID := range chats {
		if err := w.sender.Send(ctx, chatID, text); err != nil {
			return fmt.Errorf("send %s notification for %s: %w", audience, n.Reference, err)
		}
	}
	if err := w.deduper.MarkDelivered(ctx, n.IntentID, audience); err != nil {
		return fmt.Errorf("mark %s delivered: %w", n.IntentID, err)
	}
	return nil
}

// Render produces the one-line outcome message. Menus and localization are
// the chat UI's job.
func Render(n settlement.Notification, conv money.Converter) string {
	amount := conv.Display(n.AmountMinor)
	var b strings.Builder
	switch n.Outcome {
	case settlement.OutcomeVerified:
		if n.Kind == models.KindRegistration {
			fmt.Fprintf(&b, "Registration confirmed. Payment of %s received, your subscription is active.", amount)
		} else {
			fmt.Fprintf(&b, "Deposit of %s confirmed. Balance: %s.", amount, conv.Display(n.BalanceMinor))
		}
	case settlement.OutcomeRejected:
		fmt.Fprintf(&b, "Payment of %s was rejected.", amount)
	case settlement.OutcomeExpired:
		fmt.Fprintf(&b, "Payment request for %s expired before it was confirmed.", amount)
	case settlement.OutcomeFailed:
		fmt.Fprintf(&b, "Payment of %s could not be confirmed by the gateway.", amount)
	default:
		fmt.Fprintf(&b, "Payment of %s: %s.", amount, n.Outcome)
	}
	if n.Reason != "" && n.Outcome == settlement.OutcomeRejected {
		fmt.Fprintf(&b, " Reason: %s.", strings.TrimRight(n.Reason, "."))
	}
	fmt.Fprintf(&b, " Ref: %s", n.Reference)
	return b.String()
}

// RenderReviewRequest produces the admin message for an intent waiting on a
// reviewer.
func RenderReviewRequest(n settlement.Notification, conv money.Converter) string {
	var b strings.Builder
	if n.NeedsReview {
		fmt.Fprintf(&b, "Payment %s flagged for review", n.Reference)
		if n.Reason != "" {
			fmt.Fprintf(&b, ": %s", strings.TrimRight(n.Reason, "."))
		}
		b.WriteString(".")
	} else {
		fmt.Fprintf(&b, "Bank transfer %s awaiting review.", n.Reference)
	}
	fmt.Fprintf(&b, " User %d, %s of %s.", n.SubjectID, n.Kind, conv.Display(n.AmountMinor))
	return b.String()
}
