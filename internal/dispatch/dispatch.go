// Package dispatch fires claimed occurrences: it assembles the reminder,
// delivers it and writes the outcome back to the ledger.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"nudgebot/internal/generator"
	"nudgebot/internal/ledger"
	"nudgebot/internal/notifier"
	"nudgebot/internal/observability/metrics"
	"nudgebot/internal/storage"
	"nudgebot/internal/transport"
	logx "nudgebot/pkg/logx"
)

const recordTimeout = 5 * time.Second

// Due is one occurrence whose fire instant has been reached.
type Due struct {
	Entity storage.Entity
	User   storage.User
	Key    string
	FireAt time.Time
	// Local is FireAt in the user's zone; zero means FireAt in UTC.
	Local time.Time
}

type Deliverer interface {
	Deliver(ctx context.Context, d notifier.Delivery) (notifier.Receipt, error)
}

type Dispatcher struct {
	ledger *ledger.Ledger
	out    Deliverer
	cache  storage.ContentStore
	log    logx.Logger
	now    func() time.Time
}

type Option func(*Dispatcher)

func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

// WithContentCache counts each delivery of generated content against its
// cache entry.
func WithContentCache(cs storage.ContentStore) Option { return func(d *Dispatcher) { d.cache = cs } }

func New(l *ledger.Ledger, out Deliverer, log logx.Logger, opts ...Option) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{ledger: l, out: out, log: log.With(logx.String("comp", "dispatch")), now: time.Now}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Fire claims due and, if this call won the claim, delivers the reminder.
// A lost claim returns nil. Delivery failures are recorded on the occurrence
// and returned wrapped in notifier.ErrDeliveryFailure; the occurrence stays
// fired either way.
func (d *Dispatcher) Fire(ctx context.Context, due Due) error {
	if ctx == nil {
		ctx = context.Background()
	}
	entityID, key := due.Entity.ID, due.Key
	log := d.log.With(logx.String("entity", entityID), logx.String("key", key))

	res, err := d.ledger.Claim(context.WithoutCancel(ctx), entityID, key)
	if err != nil {
		return err
	}
	if res == ledger.AlreadyFired {
		return nil
	}
	if lag := d.now().Sub(due.FireAt); lag > 0 {
		metrics.FireLag.Observe(lag.Seconds())
	}

	var (
		text      string
		kind      = "reminder"
		content   string
		generated bool
	)
	if due.Entity.Kind == storage.KindPing {
		text, kind = FormatGreeting(due.User.Name), "ping"
	} else {
		if due.Entity.IncludeContent {
			content, generated = d.content(ctx, due, log)
		}
		local := due.Local
		if local.IsZero() {
			local = due.FireAt.UTC()
		}
		text = FormatReminder(due.Entity.Title, local, content)
	}

	rc, derr := d.out.Deliver(ctx, notifier.Delivery{
		UserID: due.User.ID,
		Target: transport.ChatTarget{ChatID: due.User.ChatID, ThreadID: due.User.ThreadID},
		Text:   text,
		Kind:   kind,
		Key:    entityID + "/" + key,
	})

	out := storage.DeliveryOutcome{Status: storage.DeliveryDelivered, Attempts: rc.Attempts, At: d.now()}
	switch {
	case derr == nil:
		log.Info("reminder delivered", logx.Int("attempts", rc.Attempts))
	case ctx.Err() != nil:
		out.Status = storage.DeliveryAborted
		out.Err = derr.Error()
		log.Warn("reminder aborted by shutdown", logx.Err(derr))
	default:
		out.Status = storage.DeliveryFailed
		out.Err = derr.Error()
		log.Error("DeliveryFailure", logx.Int("attempts", rc.Attempts), logx.Err(derr))
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := d.ledger.RecordDelivery(rctx, entityID, key, out); err != nil {
		return errors.Join(derr, err)
	}
	if derr == nil && generated && d.cache != nil {
		if _, err := d.cache.MarkContentUsed(rctx, entityID, content, out.At); err != nil {
			log.Warn("content cache update failed", logx.Err(err))
		}
	}
	if derr != nil && !errors.Is(derr, notifier.ErrDeliveryFailure) {
		derr = fmt.Errorf("%w: %w", notifier.ErrDeliveryFailure, derr)
	}
	return derr
}

// content returns pre-generated text, or the fallback when generation did
// not finish in time. generated is false for the fallback.
func (d *Dispatcher) content(ctx context.Context, due Due, log logx.Logger) (text string, generated bool) {
	occ, ok, err := d.ledger.Status(context.WithoutCancel(ctx), due.Entity.ID, due.Key)
	if err != nil {
		log.Warn("read occurrence failed; using fallback content", logx.Err(err))
	}
	if ok && strings.TrimSpace(occ.Content) != "" {
		return occ.Content, true
	}
	if ok && occ.FailReason != "" {
		log.Info("using fallback content", logx.String("reason", occ.FailReason))
	}
	return generator.Fallback(due.Entity.Title, due.Key), false
}

// FormatGreeting renders the morning ping.
func FormatGreeting(name string) string {
	if name = strings.TrimSpace(name); name != "" {
		return "☀️ Good morning, " + name + "! Have a look at what today holds."
	}
	return "☀️ Good morning! Have a look at what today holds."
}

// FormatReminder renders the reminder text: title and local time, then the
// content block when present.
func FormatReminder(title string, local time.Time, content string) string {
	var b strings.Builder
	b.WriteString("🔔 ")
	b.WriteString(strings.TrimSpace(title))
	b.WriteString(" (")
	b.WriteString(local.Format("15:04"))
	b.WriteString(")")
	if c := strings.TrimSpace(content); c != "" {
		b.WriteString("\n\n")
		b.WriteString(c)
	}
	return b.String()
}
