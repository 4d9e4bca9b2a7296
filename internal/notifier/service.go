package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"nudgebot/internal/eventbus"
	"nudgebot/internal/observability/metrics"
	"nudgebot/internal/task/engine"
	"nudgebot/internal/transport"
	logx "nudgebot/pkg/logx"

	"golang.org/x/time/rate"
)

const historySize = 300

// Service sends messages with pacing and retry.
//
// It is safe for concurrent use.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	sender  transport.Sender

	log logx.Logger
	bus eventbus.Bus

	rmu sync.Mutex
	rng *rand.Rand

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender transport.Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender: sender,
		log:    log.With(logx.String("comp", "notifier")),
		bus:    bus,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.applyLocked(cfg)
	return s
}

// Apply swaps the pacing and retry settings. In-flight deliveries keep the
// snapshot they started with.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	s.cfg = cfg
	burst := int(cfg.RatePerSec)
	if burst < 1 {
		burst = 1
	}
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
}

// SetSender replaces the transport. Used when the transport is rebuilt on
// config reload.
func (s *Service) SetSender(sender transport.Sender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

// Deliver sends d.Text to d.Target and returns once it was accepted by the
// transport, retries were exhausted, or ctx was cancelled.
func (s *Service) Deliver(ctx context.Context, d Delivery) (Receipt, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	sender := s.sender
	s.mu.Unlock()

	if sender == nil {
		return Receipt{}, &FailureError{Err: errors.New("no transport configured")}
	}
	if strings.TrimSpace(d.Text) == "" {
		return Receipt{}, &FailureError{Err: errors.New("empty message")}
	}

	log := s.log.With(logx.String("user", d.UserID), logx.String("kind", d.Kind), logx.String("key", d.Key))
	opt := &transport.SendOptions{DisablePreview: true, Kind: d.Kind}
	maxAttempts := 1 + cfg.RetryMax

	var lastErr error
	attempt := 0
	for attempt < maxAttempts {
		attempt++
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return Receipt{Attempts: attempt - 1}, s.fail(d, attempt-1, fmt.Errorf("rate limit wait: %w", ctxErrOr(ctx, err)))
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		ref, err := sender.SendText(callCtx, d.Target, d.Text, opt)
		cancel()
		if err == nil {
			metrics.SendAttempts.WithLabelValues("ok").Inc()
			s.appendHistory(HistoryItem{At: time.Now(), UserID: d.UserID, Kind: d.Kind, Key: d.Key, Attempts: attempt})
			eventbus.Publish(s.bus, eventbus.DeliverySent, DeliveryEvent{UserID: d.UserID, ChatID: d.Target.ChatID, Kind: d.Kind, Key: d.Key, Attempts: attempt, At: time.Now()})
			if attempt > 1 {
				log.Info("delivered after retry", logx.Int("attempt", attempt))
			}
			return Receipt{Ref: ref, Attempts: attempt}, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			metrics.SendAttempts.WithLabelValues("cancelled").Inc()
			return Receipt{Attempts: attempt}, s.fail(d, attempt, ctx.Err())
		}
		if engine.IsNoRetry(err) {
			metrics.SendAttempts.WithLabelValues("permanent").Inc()
			log.Warn("send rejected", logx.Err(err), logx.Int("attempt", attempt))
			break
		}
		metrics.SendAttempts.WithLabelValues("transient").Inc()
		log.Debug("send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if attempt >= maxAttempts {
			break
		}
		delay := s.retryDelay(cfg, attempt)
		if hint, ok := engine.RetryHint(err); ok && hint > 0 {
			delay = hint
			if delay > cfg.RetryMaxDelay {
				delay = cfg.RetryMaxDelay
			}
		}
		if delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return Receipt{Attempts: attempt}, s.fail(d, attempt, ctx.Err())
		}
	}

	return Receipt{Attempts: attempt}, s.fail(d, attempt, lastErr)
}

func (s *Service) fail(d Delivery, attempts int, err error) error {
	ferr := &FailureError{Attempts: attempts, Err: err}
	s.appendHistory(HistoryItem{At: time.Now(), UserID: d.UserID, Kind: d.Kind, Key: d.Key, Attempts: attempts, Error: err.Error()})
	eventbus.Publish(s.bus, eventbus.DeliveryFailed, DeliveryEvent{UserID: d.UserID, ChatID: d.Target.ChatID, Kind: d.Kind, Key: d.Key, Attempts: attempts, At: time.Now(), Error: err.Error()})
	s.log.Warn("delivery failed",
		logx.String("user", d.UserID),
		logx.String("kind", d.Kind),
		logx.String("key", d.Key),
		logx.Int("attempts", attempts),
		logx.Err(err),
	)
	return ferr
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}

// retryDelay is the wait before attempt+1: exponential from RetryBase,
// capped at RetryMaxDelay, jittered by 0.7..1.3.
func (s *Service) retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	s.rmu.Lock()
	j := 0.7 + s.rng.Float64()*0.6
	s.rmu.Unlock()
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}

func ctxErrOr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
