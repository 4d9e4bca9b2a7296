// Package amqp publishes outgoing messages to a RabbitMQ exchange for an
// external push service.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	kit "nudgebot/internal/transport"
	logx "nudgebot/pkg/logx"
)

const MessageType = "nudgebot.message"

type Config struct {
	URL        string
	Exchange   string
	RoutingKey string
}

// Message is the JSON body of every publishing.
type Message struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Kind      string    `json:"kind,omitempty"`
	ChatID    int64     `json:"chat_id"`
	ThreadID  int       `json:"thread_id,omitempty"`
	Text      string    `json:"text"`
	ParseMode string    `json:"parse_mode,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type dialFunc func(cfg Config) (publisher, func() error, error)

type Adapter struct {
	cfg  Config
	log  logx.Logger
	dial dialFunc

	mu    sync.Mutex
	ch    publisher
	close func() error
	now   func() time.Time
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("amqp url is empty")
	}
	if strings.TrimSpace(cfg.Exchange) == "" {
		cfg.Exchange = "nudgebot.messages"
	}
	if strings.TrimSpace(cfg.RoutingKey) == "" {
		cfg.RoutingKey = "reminder"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, log: log.With(logx.String("comp", "amqp")), dial: dialExchange, now: time.Now}, nil
}

func (a *Adapter) Name() string { return "amqp" }

// Start connects and declares the exchange. It is idempotent.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ch != nil {
		return nil
	}
	return a.connectLocked()
}

func (a *Adapter) connectLocked() error {
	ch, closeFn, err := a.dial(a.cfg)
	if err != nil {
		return err
	}
	a.ch, a.close = ch, closeFn
	a.log.Info("connected to RabbitMQ", logx.String("exchange", a.cfg.Exchange))
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	closeFn := a.close
	a.ch, a.close = nil, nil
	a.mu.Unlock()
	if closeFn == nil {
		return nil
	}
	return closeFn()
}

// SendText publishes one persistent message. The routing key is the message
// kind when set, otherwise the configured default. A failed publish drops the
// connection so the next attempt redials.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	msg := Message{
		ID:        uuid.New().String(),
		Type:      MessageType,
		Kind:      opt.Kind,
		ChatID:    to.ChatID,
		ThreadID:  to.ThreadID,
		Text:      text,
		ParseMode: opt.ParseMode,
		Timestamp: a.now().UTC(),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return kit.MessageRef{}, fmt.Errorf("marshal message: %w", err)
	}
	key := a.cfg.RoutingKey
	if opt.Kind != "" {
		key = opt.Kind
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ch == nil {
		if err := a.connectLocked(); err != nil {
			return kit.MessageRef{}, err
		}
	}
	err = a.ch.PublishWithContext(ctx, a.cfg.Exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    msg.Timestamp,
		Type:         MessageType,
		Body:         body,
	})
	if err != nil {
		if a.close != nil {
			_ = a.close()
		}
		a.ch, a.close = nil, nil
		return kit.MessageRef{}, fmt.Errorf("publish to %s/%s: %w", a.cfg.Exchange, key, err)
	}
	a.log.Debug("published message", logx.String("routing_key", key), logx.String("message_id", msg.ID))
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, ID: msg.ID}, nil
}

func dialExchange(cfg Config) (publisher, func() error, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		cfg.Exchange, // name
		"topic",      // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	closeFn := func() error {
		var errs []error
		if err := ch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
		return errors.Join(errs...)
	}
	return ch, closeFn, nil
}
