package notifier

import (
	"errors"
	"fmt"
	"time"

	"nudgebot/internal/transport"
)

var ErrDeliveryFailure = errors.New("delivery failed")

// Config controls retry and pacing. The app maps config.delivery into it.
type Config struct {
	RatePerSec    float64
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
}

// Delivery is one message to one user.
type Delivery struct {
	UserID string
	Target transport.ChatTarget
	Text   string
	Kind   string // "reminder", "escalation"
	Key    string // correlation id for logs, e.g. "h1/2024-05-01"
}

// Receipt describes a finished delivery.
type Receipt struct {
	Ref      transport.MessageRef
	Attempts int
}

// FailureError wraps the last send error after retries stop.
// errors.Is(err, ErrDeliveryFailure) holds for it.
type FailureError struct {
	Attempts int
	Err      error
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("%s after %d attempt(s): %v", ErrDeliveryFailure, e.Attempts, e.Err)
}

func (e *FailureError) Unwrap() []error { return []error{ErrDeliveryFailure, e.Err} }

type HistoryItem struct {
	At       time.Time
	UserID   string
	Kind     string
	Key      string
	Attempts int
	Error    string
}

// DeliveryEvent is published on the event bus.
type DeliveryEvent struct {
	UserID   string    `json:"user_id"`
	ChatID   int64     `json:"chat_id"`
	Kind     string    `json:"kind"`
	Key      string    `json:"key"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
