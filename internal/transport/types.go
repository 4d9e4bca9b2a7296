package transport

import "context"

// ChatTarget addresses a single conversation on the delivery platform.
// For Telegram it is a chat id plus an optional forum thread.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// MessageRef identifies a delivered message.
// ID is set by transports that do not have numeric message ids (e.g. AMQP).
type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
	ID        string
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	// Kind tags the message for transports that route by type ("reminder", "escalation", "ops").
	Kind string
}

// Sender is the delivery collaborator: push text to one target.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// Adapter is a Sender with a lifecycle.
type Adapter interface {
	Sender
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
