// Package console is a development transport: messages are logged instead
// of sent.
package console

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	kit "nudgebot/internal/transport"
	logx "nudgebot/pkg/logx"
)

type Adapter struct {
	log logx.Logger

	mu  sync.Mutex
	w   io.Writer
	seq atomic.Int64
}

// New writes each message to w when it is non-nil, and always logs it.
func New(w io.Writer, log logx.Logger) *Adapter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{w: w, log: log.With(logx.String("comp", "console"))}
}

func (a *Adapter) Name() string                    { return "console" }
func (a *Adapter) Start(ctx context.Context) error { return nil }
func (a *Adapter) Stop(ctx context.Context) error  { return nil }

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if ctx != nil && ctx.Err() != nil {
		return kit.MessageRef{}, ctx.Err()
	}
	kind := ""
	if opt != nil {
		kind = opt.Kind
	}
	id := int(a.seq.Add(1))
	if a.w != nil {
		a.mu.Lock()
		_, err := fmt.Fprintf(a.w, "[%s -> %d] %s\n", kind, to.ChatID, text)
		a.mu.Unlock()
		if err != nil {
			return kit.MessageRef{}, err
		}
	}
	a.log.Info("message", logx.Int64("chat_id", to.ChatID), logx.String("kind", kind), logx.String("text", text))
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: id}, nil
}
