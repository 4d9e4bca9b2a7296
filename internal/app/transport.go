package app

import (
	"fmt"
	"os"
	"strings"

	"nudgebot/internal/config"
	"nudgebot/internal/transport"
	"nudgebot/internal/transport/amqp"
	"nudgebot/internal/transport/console"
	"nudgebot/internal/transport/telegram"
	logx "nudgebot/pkg/logx"
)

// newTransport builds the delivery adapter for transport.driver. The adapter
// is not started.
func newTransport(cfg *config.Config, log logx.Logger) (transport.Adapter, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Transport.Driver))
	switch driver {
	case "", "telegram":
		timeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 0)
		if err != nil {
			return nil, err
		}
		return telegram.New(telegram.Config{
			Token:   cfg.Telegram.Token,
			Timeout: timeout,
		}, log)
	case "amqp":
		a := cfg.Transport.AMQP
		return amqp.New(amqp.Config{
			URL:        a.URL,
			Exchange:   a.Exchange,
			RoutingKey: a.RoutingKey,
		}, log)
	case "console":
		return console.New(os.Stdout, log), nil
	default:
		return nil, fmt.Errorf("unknown transport driver %q", cfg.Transport.Driver)
	}
}
