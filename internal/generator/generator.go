// Package generator produces short habit content for reminders.
package generator

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	logx "nudgebot/pkg/logx"
)

// Request carries the entity context for one occurrence.
type Request struct {
	EntityID string
	Key      string
	Title    string
	Prompt   string // custom system prompt; empty uses the default coach prompt
	FireAt   time.Time
}

type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Static never calls out; it returns Fallback text.
type Static struct{}

func (Static) Generate(_ context.Context, req Request) (string, error) {
	return Fallback(req.Title, req.Key), nil
}

type fallbackSet struct {
	keywords []string
	variants []string
}

var fallbacks = []fallbackSet{
	{
		keywords: []string{"workout", "exercise", "training", "gym", "push-up", "squat"},
		variants: []string{
			"10 squats\n5 push-ups\n1 minute plank",
			"15 squats\n10 push-ups\n30 seconds plank",
			"20 squats\n3 burpees\n1 minute stretching",
		},
	},
	{
		keywords: []string{"read", "book"},
		variants: []string{
			"Read 10 pages of your book",
			"Read for 15 minutes before bed",
			"Read one chapter",
		},
	},
	{
		keywords: []string{"meditat", "breath", "mindful"},
		variants: []string{
			"5 minutes of meditation focused on your breath",
			"3 minutes of mindful breathing",
			"10 minutes of quiet meditation",
		},
	},
	{
		keywords: []string{"water", "drink", "hydrat"},
		variants: []string{
			"Drink 2 glasses of water",
			"Drink 500ml of water",
			"Drink a glass of water right now",
		},
	},
}

// Fallback picks keyword-matched text for title. The variant is chosen from
// key, so the same occurrence always gets the same text.
func Fallback(title, key string) string {
	low := strings.ToLower(title)
	for _, set := range fallbacks {
		for _, kw := range set.keywords {
			if strings.Contains(low, kw) {
				h := fnv.New32a()
				_, _ = h.Write([]byte(key))
				return set.variants[int(h.Sum32()%uint32(len(set.variants)))]
			}
		}
	}
	return fmt.Sprintf("Time for %s", strings.TrimSpace(title))
}

// New builds the generator for provider. "openai" without a key degrades to
// Static with a warning.
func New(provider string, cfg Config, log logx.Logger) (Generator, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "static", "none":
		return Static{}, nil
	case "", "openai":
		if cfg.ResolveAPIKey() == "" {
			if !log.IsZero() {
				log.Warn("generator api key not set; using fallback content")
			}
			return Static{}, nil
		}
		return NewOpenAI(cfg, nil, log)
	default:
		return nil, fmt.Errorf("unknown generator provider %q", provider)
	}
}
