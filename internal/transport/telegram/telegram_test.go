package telegram

import (
	"errors"
	"strings"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"nudgebot/internal/task/engine"
	logx "nudgebot/pkg/logx"
)

func TestSplitTelegramText(t *testing.T) {
	t.Parallel()

	short := "Morning run\n07:00"
	if got := splitTelegramText(short, 4000, ""); len(got) != 1 || got[0] != short {
		t.Fatalf("short text split: %q", got)
	}

	line := strings.Repeat("a", 30) + "\n"
	long := strings.Repeat(line, 10)
	got := splitTelegramText(long, 100, "")
	if len(got) < 3 {
		t.Fatalf("expected several chunks, got %d", len(got))
	}
	for i, c := range got {
		if n := len([]rune(c)); n > 100 {
			t.Fatalf("chunk %d has %d runes", i, n)
		}
		if strings.HasSuffix(c, "\n") || strings.HasPrefix(c, "\n") {
			t.Fatalf("chunk %d not trimmed: %q", i, c)
		}
	}
	if strings.Join(got, "\n") != strings.TrimRight(long, "\n") {
		t.Fatalf("chunks lost content")
	}
}

func TestSplitTelegramTextAvoidsHTMLTags(t *testing.T) {
	t.Parallel()
	s := strings.Repeat("x", 15) + "<b>bold</b>"
	got := splitTelegramText(s, 18, "HTML")
	if len(got) < 2 {
		t.Fatalf("expected split, got %q", got)
	}
	if got[0] != strings.Repeat("x", 15) {
		t.Fatalf("first chunk cut inside tag: %q", got[0])
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		noRetry    bool
		wantHint   time.Duration
		wantHinted bool
	}{
		{name: "blocked", err: &tele.Error{Code: 403, Description: "Forbidden: bot was blocked by the user"}, noRetry: true},
		{name: "flood", err: tele.FloodError{RetryAfter: 7}, wantHint: 7 * time.Second, wantHinted: true},
		{name: "unknown 400", err: errors.New("telegram: Bad Request: chat not found (400)"), noRetry: true},
		{name: "server error", err: errors.New("telegram: Internal Server Error (500)")},
		{name: "network", err: errors.New("dial tcp: i/o timeout")},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := classify(tt.err)
			if engine.IsNoRetry(got) != tt.noRetry {
				t.Fatalf("IsNoRetry=%v want %v", engine.IsNoRetry(got), tt.noRetry)
			}
			hint, ok := engine.RetryHint(got)
			if ok != tt.wantHinted || hint != tt.wantHint {
				t.Fatalf("hint=(%v,%v) want (%v,%v)", hint, ok, tt.wantHint, tt.wantHinted)
			}
		})
	}

	if classify(nil) != nil {
		t.Fatalf("classify(nil) should be nil")
	}
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Token: " "}, logx.Nop()); err == nil {
		t.Fatalf("expected error for empty token")
	}
}
