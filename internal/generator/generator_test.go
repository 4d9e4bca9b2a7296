package generator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	logx "nudgebot/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFallbackIsDeterministic(t *testing.T) {
	t.Parallel()
	tests := []struct {
		title string
		want  []string
	}{
		{"Morning workout", fallbacks[0].variants},
		{"Read a book", fallbacks[1].variants},
		{"Meditation", fallbacks[2].variants},
		{"Drink water", fallbacks[3].variants},
	}
	for _, tt := range tests {
		got := Fallback(tt.title, "2024-05-01")
		assert.Contains(t, tt.want, got, tt.title)
		assert.Equal(t, got, Fallback(tt.title, "2024-05-01"))
	}
	assert.Equal(t, "Time for Call mom", Fallback(" Call mom ", "2024-05-01"))
}

func TestOpenAIGenerate(t *testing.T) {
	t.Parallel()
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Request-Id"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  10 squats  "}}]}`))
	}))
	defer srv.Close()

	g, err := NewOpenAI(Config{BaseURL: srv.URL + "/v1/", APIKey: "sk-test", Model: "test-model"}, srv.Client(), logx.Nop())
	require.NoError(t, err)

	text, err := g.Generate(context.Background(), Request{EntityID: "h1", Key: "2024-05-01", Title: "Workout", Prompt: "Be a drill sergeant."})
	require.NoError(t, err)
	assert.Equal(t, "10 squats", text)
	assert.Equal(t, "test-model", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "Be a drill sergeant.", got.Messages[0].Content)
	assert.Contains(t, got.Messages[1].Content, "Workout")
}

func TestOpenAIErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"api error body", http.StatusTooManyRequests, `{"error":{"type":"rate_limit","message":"slow down"}}`, "API error (429): slow down"},
		{"raw body", http.StatusBadGateway, `upstream down`, "API error (502): upstream down"},
		{"empty content", http.StatusOK, `{"choices":[{"message":{"content":"   "}}]}`, ErrEmptyContent.Error()},
		{"no choices", http.StatusOK, `{"choices":[]}`, ErrEmptyContent.Error()},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()
			g, err := NewOpenAI(Config{BaseURL: srv.URL, APIKey: "k"}, srv.Client(), logx.Nop())
			require.NoError(t, err)
			_, err = g.Generate(context.Background(), Request{Title: "x"})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestOpenAIHonoursContext(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	g, err := NewOpenAI(Config{BaseURL: srv.URL, APIKey: "k"}, srv.Client(), logx.Nop())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.Generate(ctx, Request{Title: "x"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewProvider(t *testing.T) {
	t.Setenv("NUDGEBOT_TEST_NO_KEY", "")
	g, err := New("openai", Config{APIKeyEnv: "NUDGEBOT_TEST_NO_KEY"}, logx.Nop())
	require.NoError(t, err)
	assert.IsType(t, Static{}, g)

	g, err = New("openai", Config{APIKey: "k"}, logx.Nop())
	require.NoError(t, err)
	assert.IsType(t, &OpenAI{}, g)

	_, err = New("bard", Config{}, logx.Nop())
	assert.Error(t, err)
}
