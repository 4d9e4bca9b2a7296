package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	logx "nudgebot/pkg/logx"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModel     = "gpt-4o-mini"
	defaultMaxTokens = 300

	defaultSystemPrompt = "You are a personal habit coach. Write one short (1-3 lines), concrete and doable " +
		"task for the habit. Use numbers and be specific. No emoji."
)

var ErrEmptyContent = errors.New("generator returned empty content")

// Config configures the OpenAI-compatible client.
type Config struct {
	BaseURL    string
	APIKey     string
	APIKeyEnv  string // default OPENAI_API_KEY
	Model      string // default $LLM_MODEL, then gpt-4o-mini
	MaxTokens  int
	RatePerSec float64 // 0 disables limiting
}

// OpenAI talks to a chat-completions endpoint.
type OpenAI struct {
	baseURL   string
	apiKey    string
	model     string
	maxTokens int
	client    *http.Client
	limiter   *rate.Limiter
	log       logx.Logger
}

// ResolveAPIKey returns the configured key or the value of its environment variable.
func (c Config) ResolveAPIKey() string {
	if k := strings.TrimSpace(c.APIKey); k != "" {
		return k
	}
	env := strings.TrimSpace(c.APIKeyEnv)
	if env == "" {
		env = "OPENAI_API_KEY"
	}
	return strings.TrimSpace(os.Getenv(env))
}

func NewOpenAI(cfg Config, client *http.Client, log logx.Logger) (*OpenAI, error) {
	key := cfg.ResolveAPIKey()
	if key == "" {
		return nil, errors.New("generator: api key not configured")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = strings.TrimSpace(os.Getenv("LLM_MODEL"))
	}
	if model == "" {
		model = defaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	if client == nil {
		client = &http.Client{Timeout: 90 * time.Second}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	o := &OpenAI{
		baseURL:   base,
		apiKey:    key,
		model:     model,
		maxTokens: maxTokens,
		client:    client,
		log:       log.With(logx.String("comp", "generator")),
	}
	if cfg.RatePerSec > 0 {
		burst := int(cfg.RatePerSec)
		if burst < 1 {
			burst = 1
		}
		o.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return o, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_completion_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type apiErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (o *OpenAI) Generate(ctx context.Context, req Request) (string, error) {
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	system := strings.TrimSpace(req.Prompt)
	if system == "" {
		system = defaultSystemPrompt
	}
	body, err := json.Marshal(chatRequest{
		Model: o.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: fmt.Sprintf("Write today's task for the habit %q.", req.Title)},
		},
		MaxTokens: o.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	reqID := uuid.NewString()
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	httpReq.Header.Set("X-Request-Id", reqID)

	start := time.Now()
	resp, err := o.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("calling chat API: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiErrorResponse
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
			return "", fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Error.Message)
		}
		return "", fmt.Errorf("API error (%d): %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var out chatResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", ErrEmptyContent
	}
	content := strings.TrimSpace(out.Choices[0].Message.Content)
	if content == "" {
		return "", ErrEmptyContent
	}
	o.log.Debug("content generated",
		logx.String("entity", req.EntityID),
		logx.String("key", req.Key),
		logx.String("request_id", reqID),
		logx.Duration("took", time.Since(start)),
	)
	return content, nil
}
