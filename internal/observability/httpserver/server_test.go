package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	logx "nudgebot/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, h http.Handler, path string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerServesMetricsAndHealth(t *testing.T) {
	t.Parallel()
	s := New(Config{}, func() Health {
		return Health{OK: true, Details: map[string]any{"scheduler": "waiting"}}
	}, logx.Nop())
	h := s.Handler(Config{})

	rec := get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	rec = get(t, h, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	var body Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.OK)
	assert.Equal(t, "waiting", body.Details["scheduler"])

	assert.Equal(t, http.StatusNotFound, get(t, h, "/debug/pprof/").Code)
}

func TestHealthUnavailable(t *testing.T) {
	t.Parallel()
	s := New(Config{}, func() Health { return Health{OK: false} }, logx.Nop())
	assert.Equal(t, http.StatusServiceUnavailable, get(t, s.Handler(Config{}), "/healthz").Code)
}

func TestTokenAuth(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, logx.Nop())
	h := s.Handler(Config{Token: "s3cret", Pprof: true})

	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/healthz").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/healthz?token=nope").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz?token=s3cret").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/metrics", "Authorization", "Bearer s3cret").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/debug/pprof/", "Authorization", "Bearer s3cret").Code)
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"127.0.0.1:9090": true,
		"localhost:9090": true,
		"[::1]:9090":     true,
		":9090":          false,
		"0.0.0.0:9090":   false,
		"10.0.0.5:9090":  false,
		"garbage":        false,
	}
	for addr, want := range cases {
		assert.Equal(t, want, isLoopbackAddr(addr), addr)
	}
}

func TestStartServesAndStops(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, nil, logx.Nop())
	s.Start(context.Background())

	require.Eventually(t, func() bool { return s.Addr() != "" }, 3*time.Second, 10*time.Millisecond)
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"ok":true`)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.Empty(t, s.Addr())
}
