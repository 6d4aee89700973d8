package verify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(url string) Config {
	return Config{
		URL:            url,
		ExpectStatus:   200,
		Attempts:       5,
		Interval:       5 * time.Millisecond,
		BackoffFactor:  1.5,
		MaxInterval:    20 * time.Millisecond,
		AttemptTimeout: time.Second,
	}
}

func TestRun_SucceedsFirstAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Hello, from Flask App updated!"))
	}))
	defer srv.Close()

	v, err := New(fastConfig(srv.URL))
	require.NoError(t, err)

	out, err := v.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, out.Attempts)
}

func TestRun_SucceedsAfterServiceComesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	v, err := New(fastConfig(srv.URL))
	require.NoError(t, err)

	out, err := v.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, out.Attempts)
}

func TestRun_ExhaustsAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := fastConfig(srv.URL)
	cfg.Attempts = 3

	v, err := New(cfg)
	require.NoError(t, err)

	out, err := v.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 3, out.Attempts)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Contains(t, exhausted.Error(), "not live after 3 attempts")
}

func TestRun_BodyRegex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Hello, from Flask App updated!"))
	}))
	defer srv.Close()

	cfg := fastConfig(srv.URL)
	cfg.Attempts = 2
	cfg.BodyRegex = `Flask App`

	v, err := New(cfg)
	require.NoError(t, err)
	_, err = v.Run(context.Background())
	require.NoError(t, err)

	cfg.BodyRegex = `Maintenance`
	v, err = New(cfg)
	require.NoError(t, err)
	_, err = v.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "body does not match")
}

func TestRun_JSONFieldAssertions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","info":{"workers":4}}`))
	}))
	defer srv.Close()

	cfg := fastConfig(srv.URL)
	cfg.Attempts = 1
	cfg.JSONFields = []JSONFieldAssertion{
		{Path: "status", Equals: "ok"},
		{Path: "info.workers", Equals: "4"},
	}

	v, err := New(cfg)
	require.NoError(t, err)
	_, err = v.Run(context.Background())
	require.NoError(t, err)

	cfg.JSONFields = []JSONFieldAssertion{{Path: "status", Equals: "degraded"}}
	v, err = New(cfg)
	require.NoError(t, err)
	_, err = v.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `json field "status"`)
}

func TestRun_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := fastConfig(srv.URL)
	cfg.Attempts = 100
	cfg.Interval = 50 * time.Millisecond

	v, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	_, err = v.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRun_ConnectionRefused(t *testing.T) {
	// Nothing is listening on this address.
	cfg := fastConfig("http://127.0.0.1:1")
	cfg.Attempts = 2

	v, err := New(cfg)
	require.NoError(t, err)

	_, err = v.Run(context.Background())
	require.Error(t, err)

	var exhausted *ExhaustedError
	assert.ErrorAs(t, err, &exhausted)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Attempts: 1})
	assert.Error(t, err)

	_, err = New(Config{URL: "http://x", Attempts: 0})
	assert.Error(t, err)

	_, err = New(Config{URL: "http://x", Attempts: 1, BodyRegex: "("})
	assert.Error(t, err)
}
