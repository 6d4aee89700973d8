// Package verify confirms that a restarted service is actually serving.
//
// A restart that returns zero only proves the supervisor accepted the
// command. Verification polls a liveness endpoint with bounded attempts
// and growing intervals; the deploy is reported successful only once a
// probe passes every configured assertion.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// maxBodyBytes caps how much of a probe response is read.
const maxBodyBytes = 1 << 20

// Config configures the verifier.
type Config struct {
	// URL is the liveness endpoint.
	URL string

	// ExpectStatus is the required HTTP status.
	ExpectStatus int

	// BodyRegex, when non-empty, must match the response body.
	BodyRegex string

	// JSONFields are optional assertions on a JSON response body.
	JSONFields []JSONFieldAssertion

	// Attempts bounds the number of probes.
	Attempts int

	// Interval is the initial spacing between probes.
	Interval time.Duration

	// BackoffFactor grows the interval after each failed probe.
	BackoffFactor float64

	// MaxInterval caps the grown interval.
	MaxInterval time.Duration

	// AttemptTimeout bounds a single probe request.
	AttemptTimeout time.Duration
}

// JSONFieldAssertion asserts on a dotted path into a JSON response body.
type JSONFieldAssertion struct {
	// Path is a dotted field path, e.g. "status" or "info.version".
	Path string

	// Equals is the required string form of the value.
	Equals string
}

// Outcome reports how verification concluded.
type Outcome struct {
	// Attempts is how many probes ran.
	Attempts int

	// Elapsed is the total time spent probing.
	Elapsed time.Duration
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("verify: service not live after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *ExhaustedError) Unwrap() error {
	return e.LastErr
}

// Verifier polls a liveness endpoint.
type Verifier struct {
	cfg       Config
	client    *http.Client
	bodyRegex *regexp.Regexp
}

// New creates a Verifier. The BodyRegex is compiled eagerly so a bad
// pattern fails before the pipeline restarts anything.
func New(cfg Config) (*Verifier, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("verify: URL is required")
	}
	if cfg.Attempts < 1 {
		return nil, fmt.Errorf("verify: attempts must be at least 1")
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = 1
	}

	v := &Verifier{
		cfg:    cfg,
		client: &http.Client{},
	}
	if cfg.BodyRegex != "" {
		re, err := regexp.Compile(cfg.BodyRegex)
		if err != nil {
			return nil, fmt.Errorf("verify: compile body regex: %w", err)
		}
		v.bodyRegex = re
	}
	return v, nil
}

// Run probes until a probe succeeds or attempts are exhausted.
//
// Probes are paced by a rate limiter whose interval grows by the backoff
// factor after each failure, capped at MaxInterval. The first probe fires
// immediately. Context cancellation aborts between probes and mid-request.
func (v *Verifier) Run(ctx context.Context) (*Outcome, error) {
	start := time.Now()
	interval := v.cfg.Interval
	limiter := rate.NewLimiter(rate.Every(interval), 1)

	var lastErr error
	for attempt := 1; attempt <= v.cfg.Attempts; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return &Outcome{Attempts: attempt - 1, Elapsed: time.Since(start)}, err
		}

		if err := v.probe(ctx); err == nil {
			return &Outcome{Attempts: attempt, Elapsed: time.Since(start)}, nil
		} else {
			lastErr = err
		}

		if ctx.Err() != nil {
			return &Outcome{Attempts: attempt, Elapsed: time.Since(start)}, ctx.Err()
		}

		interval = time.Duration(float64(interval) * v.cfg.BackoffFactor)
		if v.cfg.MaxInterval > 0 && interval > v.cfg.MaxInterval {
			interval = v.cfg.MaxInterval
		}
		limiter.SetLimit(rate.Every(interval))
	}

	return &Outcome{Attempts: v.cfg.Attempts, Elapsed: time.Since(start)},
		&ExhaustedError{Attempts: v.cfg.Attempts, LastErr: lastErr}
}

// probe performs one liveness request and evaluates every assertion.
func (v *Verifier) probe(ctx context.Context) error {
	if v.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.cfg.AttemptTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	if v.cfg.ExpectStatus != 0 && resp.StatusCode != v.cfg.ExpectStatus {
		return fmt.Errorf("status %d (want %d)", resp.StatusCode, v.cfg.ExpectStatus)
	}

	if v.bodyRegex != nil && !v.bodyRegex.Match(body) {
		return fmt.Errorf("body does not match %q", v.cfg.BodyRegex)
	}

	if len(v.cfg.JSONFields) > 0 {
		if err := assertJSONFields(body, v.cfg.JSONFields); err != nil {
			return err
		}
	}

	return nil
}

// assertJSONFields checks dotted-path assertions against a JSON body.
func assertJSONFields(body []byte, assertions []JSONFieldAssertion) error {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("body is not JSON: %w", err)
	}

	for _, a := range assertions {
		val, ok := lookupPath(doc, a.Path)
		if !ok {
			return fmt.Errorf("json field %q not present", a.Path)
		}
		if got := stringify(val); got != a.Equals {
			return fmt.Errorf("json field %q = %q (want %q)", a.Path, got, a.Equals)
		}
	}
	return nil
}

func lookupPath(doc any, path string) (any, bool) {
	cur := doc
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return fmt.Sprintf("%t", t)
	case float64:
		// JSON numbers decode as float64; trim the fraction for integers.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%v", t)
	}
}
