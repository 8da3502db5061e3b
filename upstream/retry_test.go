package upstream

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// newTestCaller wires a caller against the server with instant sleeps
// and zero jitter, on a clock the test controls.
func newTestCaller(t *testing.T, serverURL string, policy RetryPolicy) (*Caller, *time.Time) {
	t.Helper()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	clock := &now

	c := NewCaller(NewClient(serverURL, "test-credential"), policy, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.now = func() time.Time { return *clock }
	c.sleep = func(ctx context.Context, d time.Duration) error {
		*clock = clock.Add(d)
		return ctx.Err()
	}
	c.jitter = func(max time.Duration) time.Duration { return 0 }
	return c, clock
}

func TestCallSucceedsFirstAttempt(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.Write([]byte(`{"id":"msg_1","usage":{"input_tokens":10,"output_tokens":5}}`))
	}))
	defer srv.Close()

	c, _ := newTestCaller(t, srv.URL, DefaultRetryPolicy())
	res, err := c.Call(context.Background(), []byte(`{}`), nil, time.Time{})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", res.StatusCode)
	}
	if n := atomic.LoadInt32(&attempts); n != 1 {
		t.Errorf("attempts = %d, want 1", n)
	}
}

func TestCallRetriesOn429ThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`))
			return
		}
		w.Write([]byte(`{"id":"msg_1","usage":{"input_tokens":10,"output_tokens":5}}`))
	}))
	defer srv.Close()

	c, clock := newTestCaller(t, srv.URL, DefaultRetryPolicy())
	start := *clock

	res, err := c.Call(context.Background(), []byte(`{}`), nil, time.Time{})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", res.StatusCode)
	}
	if n := atomic.LoadInt32(&attempts); n != 2 {
		t.Errorf("attempts = %d, want 2", n)
	}
	if waited := clock.Sub(start); waited != 3500*time.Millisecond {
		t.Errorf("waited %v, want 3.5s (Retry-After 3 plus margin)", waited)
	}
}

func TestCallDoesNotRetryPermanentFailures(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`))
	}))
	defer srv.Close()

	c, _ := newTestCaller(t, srv.URL, DefaultRetryPolicy())
	res, err := c.Call(context.Background(), []byte(`{}`), nil, time.Time{})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if res.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", res.StatusCode)
	}
	if n := atomic.LoadInt32(&attempts); n != 1 {
		t.Errorf("attempts = %d, want 1 (4xx is permanent)", n)
	}
}

func TestCallRetriesOverloadedBody(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"busy"}}`))
			return
		}
		w.Write([]byte(`{"id":"msg_1"}`))
	}))
	defer srv.Close()

	c, _ := newTestCaller(t, srv.URL, DefaultRetryPolicy())
	res, err := c.Call(context.Background(), []byte(`{}`), nil, time.Time{})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 after retrying overloaded upstream", res.StatusCode)
	}
}

func TestCallExhaustionReturnsLastResult(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"type":"error","error":{"type":"api_error","message":"boom"}}`))
	}))
	defer srv.Close()

	policy := DefaultRetryPolicy()
	policy.MaxRetries = 2
	c, _ := newTestCaller(t, srv.URL, policy)

	res, err := c.Call(context.Background(), []byte(`{}`), nil, time.Time{})
	if err != nil {
		t.Fatalf("Call() error = %v, want last result", err)
	}
	if res.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", res.StatusCode)
	}
	if n := atomic.LoadInt32(&attempts); n != 3 {
		t.Errorf("attempts = %d, want 3 (1 + 2 retries)", n)
	}
}

func TestCallZeroRetriesMeansSingleAttempt(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`))
	}))
	defer srv.Close()

	policy := DefaultRetryPolicy()
	policy.MaxRetries = 0
	c, _ := newTestCaller(t, srv.URL, policy)

	res, err := c.Call(context.Background(), []byte(`{}`), nil, time.Time{})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if res.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", res.StatusCode)
	}
	if n := atomic.LoadInt32(&attempts); n != 1 {
		t.Errorf("attempts = %d, want exactly 1 with retries disabled", n)
	}
}

func TestCallAbandonsRetriesAtDeadline(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`))
	}))
	defer srv.Close()

	c, clock := newTestCaller(t, srv.URL, DefaultRetryPolicy())

	// The hinted delay (30.5s) would pass the deadline, so the caller
	// returns the rate-limit result after a single attempt.
	deadline := clock.Add(10 * time.Second)
	res, err := c.Call(context.Background(), []byte(`{}`), nil, deadline)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if res.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", res.StatusCode)
	}
	if n := atomic.LoadInt32(&attempts); n != 1 {
		t.Errorf("attempts = %d, want 1", n)
	}
}

func TestRetryDelayExponentialBackoff(t *testing.T) {
	c, _ := newTestCaller(t, "http://unused", DefaultRetryPolicy())

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := c.retryDelay(tt.attempt, nil); got != tt.want {
			t.Errorf("retryDelay(%d, nil) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestRetryDelayHonorsRetryAfterDate(t *testing.T) {
	c, clock := newTestCaller(t, "http://unused", DefaultRetryPolicy())

	h := http.Header{}
	h.Set("Retry-After", clock.Add(5*time.Second).UTC().Format(http.TimeFormat))
	res := &Result{StatusCode: 429, Header: h}

	if got := c.retryDelay(0, res); got != 5500*time.Millisecond {
		t.Errorf("retryDelay = %v, want 5.5s", got)
	}
}

func TestRetryDelayHonorsResetHeaders(t *testing.T) {
	c, clock := newTestCaller(t, "http://unused", DefaultRetryPolicy())

	h := http.Header{}
	h.Set("Anthropic-Ratelimit-Input-Tokens-Reset", clock.Add(20*time.Second).Format(time.RFC3339))
	res := &Result{StatusCode: 429, Header: h}

	if got := c.retryDelay(0, res); got != 21*time.Second {
		t.Errorf("retryDelay = %v, want 21s (reset plus one second)", got)
	}

	// A reset further out than MaxDelay is trusted but still capped.
	h.Set("Anthropic-Ratelimit-Input-Tokens-Reset", clock.Add(40*time.Second).Format(time.RFC3339))
	if got := c.retryDelay(0, res); got != 30*time.Second {
		t.Errorf("retryDelay = %v, want MaxDelay cap of 30s", got)
	}
}

func TestRetryDelayIgnoresFarFutureReset(t *testing.T) {
	c, clock := newTestCaller(t, "http://unused", DefaultRetryPolicy())

	h := http.Header{}
	h.Set("Anthropic-Ratelimit-Input-Tokens-Reset", clock.Add(time.Hour).Format(time.RFC3339))
	res := &Result{StatusCode: 429, Header: h}

	// Untrusted hint: fall back to backoff for attempt 0.
	if got := c.retryDelay(0, res); got != time.Second {
		t.Errorf("retryDelay = %v, want 1s backoff", got)
	}
}

func TestRetryDelayCapsHints(t *testing.T) {
	c, _ := newTestCaller(t, "http://unused", DefaultRetryPolicy())

	h := http.Header{}
	h.Set("Retry-After", "120")
	res := &Result{StatusCode: 429, Header: h}

	if got := c.retryDelay(0, res); got != 30*time.Second {
		t.Errorf("retryDelay = %v, want MaxDelay cap of 30s", got)
	}
}

func TestRetryableResult(t *testing.T) {
	tests := []struct {
		name string
		res  *Result
		want bool
	}{
		{"429", &Result{StatusCode: 429}, true},
		{"529", &Result{StatusCode: 529}, true},
		{"500", &Result{StatusCode: 500}, true},
		{"503", &Result{StatusCode: 503}, true},
		{"400", &Result{StatusCode: 400}, false},
		{"404", &Result{StatusCode: 404}, false},
		{"overloaded body", &Result{StatusCode: 400, Body: []byte(`{"error":{"type":"overloaded_error"}}`)}, true},
		{"capacity body", &Result{StatusCode: 403, Body: []byte(`no capacity available`)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryableResult(tt.res); got != tt.want {
				t.Errorf("retryableResult = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClientStripsCredentialHeaders(t *testing.T) {
	var gotAPIKey, gotAuth, gotVersion, gotCustom string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAPIKey = r.Header.Get("X-Api-Key")
		gotAuth = r.Header.Get("Authorization")
		gotVersion = r.Header.Get("Anthropic-Version")
		gotCustom = r.Header.Get("X-Instance-Id")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "proxy-credential")
	inbound := http.Header{}
	inbound.Set("X-Api-Key", "client-key-must-not-leak")
	inbound.Set("Authorization", "Bearer client-token")
	inbound.Set("X-Instance-Id", "agent-7")

	if _, err := client.Do(context.Background(), []byte(`{}`), inbound); err != nil {
		t.Fatalf("Do() error = %v", err)
	}

	if gotAPIKey != "proxy-credential" {
		t.Errorf("x-api-key = %q, want the proxy's own credential", gotAPIKey)
	}
	if gotAuth != "" {
		t.Errorf("authorization = %q, want stripped", gotAuth)
	}
	if gotVersion != defaultAnthropicVersion {
		t.Errorf("anthropic-version = %q, want default %q", gotVersion, defaultAnthropicVersion)
	}
	if gotCustom != "agent-7" {
		t.Errorf("x-instance-id = %q, want forwarded", gotCustom)
	}
}

func TestResultUsage(t *testing.T) {
	res := &Result{Body: []byte(`{"id":"msg_1","usage":{"input_tokens":12,"output_tokens":34}}`)}
	usage, ok := res.Usage()
	if !ok {
		t.Fatal("Usage() ok = false, want true")
	}
	if usage.InputTokens != 12 || usage.OutputTokens != 34 {
		t.Errorf("usage = %+v, want 12/34", usage)
	}

	res = &Result{Body: []byte(`{"id":"msg_2"}`)}
	if _, ok := res.Usage(); ok {
		t.Error("Usage() ok = true for body without usage, want false")
	}

	res = &Result{Body: []byte(`not json`)}
	if _, ok := res.Usage(); ok {
		t.Error("Usage() ok = true for invalid JSON, want false")
	}
}
