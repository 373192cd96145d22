package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"edgeward.io/internal/auth"
	"edgeward.io/internal/obs"
)

func TestRateLimitExceeded(t *testing.T) {
	base := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RequestID(NewRateLimiter(1, 1).Middleware(base))

	req := httptest.NewRequest(http.MethodGet, "/limited", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, req.Clone(context.Background()))
	if rr1.Code != http.StatusOK {
		t.Fatalf("expected first call 200, got %d", rr1.Code)
	}

	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, req.Clone(context.Background()))
	if rr2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr2.Code)
	}
	if rr2.Header().Get("Retry-After") != "1" {
		t.Fatalf("expected Retry-After header, got %q", rr2.Header().Get("Retry-After"))
	}
	var body ApiError
	if err := json.Unmarshal(rr2.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode rate limit body: %v", err)
	}
	if body.Status != http.StatusTooManyRequests || body.Path != "/limited" || body.Message == "" {
		t.Fatalf("unexpected body: %+v", body)
	}

	other := req.Clone(context.Background())
	other.RemoteAddr = "10.0.0.2:1234"
	rr3 := httptest.NewRecorder()
	handler.ServeHTTP(rr3, other)
	if rr3.Code != http.StatusOK {
		t.Fatalf("other clients keep their own bucket, got %d", rr3.Code)
	}
}

func TestRateLimiterSweep(t *testing.T) {
	l := NewRateLimiter(1, 1)
	l.Allow("a")
	l.Sweep(time.Now().Add(10 * time.Minute))
	if !l.Allow("a") {
		t.Fatal("swept bucket should start full")
	}
}

func TestLoggingJSONEmitsStructuredEntry(t *testing.T) {
	var buf bytes.Buffer
	restore := obs.SetOutput(&buf)
	defer restore()

	handler := RequestID(LoggingJSON(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("ok"))
	})))

	req := httptest.NewRequest(http.MethodGet, "/log-test", nil)
	req.Header.Set("User-Agent", "middleware-test")
	req.RemoteAddr = "127.0.0.1:1234"

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	line := strings.TrimSpace(buf.String())
	if line == "" {
		t.Fatal("expected log line")
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log is not valid JSON: %v", err)
	}
	for _, key := range []string{"time", "level", "message", "request_id", "method", "path", "status", "duration_ms"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("expected key %q in log entry", key)
		}
	}
	if entry["message"] != "request_complete" {
		t.Fatalf("unexpected message: %v", entry["message"])
	}
	if entry["status"] != float64(http.StatusTeapot) {
		t.Fatalf("unexpected status: %v", entry["status"])
	}
	if entry["request_id"] != rr.Header().Get(HeaderRequestID) {
		t.Fatalf("request id mismatch: %v vs %s", entry["request_id"], rr.Header().Get(HeaderRequestID))
	}
}

func TestRequestIDPropagatesInbound(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, "abc-123")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if seen != "abc-123" || rr.Header().Get(HeaderRequestID) != "abc-123" {
		t.Fatalf("request id not propagated: %q", seen)
	}
}

func TestRequireRole(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := Chain(ok, TrustedIdentity, RequireRole("ADMIN"))

	cases := []struct {
		name   string
		email  string
		roles  string
		status int
	}{
		{"admin", "a@x.com", "ADMIN", http.StatusOK},
		{"mixed case", "a@x.com", "user, admin", http.StatusOK},
		{"user", "u@x.com", "USER", http.StatusForbidden},
		{"anonymous", "", "", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/internal", nil)
		if tc.email != "" {
			req.Header.Set(auth.HeaderUserEmail, tc.email)
			req.Header.Set(auth.HeaderUserRoles, tc.roles)
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != tc.status {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.status, rr.Code)
		}
		if tc.status != http.StatusOK && rr.Header().Get("WWW-Authenticate") == "" {
			t.Fatalf("%s: expected WWW-Authenticate header", tc.name)
		}
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	stage := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { order = append(order, "final") }),
		stage("first"), stage("second"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if strings.Join(order, ",") != "first,second,final" {
		t.Fatalf("unexpected order: %v", order)
	}
}

func TestRateLimitIgnoresSpoofedForwardedFor(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	handler := NewRateLimiter(1, 1).Middleware(ok)

	admitted := 0
	for i := 0; i < 20; i++ {
		req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
		req.RemoteAddr = "198.51.100.4:5555"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("10.1.0.%d", i))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code == http.StatusOK {
			admitted++
		}
	}
	if admitted != 1 {
		t.Fatalf("rotating X-Forwarded-For must not mint new buckets, admitted %d", admitted)
	}
}

func TestRateLimitTrustedProxyHop(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	handler := NewRateLimiter(1, 1, WithTrustedProxies(1)).Middleware(ok)

	send := func(xff string) int {
		req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
		req.RemoteAddr = "10.0.0.254:40000"
		if xff != "" {
			req.Header.Set("X-Forwarded-For", xff)
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr.Code
	}
	if code := send("1.1.1.1, 203.0.113.7"); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if code := send("2.2.2.2, 203.0.113.7"); code != http.StatusTooManyRequests {
		t.Fatalf("client-supplied hops must not change the key, got %d", code)
	}
	if code := send("203.0.113.8"); code != http.StatusOK {
		t.Fatalf("another client keeps its own bucket, got %d", code)
	}
	if code := send(""); code != http.StatusOK {
		t.Fatalf("missing header falls back to the peer, got %d", code)
	}
}

func TestForwardedClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:80"
	req.Header.Add("X-Forwarded-For", "6.6.6.6, 203.0.113.7")
	req.Header.Add("X-Forwarded-For", "10.0.0.9")

	cases := map[int]string{0: "10.0.0.1", 1: "10.0.0.9", 2: "203.0.113.7", 3: "6.6.6.6", 4: "10.0.0.1"}
	for hops, want := range cases {
		if got := ForwardedClientIP(req, hops); got != want {
			t.Fatalf("hops=%d: got %q, want %q", hops, got, want)
		}
	}
	if got := ClientIP(req); got != "10.0.0.1" {
		t.Fatalf("ClientIP must use the peer address, got %q", got)
	}
}

func TestMaxBodyBytes(t *testing.T) {
	var readErr error
	handler := MaxBodyBytes(16)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/auth/register", strings.NewReader(strings.Repeat("x", 64))))
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rr.Code)
	}
	var body ApiError
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil || body.Status != http.StatusRequestEntityTooLarge {
		t.Fatalf("unexpected body %q: %v", rr.Body.String(), err)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/auth/register", strings.NewReader("small")))
	if rr.Code != http.StatusOK || readErr != nil {
		t.Fatalf("small body: code=%d err=%v", rr.Code, readErr)
	}

	// Unknown length is capped while reading.
	req := httptest.NewRequest(http.MethodPost, "/auth/register", io.NopCloser(strings.NewReader(strings.Repeat("x", 64))))
	req.ContentLength = -1
	handler.ServeHTTP(httptest.NewRecorder(), req)
	var tooLarge *http.MaxBytesError
	if !errors.As(readErr, &tooLarge) {
		t.Fatalf("expected MaxBytesError, got %v", readErr)
	}
}
