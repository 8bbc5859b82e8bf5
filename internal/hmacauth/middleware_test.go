package hmacauth

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btclog/v2"
	"github.com/lightningnetwork/lnd/clock"
)

var now = time.Unix(1_700_000_000, 0)

func newVerifier() *Verifier {
	return &Verifier{
		Secret:  "secret",
		MaxSkew: time.Minute,
		Clock:   clock.NewTestClock(now),
	}
}

func TestMiddleware_AllowsValidSignature(t *testing.T) {
	body := `{"token":"cashuAabc"}`

	req := httptest.NewRequest(http.MethodPost, "/api/v1/redeem", strings.NewReader(body))
	SignRequest(req, "secret", now, []byte(body))
	rec := httptest.NewRecorder()

	var seen string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := new(bytes.Buffer)
		_, _ = buf.ReadFrom(r.Body)
		seen = buf.String()
		w.WriteHeader(http.StatusOK)
	})

	newVerifier().Middleware(handler).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if seen != body {
		t.Fatalf("handler saw body %q, want %q", seen, body)
	}
}

func TestMiddleware_RejectsInvalidSignature(t *testing.T) {
	body := `{"foo":"bar"}`
	ts := strconv.FormatInt(now.Unix(), 10)

	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(body))
	req.Header.Set(SignatureHeader, "deadbeef")
	req.Header.Set(TimestampHeader, ts)
	rec := httptest.NewRecorder()

	newVerifier().Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMiddleware_RejectsStaleTimestamp(t *testing.T) {
	body := `{}`
	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(body))
	SignRequest(req, "secret", now.Add(-2*time.Minute), []byte(body))

	if err := newVerifier().verify(req); !errors.Is(err, ErrStaleTimestamp) {
		t.Fatalf("expected stale timestamp, got %v", err)
	}

	req = httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(body))
	SignRequest(req, "secret", now.Add(2*time.Minute), []byte(body))
	if err := newVerifier().verify(req); !errors.Is(err, ErrStaleTimestamp) {
		t.Fatalf("expected future timestamp rejected, got %v", err)
	}
}

func TestMiddleware_MalformedTimestamp(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(`{}`))
	req.Header.Set(SignatureHeader, "abc")
	req.Header.Set(TimestampHeader, "yesterday")

	if err := newVerifier().verify(req); !errors.Is(err, ErrBadTimestamp) {
		t.Fatalf("expected malformed timestamp, got %v", err)
	}
}

func TestMiddleware_RejectionCarriesRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := btclog.NewSLogger(btclog.NewDefaultHandler(&buf))
	logger.SetLevel(btclog.LevelDebug)
	UseLogger(logger)
	t.Cleanup(DisableLog)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/pay", strings.NewReader(`{}`))
	req.Header.Set(RequestIDHeader, "req-42")
	rec := httptest.NewRecorder()

	newVerifier().Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected json rejection, got %q", ct)
	}
	if !strings.Contains(rec.Body.String(), ErrMissingSignature.Error()) {
		t.Fatalf("rejection body %q lacks reason", rec.Body.String())
	}
	if !strings.Contains(buf.String(), "[req-42]") {
		t.Fatalf("log %q lacks request id", buf.String())
	}
}

func TestMiddleware_MissingHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(`{}`))
	if err := newVerifier().verify(req); !errors.Is(err, ErrMissingSignature) {
		t.Fatalf("expected missing signature, got %v", err)
	}

	req.Header.Set(SignatureHeader, "abc")
	if err := newVerifier().verify(req); !errors.Is(err, ErrMissingTimestamp) {
		t.Fatalf("expected missing timestamp, got %v", err)
	}
}

func TestMiddleware_NoSecretAllowsAll(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/test", nil)
	if err := (&Verifier{}).verify(req); err != nil {
		t.Fatalf("expected pass-through, got %v", err)
	}
}
