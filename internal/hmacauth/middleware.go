// Package hmacauth authenticates API requests signed with a shared secret.
// The signature is HMAC-SHA256 over the unix timestamp header followed by
// the raw body.
package hmacauth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/lightningnetwork/lnd/clock"
)

const (
	SignatureHeader = "X-Request-Signature"
	TimestampHeader = "X-Request-Timestamp"

	// RequestIDHeader correlates a rejection with the caller's request.
	RequestIDHeader = "X-Request-Id"
)

var (
	ErrMissingSignature = errors.New("missing request signature")
	ErrMissingTimestamp = errors.New("missing request timestamp")
	ErrBadTimestamp     = errors.New("malformed request timestamp")
	ErrStaleTimestamp   = errors.New("stale request timestamp")
	ErrInvalidSignature = errors.New("invalid request signature")
)

// Verifier checks signed requests. With an empty Secret every request
// passes.
type Verifier struct {
	Secret  string
	MaxSkew time.Duration
	Clock   clock.Clock
}

// Middleware rejects requests that fail verification with 401 and a JSON
// error body. The handler downstream sees the body unchanged.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := v.verify(r); err != nil {
			log.Debugf("[%s] Rejected %s %s from %s: %v",
				r.Header.Get(RequestIDHeader), r.Method, r.URL.Path,
				r.RemoteAddr, err)

			reject(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func reject(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: err.Error()})
}

// signature is what a caller attached to a request.
type signature struct {
	mac       string
	timestamp string
	at        time.Time
}

func parseSignature(h http.Header) (signature, error) {
	sig := signature{
		mac:       h.Get(SignatureHeader),
		timestamp: h.Get(TimestampHeader),
	}
	switch {
	case sig.mac == "":
		return sig, ErrMissingSignature
	case sig.timestamp == "":
		return sig, ErrMissingTimestamp
	}

	secs, err := strconv.ParseInt(sig.timestamp, 10, 64)
	if err != nil {
		return sig, fmt.Errorf("%w: %q", ErrBadTimestamp, sig.timestamp)
	}
	sig.at = time.Unix(secs, 0)
	return sig, nil
}

func (v *Verifier) now() time.Time {
	if v.Clock == nil {
		return time.Now()
	}
	return v.Clock.Now()
}

func (v *Verifier) verify(r *http.Request) error {
	if v.Secret == "" {
		return nil
	}

	sig, err := parseSignature(r.Header)
	if err != nil {
		return err
	}

	drift := v.now().Sub(sig.at)
	if drift < 0 {
		drift = -drift
	}
	if drift > v.MaxSkew {
		return fmt.Errorf("%w: off by %v", ErrStaleTimestamp, drift)
	}

	body, err := bufferBody(r)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	want := Sign(v.Secret, sig.timestamp, body)
	if !hmac.Equal([]byte(want), []byte(sig.mac)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign returns the lowercase hex signature for a request.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignRequest sets both auth headers on r for the given body.
func SignRequest(r *http.Request, secret string, now time.Time, body []byte) {
	ts := strconv.FormatInt(now.Unix(), 10)
	r.Header.Set(TimestampHeader, ts)
	r.Header.Set(SignatureHeader, Sign(secret, ts, body))
}

// bufferBody reads the body for hashing and leaves a fresh reader over the
// same bytes in its place.
func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	defer r.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r.Body); err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(buf.Bytes()))
	return buf.Bytes(), nil
}
