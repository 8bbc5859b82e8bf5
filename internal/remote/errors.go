// Package remote holds the error types and response helpers shared by the
// HTTP adapters that talk to the wallet and steganography services.
package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// TransportError means the request never produced a usable HTTP response:
// dial failures, timeouts, truncated bodies, 5xx gateway errors.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// StatusError is a response in which the remote service refused the request.
// Detail carries the service's own message verbatim.
type StatusError struct {
	Op     string
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Code)
}

// IsTransport reports whether err is, or wraps, a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// Reason extracts the message a caller should see for err: the remote detail
// when there is one, otherwise the error text.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var se *StatusError
	if errors.As(err, &se) && se.Detail != "" {
		return se.Detail
	}
	return err.Error()
}

// CheckStatus turns a non-2xx response into an error. Server-side failures
// (5xx) are treated as transport problems; 4xx are rejections.
func CheckStatus(op string, code int, body []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}

	detail := Detail(body)
	if code >= http.StatusInternalServerError {
		if detail == "" {
			detail = http.StatusText(code)
		}
		return &TransportError{
			Op:  op,
			Err: fmt.Errorf("status %d: %s", code, detail),
		}
	}

	return &StatusError{Op: op, Code: code, Detail: detail}
}

// Detail pulls a human readable message out of an error body. It understands
// {"detail": "..."} and {"message": "..."} (also {"detail": {"msg": ...}}
// lists) and otherwise falls back to the trimmed body text.
func Detail(body []byte) string {
	var payload struct {
		Detail  json.RawMessage `json:"detail"`
		Message string          `json:"message"`
		Error   string          `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if len(payload.Detail) > 0 {
			var s string
			if json.Unmarshal(payload.Detail, &s) == nil {
				return s
			}
			var items []struct {
				Msg string `json:"msg"`
			}
			if json.Unmarshal(payload.Detail, &items) == nil &&
				len(items) > 0 {

				msgs := make([]string, 0, len(items))
				for _, it := range items {
					msgs = append(msgs, it.Msg)
				}
				return strings.Join(msgs, "; ")
			}
		}
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}

	return strings.TrimSpace(string(body))
}
