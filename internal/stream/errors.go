package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// Sentinel errors for common cases
var (
	ErrRateLimited    = errors.New("rate limit exceeded")
	ErrQuotaExceeded  = errors.New("usage quota exceeded")
	ErrNoBody         = errors.New("response has no body")
	ErrClosed         = errors.New("session already used")
	ErrUpstream       = errors.New("upstream stream error")
	ErrMalformedFrame = errors.New("malformed frame")
	ErrTurnInProgress = errors.New("an assistant reply is still streaming")
)

// StatusError is returned when the endpoint answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("chat endpoint %s: status %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("chat endpoint %s: status %d: %s", e.Endpoint, e.StatusCode, e.Message)
}

// Is matches ErrRateLimited for 429, ErrQuotaExceeded for 402 and any
// *StatusError with the same status code.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.StatusCode == http.StatusTooManyRequests
	case ErrQuotaExceeded:
		return e.StatusCode == http.StatusPaymentRequired
	}
	if t, ok := target.(*StatusError); ok {
		return t.StatusCode == e.StatusCode
	}
	return false
}

// CheckResponse returns nil for 2xx responses. Otherwise it reads up to 4KB
// of the body and returns a *StatusError carrying the body's error field.
func CheckResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	endpoint := ""
	if resp.Request != nil && resp.Request.URL != nil {
		endpoint = resp.Request.URL.Redacted()
	}
	var body []byte
	if resp.Body != nil {
		body, _ = io.ReadAll(io.LimitReader(resp.Body, 4*1024))
	}
	return &StatusError{
		StatusCode: resp.StatusCode,
		Message:    errorField(body),
		Endpoint:   endpoint,
	}
}

// errorField accepts {"error":"..."}, {"error":{"message":"..."}} and
// falls back to the raw (trimmed) body for non-JSON payloads.
func errorField(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return ""
	}
	if !gjson.Valid(trimmed) {
		return trimmed
	}
	if msg := messageOf(gjson.Get(trimmed, "error")); msg != "" {
		return msg
	}
	return gjson.Get(trimmed, "message").String()
}

func messageOf(v gjson.Result) string {
	switch {
	case !v.Exists():
		return ""
	case v.IsObject():
		return v.Get("message").String()
	default:
		return v.String()
	}
}

// UserMessage turns a session error into the short text shown to the user.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var se *StatusError
	switch {
	case errors.Is(err, context.Canceled):
		return "Request cancelled."
	case errors.Is(err, ErrRateLimited):
		if errors.As(err, &se) && se.Message != "" {
			return se.Message
		}
		return "Rate limit exceeded, please try again in a moment."
	case errors.Is(err, ErrQuotaExceeded):
		if errors.As(err, &se) && se.Message != "" {
			return se.Message
		}
		return "AI credits exhausted, please add funds to continue."
	case errors.Is(err, ErrTurnInProgress):
		return "Please wait for the current reply to finish."
	case errors.As(err, &se) && se.Message != "":
		return se.Message
	}
	return "Something went wrong talking to the assistant. Please try again."
}
