package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/mirelabs/coda/pkg/chat"
)

var (
	// ErrCancelled marks a user-initiated abort. Never retried, never
	// rolled back.
	ErrCancelled = errors.New("request cancelled")
	// ErrRateLimited is the bare rate-limit sentinel; RateLimitError
	// wraps it when the server supplied a Retry-After.
	ErrRateLimited = errors.New("rate limited")
	// ErrStreamTimeout marks a stream that went silent past the activity
	// window or never produced headers within the connection window.
	ErrStreamTimeout = errors.New("stream timed out")
)

// APIError is a non-2xx response from the provider.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("provider returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider returned %d", e.StatusCode)
}

// RateLimitError carries the server-requested backoff.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %v", e.RetryAfter)
	}
	return "rate limited"
}

// Is allows errors.Is(err, ErrRateLimited) to match.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// StreamError wraps a mid-stream failure together with whatever content had
// been assembled before the connection broke.
type StreamError struct {
	Partial *chat.Message
	Err     error
}

func (e *StreamError) Error() string {
	if e.Partial != nil && e.Partial.Content != "" {
		return fmt.Sprintf("stream error (partial content: %d chars): %v", len(e.Partial.Content), e.Err)
	}
	return fmt.Sprintf("stream error: %v", e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// IsCancellation reports whether err stems from a deliberate abort rather
// than a failure.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// IsRetryable classifies errors for the blocking retry loop. Cancellation
// is final; 4xx other than 429 is final; everything transient retries.
func IsRetryable(err error) bool {
	if err == nil || IsCancellation(err) {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrStreamTimeout) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests {
			return true
		}
		return apiErr.StatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	// Unknown transport failures get the benefit of the doubt.
	return true
}

// errorFromResponse turns a non-2xx response into a typed error, draining a
// bounded amount of the body for the message.
func errorFromResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))

	if resp.StatusCode == http.StatusTooManyRequests {
		return rateLimitFromHeader(resp.Header.Get("Retry-After"))
	}

	msg := extractErrorMessage(body)
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}

// rateLimitFromHeader parses Retry-After as seconds or an HTTP date.
func rateLimitFromHeader(retryAfter string) error {
	if retryAfter == "" {
		return ErrRateLimited
	}
	if seconds, err := strconv.Atoi(retryAfter); err == nil {
		return &RateLimitError{RetryAfter: time.Duration(seconds) * time.Second}
	}
	if t, err := http.ParseTime(retryAfter); err == nil {
		return &RateLimitError{RetryAfter: time.Until(t)}
	}
	return ErrRateLimited
}

// extractErrorMessage digs the human-readable message out of the common
// {"error": {"message": ...}} envelope, falling back to the raw body.
func extractErrorMessage(body []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		if envelope.Error.Message != "" {
			return envelope.Error.Message
		}
		if envelope.Message != "" {
			return envelope.Message
		}
	}
	const limit = 200
	if len(body) > limit {
		return string(body[:limit])
	}
	return string(body)
}
