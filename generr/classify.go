// Package generr classifies generation-pipeline failures into a small
// taxonomy with retry guidance and stable user-facing messages.
//
// Classification prefers typed checks (errors.Is/errors.As) and falls
// back to message patterns. Each classified error carries two messages:
// UserMessage is stable and presentable; TechnicalDetails carries the
// raw error for logs. Frame data never appears in error payloads.
package generr

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Type is the failure bucket of a classified error.
type Type string

const (
	// TypeAuthentication is a credential rejection. Not retryable.
	TypeAuthentication Type = "authentication"
	// TypeValidation is malformed input or a malformed provider result.
	// Not retryable.
	TypeValidation Type = "validation"
	// TypeRateLimit is provider throttling. Retryable, honoring RetryAfter.
	TypeRateLimit Type = "rate_limit"
	// TypeTimeout is a timed-out operation. Retryable, except polling
	// exhaustion which is terminal.
	TypeTimeout Type = "timeout"
	// TypeNetwork is a connection-level failure. Retryable.
	TypeNetwork Type = "network"
	// TypeUnknown is the default bucket. Not retryable.
	TypeUnknown Type = "unknown"
)

// ErrPollExhausted marks a poll-until-complete loop that ran out of
// budget. Classified as a non-retryable timeout.
var ErrPollExhausted = errors.New("polling exhausted before completion")

// ValidationError marks input or provider-result validation failures.
type ValidationError struct {
	// Reason describes what failed validation.
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

// NewValidation creates a validation error with the given reason.
func NewValidation(reason string) *ValidationError {
	return &ValidationError{Reason: reason}
}

// statusCoded is implemented by transport errors that carry an HTTP
// status code (e.g. the provider client's StatusError).
type statusCoded interface {
	HTTPStatus() int
}

// retryAdvised is implemented by transport errors that carry a
// provider-supplied retry delay.
type retryAdvised interface {
	RetryAfter() time.Duration
}

// Classified is the classification outcome for a single error.
type Classified struct {
	// Type is the failure bucket.
	Type Type
	// Retryable reports whether the work queue may retry the job.
	Retryable bool
	// UserMessage is a stable, presentable message for UI display.
	UserMessage string
	// TechnicalDetails carries the raw error text for logs.
	TechnicalDetails string
	// RetryAfter is the provider-advised retry delay, when present.
	RetryAfter time.Duration
}

// userMessages are the stable UI strings per failure type.
var userMessages = map[Type]string{
	TypeAuthentication: "Sprite generation is unavailable right now. Please try again later.",
	TypeValidation:     "This prompt could not be turned into a sprite. Please adjust it and try again.",
	TypeRateLimit:      "The sprite generator is busy. Your request will be retried shortly.",
	TypeTimeout:        "Sprite generation timed out. Please try again.",
	TypeNetwork:        "A connection problem interrupted sprite generation. Retrying.",
	TypeUnknown:        "Sprite generation failed unexpectedly. Please try again.",
}

// Classify buckets err into the failure taxonomy.
// Returns nil for a nil error.
func Classify(err error) *Classified {
	if err == nil {
		return nil
	}

	c := &Classified{TechnicalDetails: err.Error()}

	switch {
	case errors.Is(err, ErrPollExhausted):
		// Exhausted polling is terminal; a fresh submission would just
		// wait out the same provider job again.
		c.Type = TypeTimeout
		c.Retryable = false

	case isValidation(err):
		c.Type = TypeValidation
		c.Retryable = false

	case classifyStatus(err, c):
		// Type and Retryable set from the HTTP status code.

	case errors.Is(err, context.DeadlineExceeded) || isTimeout(err):
		c.Type = TypeTimeout
		c.Retryable = true

	default:
		classifyMessage(err.Error(), c)
	}

	c.UserMessage = userMessages[c.Type]
	return c
}

func isValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// classifyStatus classifies transport errors carrying an HTTP status.
// Returns false when err carries no status code.
func classifyStatus(err error, c *Classified) bool {
	var coded statusCoded
	if !errors.As(err, &coded) {
		return false
	}

	switch code := coded.HTTPStatus(); {
	case code == 401 || code == 403:
		c.Type = TypeAuthentication
		c.Retryable = false
	case code == 429:
		c.Type = TypeRateLimit
		c.Retryable = true
		var advised retryAdvised
		if errors.As(err, &advised) {
			c.RetryAfter = advised.RetryAfter()
		}
	case code == 408 || code == 504:
		c.Type = TypeTimeout
		c.Retryable = true
	case code >= 400 && code < 500:
		c.Type = TypeValidation
		c.Retryable = false
	case code >= 500:
		c.Type = TypeNetwork
		c.Retryable = true
	default:
		c.Type = TypeUnknown
		c.Retryable = false
	}
	return true
}

// classifyMessage buckets by error message patterns, the fallback when
// no typed information is available.
func classifyMessage(msg string, c *Classified) {
	lower := strings.ToLower(msg)
	switch {
	case containsAny(lower, "unauthorized", "invalid api key", "invalid credentials",
		"authentication", "forbidden", "expiredtoken"):
		c.Type = TypeAuthentication
		c.Retryable = false
	case containsAny(lower, "rate limit", "too many requests", "throttl", "slowdown"):
		c.Type = TypeRateLimit
		c.Retryable = true
	case containsAny(lower, "timeout", "timed out", "deadline exceeded"):
		c.Type = TypeTimeout
		c.Retryable = true
	case containsAny(lower, "connection refused", "connection reset", "no route to host",
		"network unreachable", "no such host", "broken pipe", "dial tcp", "eof"):
		c.Type = TypeNetwork
		c.Retryable = true
	case containsAny(lower, "invalid", "malformed", "unsupported", "mismatch"):
		c.Type = TypeValidation
		c.Retryable = false
	default:
		c.Type = TypeUnknown
		c.Retryable = false
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
