package models

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError marks a structurally invalid request. It fails fast and is
// never dispatched or retried.
type ValidationError struct {
	Field  string
	Reason string
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}

// ChannelUnavailableError marks a connection or health failure on one
// channel. The router absorbs it by downgrading, it is not surfaced alone.
type ChannelUnavailableError struct {
	Channel Channel
	Cause   error
}

func (e *ChannelUnavailableError) Error() string {
	return fmt.Sprintf("channel %s unavailable: %v", e.Channel, e.Cause)
}

func (e *ChannelUnavailableError) Unwrap() error { return e.Cause }

// RateLimitError is a local prediction that a call would exceed the
// exchange budget. Callers delay, they do not fail the request.
type RateLimitError struct {
	Channel    Channel
	Usage      float64
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("channel %s over budget (usage %.0f%%), retry after %s", e.Channel, e.Usage*100, e.RetryAfter)
}

// TimeoutError marks an exceeded bounded wait. It is handled exactly like
// ChannelUnavailableError.
type TimeoutError struct {
	Channel Channel
	Waited  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("channel %s timed out after %s", e.Channel, e.Waited)
}

// PartialDataError marks a tier attempt that returned fewer symbols than
// requested. Partial data is unsafe for trading decisions, so the tier is
// treated as failed; the partial payload stays attached for inspection.
type PartialDataError struct {
	Missing []TradingSymbol
	Partial *UnifiedPayload
}

func (e *PartialDataError) Error() string {
	return fmt.Sprintf("partial data: %d symbols missing", len(e.Missing))
}

// ErrMalformedPayload is wrapped by the unifier for payloads it cannot map.
var ErrMalformedPayload = errors.New("malformed payload")

// RouteError is the error shape carried across the public boundary when a
// request has exhausted every channel or tier.
type RouteError struct {
	Code      string   `json:"code"`
	Message   string   `json:"message"`
	Attempted []string `json:"attempted,omitempty"`
	cause     error
}

// Route error codes.
const (
	ErrCodeValidation  = "validation"
	ErrCodeExhausted   = "channels_exhausted"
	ErrCodeUnavailable = "channel_unavailable"
)

func NewRouteError(code, message string, attempted []string, cause error) *RouteError {
	return &RouteError{Code: code, Message: message, Attempted: attempted, cause: cause}
}

func (e *RouteError) Error() string {
	if len(e.Attempted) > 0 {
		return fmt.Sprintf("%s: %s (attempted: %v)", e.Code, e.Message, e.Attempted)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *RouteError) Unwrap() error { return e.cause }
