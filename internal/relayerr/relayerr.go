// Package relayerr defines the relay's error taxonomy and the standard
// JSON error body written by HTTP handlers.
package relayerr

import (
	"errors"
	"fmt"
)

// APIError represents a simple standardized error response.
// Used for 400, 401, 403, 404, 409, 500 errors that don't need specialized shapes.
type APIError struct {
	Error   string                 `json:"error"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// NewAPIError creates a new APIError with the given message and optional details.
func NewAPIError(message string, details map[string]interface{}) *APIError {
	return &APIError{
		Error:   message,
		Details: details,
	}
}

// ConfigError reports a misconfiguration detected at boot or first use,
// such as an unparsable upstream URL.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
	}
	return "config: " + e.Msg
}

// ValidationError reports a field-level client mistake. It surfaces as a 400.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Msg)
	}
	return e.Msg
}

// NetworkError wraps a transport failure reaching the upstream.
// Surfaces as 502 when synchronous, as a caption_error event otherwise.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// UpstreamError preserves a non-2xx upstream response verbatim so callers
// and the event stream can report the exact status the upstream returned.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Body)
}

// Usage-limit denials. A denied check never increments any counter.
var (
	ErrDailyLimit    = errors.New("daily_limit_exceeded")
	ErrLifetimeLimit = errors.New("lifetime_limit_exceeded")
)

// IsUsageLimit reports whether err is one of the usage-limit denials.
func IsUsageLimit(err error) bool {
	return errors.Is(err, ErrDailyLimit) || errors.Is(err, ErrLifetimeLimit)
}
