package engine

import (
	"fmt"
	"time"

	"github.com/kmabbott81/relay-sub007/internal/ratelimit"
)

// Kind is the stable, machine-readable classification every rejected request
// carries. Clients branch on Kind; Message is for humans.
type Kind string

const (
	KindValidation  Kind = "validation_error"
	KindAuth        Kind = "auth_error"
	KindForbidden   Kind = "forbidden"
	KindNotFound    Kind = "not_found"
	KindRateLimited Kind = "rate_limited"
	KindConflict    Kind = "conflict"

	KindAdapterUnreachable Kind = "adapter_unreachable"
	KindAdapterTimeout     Kind = "adapter_timeout"
	KindAdapterRejected    Kind = "adapter_rejected"

	KindInternal Kind = "internal"
)

// Error is a classified pipeline rejection or failure.
type Error struct {
	Kind    Kind
	Message string
	// Violations lists schema violations on validation errors.
	Violations []string
	// RetryAfter is positive on rate_limited errors.
	RetryAfter time.Duration
	// Rate carries the limiter decision that produced a rate_limited error.
	Rate *ratelimit.Decision
	// Replayed marks a failure served from an idempotency record rather
	// than a fresh dispatch.
	Replayed bool

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func errf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// internalErr hides the cause behind a generic message so internal detail
// never reaches the caller. The cause stays attached for logging.
func internalErr(err error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", cause: err}
}
