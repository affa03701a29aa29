// Package audit persists a redacted record of every relay operation. Events
// are written asynchronously; recording never blocks or fails a request.
package audit

import (
	"context"
	"time"
)

// Operation names the relay surface an event came from.
type Operation string

const (
	OpList    Operation = "list"
	OpPreview Operation = "preview"
	OpExecute Operation = "execute"
)

// Outcome is the terminal state of the operation.
type Outcome string

const (
	// OutcomeOK means the operation completed.
	OutcomeOK Outcome = "ok"
	// OutcomeRejected means a gate refused the request before dispatch.
	OutcomeRejected Outcome = "rejected"
	// OutcomeFailed means dispatch was attempted and the receiver failed.
	OutcomeFailed Outcome = "failed"
)

// Event is one audit row. InputRedacted holds the redacted, truncated input;
// raw inputs never reach the audit store.
type Event struct {
	ID          string
	Timestamp   time.Time
	WorkspaceID string
	// Actor is the API key prefix that authenticated the request.
	Actor     string
	Operation Operation
	Action    string
	Outcome   Outcome
	// Reason is the rejection reason or failure kind, empty on ok.
	Reason         string
	InputRedacted  string
	InputHash      string
	IdempotencyKey string
	TokenID        string
	Replayed       bool
	StatusCode     int32
	LatencyMs      float32
}

// Recorder is the write side of the audit trail.
// Record() must NEVER block the caller.
type Recorder interface {
	Record(event *Event)
	Close()
}

// Reader is the query side, serving the audit endpoint. Listing is scoped to
// one workspace and returns the newest events first.
type Reader interface {
	List(ctx context.Context, workspaceID string, limit int) ([]Event, error)
}

// InputPreviewLength is the max chars stored in input_redacted.
const InputPreviewLength = 500

// TruncateInput returns the first N characters (runes) of a redacted input
// for storage. It never splits a multi-byte UTF-8 character.
func TruncateInput(input string, maxLen int) string {
	runes := []rune(input)
	if len(runes) <= maxLen {
		return input
	}
	return string(runes[:maxLen])
}
