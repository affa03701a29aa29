// Package idempotency provides the at-most-once gate for execute requests.
// Begin is single-flight: for any (workspace, key) exactly one concurrent
// caller is told to proceed; everyone else sees the in-flight or terminal
// record and replays it.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Status of an idempotency record.
type Status string

const (
	StatusInFlight  Status = "in_flight"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Record is the stored state for one idempotency key.
type Record struct {
	Key          string          `json:"key"`
	WorkspaceID  string          `json:"workspace_id"`
	Status       Status          `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	ResultDigest string          `json:"result_digest,omitempty"`
	ErrorKind    string          `json:"error_kind,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	CompletedAt  time.Time       `json:"completed_at,omitempty"`
	ExpiresAt    time.Time       `json:"expires_at,omitempty"`
}

// BeginResult is the outcome of a Begin call. Exactly one of Started or
// Existing is meaningful: Started means the caller owns the key and must
// Complete or Fail it; otherwise Existing holds the record that won.
type BeginResult struct {
	Started  bool
	Existing *Record
}

// TTLs control how long records occupy their key. Completed (and in-flight)
// records last Record; failed records last only FailureCooldown so callers
// can retry after a short backoff.
type TTLs struct {
	Record          time.Duration
	FailureCooldown time.Duration
}

// Store persists idempotency records. Errors from any method mean the gate
// could not be evaluated; callers fail closed.
type Store interface {
	Begin(ctx context.Context, workspaceID, key string) (BeginResult, error)
	Complete(ctx context.Context, workspaceID, key string, result []byte, digest string) error
	Fail(ctx context.Context, workspaceID, key, errorKind, errorMessage string) error
	// Lookup returns the current record, or (nil, nil) when the key is free.
	Lookup(ctx context.Context, workspaceID, key string) (*Record, error)
	Close() error
}

// DeriveKey builds the idempotency key for callers that did not supply one,
// from the action name and canonical input hash. The auto- prefix keeps
// derived keys out of the caller-supplied namespace and recognizable in audit
// records.
func DeriveKey(action, inputHash string) string {
	sum := sha256.Sum256([]byte(action + "\n" + inputHash))
	return "auto-" + hex.EncodeToString(sum[:8])
}
