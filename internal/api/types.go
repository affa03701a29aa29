package api

import (
	"encoding/json"
	"time"

	"github.com/kmabbott81/relay-sub007/internal/engine"
)

// ErrorDetail is the stable error shape: a machine-readable kind plus a
// human-readable message. Internal detail never appears here.
type ErrorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	// Violations lists schema violations on validation errors.
	Violations []string `json:"violations,omitempty"`
	// RetryAfter is whole seconds until a rate-limited caller may retry.
	RetryAfter int64 `json:"retry_after,omitempty"`
}

// ErrorResp is the envelope every error response carries.
type ErrorResp struct {
	Error ErrorDetail `json:"error"`
}

// ListActionsResponse is the body for GET /v1/actions.
type ListActionsResponse struct {
	Actions []engine.ActionSummary `json:"actions"`
}

// PreviewRequest is the JSON body for POST /v1/actions/preview.
type PreviewRequest struct {
	Method string          `json:"method"`
	Input  json.RawMessage `json:"input"`
}

// PreviewResponse is the minted execution token and its binding.
type PreviewResponse struct {
	ExecutionToken string    `json:"execution_token"`
	ExpiresAt      time.Time `json:"expires_at"`
	Action         string    `json:"action"`
	InputHash      string    `json:"input_hash"`
}

// ExecuteRequest is the JSON body for POST /v1/actions/execute. The token and
// idempotency key travel in headers.
type ExecuteRequest struct {
	Input json.RawMessage `json:"input"`
}

// AuditEntry is the JSON view of one audit event.
type AuditEntry struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	WorkspaceID    string    `json:"workspace_id"`
	Actor          string    `json:"actor"`
	Operation      string    `json:"operation"`
	Action         string    `json:"action,omitempty"`
	Outcome        string    `json:"outcome"`
	Reason         string    `json:"reason,omitempty"`
	InputRedacted  string    `json:"input_redacted,omitempty"`
	InputHash      string    `json:"input_hash,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	TokenID        string    `json:"token_id,omitempty"`
	Replayed       bool      `json:"replayed,omitempty"`
	StatusCode     int32     `json:"status_code,omitempty"`
	LatencyMs      float32   `json:"latency_ms"`
}

// AuditResponse is the body for GET /v1/audit.
type AuditResponse struct {
	Logs []AuditEntry `json:"logs"`
}
