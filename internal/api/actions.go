package api

import (
	"net/http"

	"github.com/kmabbott81/relay-sub007/internal/engine"
)

const (
	// ExecutionTokenHeader carries the previewed execution token.
	ExecutionTokenHeader = "X-Execution-Token"
	// IdempotencyKeyHeader carries the caller-supplied idempotency key.
	IdempotencyKeyHeader = "Idempotency-Key"
	// ReplayHeader marks a response served from an idempotency record.
	ReplayHeader = "X-Idempotent-Replay"
)

// handleListActions implements GET /v1/actions.
func (d *Dependencies) handleListActions(w http.ResponseWriter, r *http.Request) {
	ws := workspaceFromContext(r.Context())
	if ws == nil {
		writeErrorKind(w, http.StatusInternalServerError, engine.KindInternal, "missing workspace context")
		return
	}

	summaries, err := d.Engine.ListActions(r.Context(), ws)
	if err != nil {
		writeError(w, err)
		return
	}
	if summaries == nil {
		summaries = []engine.ActionSummary{}
	}
	writeJSON(w, http.StatusOK, ListActionsResponse{Actions: summaries})
}

// handlePreview implements POST /v1/actions/preview.
func (d *Dependencies) handlePreview(w http.ResponseWriter, r *http.Request) {
	ws := workspaceFromContext(r.Context())
	if ws == nil {
		writeErrorKind(w, http.StatusInternalServerError, engine.KindInternal, "missing workspace context")
		return
	}

	var req PreviewRequest
	if err := readJSON(r, &req); err != nil {
		writeErrorKind(w, http.StatusBadRequest, engine.KindValidation, "invalid JSON body")
		return
	}
	if req.Method == "" {
		writeErrorKind(w, http.StatusBadRequest, engine.KindValidation, "method is required")
		return
	}

	res, err := d.Engine.Preview(r.Context(), ws, req.Method, req.Input)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, PreviewResponse{
		ExecutionToken: res.Token,
		ExpiresAt:      res.ExpiresAt.UTC(),
		Action:         res.Action,
		InputHash:      res.InputHash,
	})
}

// handleExecute implements POST /v1/actions/execute. The response body comes
// back verbatim from the engine so replays are byte-identical.
func (d *Dependencies) handleExecute(w http.ResponseWriter, r *http.Request) {
	ws := workspaceFromContext(r.Context())
	if ws == nil {
		writeErrorKind(w, http.StatusInternalServerError, engine.KindInternal, "missing workspace context")
		return
	}

	tokenString := r.Header.Get(ExecutionTokenHeader)
	if tokenString == "" {
		writeErrorKind(w, http.StatusUnauthorized, engine.KindAuth, "missing execution token")
		return
	}
	idemKey := r.Header.Get(IdempotencyKeyHeader)

	var req ExecuteRequest
	if err := readJSON(r, &req); err != nil {
		writeErrorKind(w, http.StatusBadRequest, engine.KindValidation, "invalid JSON body")
		return
	}

	res, err := d.Engine.Execute(r.Context(), ws, tokenString, idemKey, req.Input)
	if err != nil {
		writeError(w, err)
		return
	}

	if res.Rate != nil {
		setRateHeaders(w, res.Rate.Limit, res.Rate.Remaining)
	}
	if res.Replayed {
		w.Header().Set(ReplayHeader, "true")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(res.Payload) //nolint:errcheck
}
