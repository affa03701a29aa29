package api

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/kmabbott81/relay-sub007/internal/audit"
	"github.com/kmabbott81/relay-sub007/internal/engine"
)

const defaultAuditLimit = 100

// handleAudit implements GET /v1/audit. Reads are scoped to the caller's own
// workspace and gated on an admin key.
func (d *Dependencies) handleAudit(w http.ResponseWriter, r *http.Request) {
	ws := workspaceFromContext(r.Context())
	if ws == nil {
		writeErrorKind(w, http.StatusInternalServerError, engine.KindInternal, "missing workspace context")
		return
	}
	if !ws.Admin {
		writeErrorKind(w, http.StatusForbidden, engine.KindForbidden, "audit access requires an admin key")
		return
	}
	if d.Reader == nil {
		writeErrorKind(w, http.StatusServiceUnavailable, engine.KindInternal, "audit reads are not configured")
		return
	}

	limit := defaultAuditLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeErrorKind(w, http.StatusBadRequest, engine.KindValidation, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	if d.MaxAuditRead > 0 && limit > d.MaxAuditRead {
		limit = d.MaxAuditRead
	}

	events, err := d.Reader.List(r.Context(), ws.ID, limit)
	if err != nil {
		d.Logger.Error("audit read failed", zap.Error(err))
		writeErrorKind(w, http.StatusInternalServerError, engine.KindInternal, "internal error")
		return
	}

	logs := make([]AuditEntry, 0, len(events))
	for _, ev := range events {
		logs = append(logs, auditEntry(ev))
	}
	writeJSON(w, http.StatusOK, AuditResponse{Logs: logs})
}

func auditEntry(ev audit.Event) AuditEntry {
	return AuditEntry{
		ID:             ev.ID,
		Timestamp:      ev.Timestamp.UTC(),
		WorkspaceID:    ev.WorkspaceID,
		Actor:          ev.Actor,
		Operation:      string(ev.Operation),
		Action:         ev.Action,
		Outcome:        string(ev.Outcome),
		Reason:         ev.Reason,
		InputRedacted:  ev.InputRedacted,
		InputHash:      ev.InputHash,
		IdempotencyKey: ev.IdempotencyKey,
		TokenID:        ev.TokenID,
		Replayed:       ev.Replayed,
		StatusCode:     ev.StatusCode,
		LatencyMs:      ev.LatencyMs,
	}
}
