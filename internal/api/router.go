package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/kmabbott81/relay-sub007/internal/audit"
	"github.com/kmabbott81/relay-sub007/internal/auth"
	"github.com/kmabbott81/relay-sub007/internal/engine"
)

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Auth   auth.Authenticator
	Engine *engine.Engine
	// Reader is nil when no audit read backend is configured; the audit
	// endpoint then reports unavailability instead of guessing.
	Reader audit.Reader
	Logger *zap.Logger
	// MaxAuditRead caps the limit query parameter on GET /v1/audit.
	MaxAuditRead int
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/actions", deps.authMiddleware(deps.handleListActions))
	mux.HandleFunc("POST /v1/actions/preview", deps.authMiddleware(deps.handlePreview))
	mux.HandleFunc("POST /v1/actions/execute", deps.authMiddleware(deps.handleExecute))

	// Audit reads require an admin key on top of workspace auth.
	mux.HandleFunc("GET /v1/audit", deps.authMiddleware(deps.handleAudit))

	// Health check
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return securityHeaders(requestLogging(mux, deps.Logger))
}
