package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kmabbott81/relay-sub007/internal/auth"
	"github.com/kmabbott81/relay-sub007/internal/engine"
)

// contextKey is an unexported type for context keys to avoid collisions.
type contextKey int

const workspaceCtxKey contextKey = iota

// workspaceFromContext extracts the authenticated workspace from the request context.
func workspaceFromContext(ctx context.Context) *auth.WorkspaceContext {
	v, _ := ctx.Value(workspaceCtxKey).(*auth.WorkspaceContext)
	return v
}

// authMiddleware validates the Bearer rk_ key and injects the workspace into
// the request context. An authenticator backend failure is a 500, never a
// silent pass.
func (d *Dependencies) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apiKey, err := auth.ExtractAPIKey(r.Header.Get("Authorization"))
		if err != nil {
			writeErrorKind(w, http.StatusUnauthorized, engine.KindAuth, "missing or invalid Authorization header")
			return
		}

		ws, err := d.Auth.Authenticate(r.Context(), apiKey)
		if err != nil {
			if errors.Is(err, auth.ErrUnauthenticated) {
				writeErrorKind(w, http.StatusUnauthorized, engine.KindAuth, "invalid API key")
				return
			}
			d.Logger.Error("authenticator backend failed", zap.Error(err))
			writeErrorKind(w, http.StatusInternalServerError, engine.KindInternal, "internal error")
			return
		}

		ctx := context.WithValue(r.Context(), workspaceCtxKey, ws)
		next(w, r.WithContext(ctx))
	}
}

// securityHeaders sets the headers every response carries.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("X-Content-Type-Options", "nosniff")
		next.ServeHTTP(w, r)
	})
}

// --- JSON helpers ---

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// readJSON decodes a JSON request body into the given pointer.
func readJSON(r *http.Request, v interface{}) error {
	defer func() { _ = r.Body.Close() }()
	return json.NewDecoder(r.Body).Decode(v)
}

func writeErrorKind(w http.ResponseWriter, status int, kind engine.Kind, message string) {
	writeJSON(w, status, ErrorResp{Error: ErrorDetail{Kind: string(kind), Message: message}})
}

// writeError maps a pipeline error onto its HTTP shape. Rate-limited
// responses carry Retry-After and the rate headers; replayed failures carry
// the replay marker so retried callers can tell.
func writeError(w http.ResponseWriter, err error) {
	var engineErr *engine.Error
	if !errors.As(err, &engineErr) {
		writeErrorKind(w, http.StatusInternalServerError, engine.KindInternal, "internal error")
		return
	}

	detail := ErrorDetail{
		Kind:       string(engineErr.Kind),
		Message:    engineErr.Message,
		Violations: engineErr.Violations,
	}
	if engineErr.Kind == engine.KindRateLimited {
		retryAfter := int64(engineErr.RetryAfter / time.Second)
		if engineErr.RetryAfter%time.Second != 0 || retryAfter == 0 {
			retryAfter++
		}
		detail.RetryAfter = retryAfter
		w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
		if engineErr.Rate != nil {
			setRateHeaders(w, engineErr.Rate.Limit, engineErr.Rate.Remaining)
		}
	}
	if engineErr.Replayed {
		w.Header().Set(ReplayHeader, "true")
	}

	writeJSON(w, httpStatus(engineErr.Kind), ErrorResp{Error: detail})
}

func httpStatus(kind engine.Kind) int {
	switch kind {
	case engine.KindValidation:
		return http.StatusBadRequest
	case engine.KindAuth:
		return http.StatusUnauthorized
	case engine.KindForbidden:
		return http.StatusForbidden
	case engine.KindNotFound:
		return http.StatusNotFound
	case engine.KindRateLimited:
		return http.StatusTooManyRequests
	case engine.KindConflict:
		return http.StatusConflict
	case engine.KindAdapterUnreachable, engine.KindAdapterTimeout, engine.KindAdapterRejected:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func setRateHeaders(w http.ResponseWriter, limit, remaining int) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
}

// --- Request logging ---

func requestLogging(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
