package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Thorugoh/GoMarketplace/internal/cart"
	"github.com/Thorugoh/GoMarketplace/pkg/logger"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// SessionHeader carries the session id issued by POST /api/v1/sessions.
const SessionHeader = "X-Session-ID"

const maxSessionIDLen = 128

type ctxKey string

const sessionIDKey ctxKey = "session_id"

// SessionStore hands out the hydrated cart of a session.
type SessionStore interface {
	Open(ctx context.Context, sessionID string) (*cart.Store, error)
	Release(ctx context.Context, sessionID string) error
}

// SessionMiddleware opens the cart named by the X-Session-ID header and puts
// it in the request context. Requests without a session are rejected.
func SessionMiddleware(sessions SessionStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID := r.Header.Get(SessionHeader)
			if sessionID == "" {
				respondError(w, http.StatusUnauthorized, "missing_session", "X-Session-ID header is required")
				return
			}
			if len(sessionID) > maxSessionIDLen {
				respondError(w, http.StatusBadRequest, "invalid_session", "session id is too long")
				return
			}

			store, err := sessions.Open(r.Context(), sessionID)
			if err != nil {
				handleCartError(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), sessionIDKey, sessionID)
			ctx = cart.WithStore(ctx, store)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getSessionID(ctx context.Context) string {
	if sessionID, ok := ctx.Value(sessionIDKey).(string); ok {
		return sessionID
	}
	return ""
}

// RequestLogger logs one line per request with the chi request id and the
// trace of the request span.
func RequestLogger(l *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			}
			if sessionID := r.Header.Get(SessionHeader); sessionID != "" {
				fields = append(fields, zap.String("session_id", sessionID))
			}

			reqLogger := logger.WithTrace(r.Context(), l)
			switch {
			case ww.Status() >= http.StatusInternalServerError:
				reqLogger.Error("http request", fields...)
			default:
				reqLogger.Info("http request", fields...)
			}
		})
	}
}

// handleCartError maps cart errors to HTTP responses.
func handleCartError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, cart.ErrPersistence):
		respondErrorDetails(w, http.StatusServiceUnavailable, "persistence_error", "cart storage is unavailable", err.Error())
	case errors.Is(err, cart.ErrShutdown):
		respondError(w, http.StatusServiceUnavailable, "service_unavailable", "service is shutting down")
	case errors.Is(err, cart.ErrClosed):
		respondError(w, http.StatusConflict, "session_released", "cart was released, retry the request")
	case errors.Is(err, cart.ErrConfiguration):
		respondErrorDetails(w, http.StatusInternalServerError, "configuration_error", "cart is not configured for this request", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, "timeout", "request timed out")
	default:
		respondError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}
