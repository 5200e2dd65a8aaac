package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5/middleware"
	apierrors "github.com/narvanalabs/fleet/internal/api/errors"
)

// Recovery returns a middleware that recovers from panics and logs the error.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil || rec == http.ErrAbortHandler {
					if rec != nil {
						panic(rec)
					}
					return
				}

				requestID := middleware.GetReqID(r.Context())
				entry := apierrors.NewErrorLogEntry(requestID, apierrors.CodeInternalError, "panic recovered")

				logger.Error("panic recovered",
					"error", rec,
					"correlation_id", entry.CorrelationID,
					"error_code", entry.ErrorCode,
					"stack_trace", string(debug.Stack()),
					"method", r.Method,
					"path", r.URL.Path,
				)

				apierrors.WriteError(w, apierrors.NewInternalError("An unexpected error occurred").WithRequestID(requestID))
			}()

			next.ServeHTTP(w, r)
		})
	}
}
