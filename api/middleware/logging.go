package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bring2life/bring2life-backend/pkg/logger"
)

// settlementParams are the route params copied onto the access log so a
// request can be joined with the service logs for the same commission.
var settlementParams = map[string]string{
	"commissionId": logger.FieldCommissionID,
	"milestoneId":  logger.FieldMilestoneID,
}

// Logging writes one access line per request once routing has finished.
// Server errors log at warn; the handler has already logged the cause.
func Logging(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w}
			start := time.Now()

			next.ServeHTTP(rec, r)

			if rec.status == 0 {
				rec.status = http.StatusOK
			}
			fields := map[string]any{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      rec.status,
				"bytes":       rec.bytes,
				"duration_ms": time.Since(start).Milliseconds(),
			}
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					fields["route"] = pattern
				}
				for param, field := range settlementParams {
					if v := rctx.URLParam(param); v != "" {
						fields[field] = v
					}
				}
			}

			ctx := logg.WithFields(r.Context(), fields)
			if rec.status >= http.StatusInternalServerError {
				logg.Warn(ctx, "request failed")
				return
			}
			logg.Info(ctx, "request completed")
		})
	}
}
