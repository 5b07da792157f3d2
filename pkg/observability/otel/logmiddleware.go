package otelobs

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"trustgate/pkg/structlog"
)

// HTTPLogMiddleware writes one structured access line per request,
// stamps a correlation id into the context and mirrors trace ids into
// response headers when a span is active.
func HTTPLogMiddleware(logger *structlog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = structlog.NewLogger("http", structlog.LevelInfo, nil)
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, corrID := structlog.GetOrCreateCorrelationID(r.Context())
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		sr.Header().Set("X-Correlation-Id", corrID)

		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			sr.Header().Set("Trace-Id", sc.TraceID().String())
			sr.Header().Set("Span-Id", sc.SpanID().String())
		}

		next.ServeHTTP(sr, r.WithContext(ctx))

		logger.Info("request handled", structlog.Fields{
			"method":         r.Method,
			"path":           r.URL.Path,
			"status":         sr.status,
			"duration_ms":    time.Since(start).Milliseconds(),
			"correlation_id": corrID,
		})
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}
