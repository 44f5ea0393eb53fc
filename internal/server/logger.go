package server

import (
	"context"
	"net/http"
	"time"

	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/alogger"
	"github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/common"
	"github.com/go-chi/chi/v5/middleware"
)

// Log field names used by the HTTP layer.
const (
	logFieldTraceID    = "trace_id"
	logFieldRemoteAddr = "remote_addr"
	logFieldMethod     = "method"
	logFieldPath       = "path"
	logFieldHTTPStatus = "http_status"
	logFieldBytes      = "bytes"
	logFieldDuration   = "duration"
)

// LoggerFromContext returns the request scoped logger stored in ctx by the
// router, or a logger which discards everything.
func LoggerFromContext(ctx context.Context) common.Logger {
	logger, _ := ctx.Value(common.LoggerKey).(common.Logger)
	return alogger.OrNop(logger)
}

// withLogger stores a request scoped logger in the request context and logs
// each completed request.
func withLogger(logger common.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			reqLogger := logger.With(
				logFieldTraceID, middleware.GetReqID(r.Context()),
				logFieldRemoteAddr, r.RemoteAddr,
			)
			ctx := context.WithValue(r.Context(), common.LoggerKey, reqLogger)

			defer func() {
				reqLogger.Debugw("Request served",
					logFieldMethod, r.Method,
					logFieldPath, r.URL.Path,
					logFieldHTTPStatus, ww.Status(),
					logFieldBytes, ww.BytesWritten(),
					logFieldDuration, time.Since(start).String(),
				)
			}()

			next.ServeHTTP(ww, r.WithContext(ctx))
		})
	}
}
