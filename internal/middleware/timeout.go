package middleware

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"detect-bridge/pkg/logging"
)

// Timeout puts a deadline of d on the request context. Handlers run on the
// request goroutine; if the deadline passed and the handler wrote nothing,
// a 504 is written after it returns.
func Timeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()

			tw := &trackingWriter{ResponseWriter: w}
			next.ServeHTTP(tw, r.WithContext(ctx))

			if errors.Is(ctx.Err(), context.DeadlineExceeded) && !tw.written() {
				logging.L(ctx).Warn("request_timeout", zap.Duration("timeout", d))
				writeJSONError(w, http.StatusGatewayTimeout, "TIMEOUT", "request timed out")
			}
		})
	}
}

type trackingWriter struct {
	http.ResponseWriter
	mu    sync.Mutex
	wrote bool
}

func (t *trackingWriter) WriteHeader(code int) {
	t.mark()
	t.ResponseWriter.WriteHeader(code)
}

func (t *trackingWriter) Write(b []byte) (int, error) {
	t.mark()
	return t.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (t *trackingWriter) Unwrap() http.ResponseWriter {
	return t.ResponseWriter
}

func (t *trackingWriter) mark() {
	t.mu.Lock()
	t.wrote = true
	t.mu.Unlock()
}

func (t *trackingWriter) written() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.wrote
}
