package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"detect-bridge/internal/handlers"
	"detect-bridge/internal/metrics"
	"detect-bridge/internal/middleware"
)

type Options struct {
	RequestTimeout time.Duration
	MaxBodyBytes   int64
	// Ready reports whether dependencies are reachable; nil means always.
	Ready func(ctx context.Context) error
}

func SetupRouter(
	r *chi.Mux,
	baseLogger *zap.Logger,
	opts Options,
	detectHandler *handlers.DetectHandler,
	artifactHandler *handlers.ArtifactHandler,
) {
	r.Use(metrics.Middleware)

	// base middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)

	r.Use(middleware.LoggingContext(baseLogger))
	r.Use(middleware.Recoverer())

	r.Route("/v1", func(r chi.Router) {
		r.With(
			middleware.Timeout(opts.RequestTimeout),
			middleware.MaxBodySize(opts.MaxBodyBytes),
		).Post("/detect", detectHandler.Detect)

		r.Get("/artifacts/{key}/{name}", artifactHandler.Get)
		r.Get("/presets", handlers.Presets)
	})

	// health check
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if opts.Ready != nil {
			if err := opts.Ready(r.Context()); err != nil {
				baseLogger.Warn("healthz_not_ready", zap.Error(err))
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("not ready"))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", metrics.Handler())
}
