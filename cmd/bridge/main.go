package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/jmgilman/go/exec"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"detect-bridge/internal/authz"
	"detect-bridge/internal/cache"
	"detect-bridge/internal/config"
	"detect-bridge/internal/engine"
	"detect-bridge/internal/gate"
	"detect-bridge/internal/handlers"
	"detect-bridge/internal/httpserver"
	"detect-bridge/internal/metrics"
	"detect-bridge/internal/orchestrator"
	"detect-bridge/internal/service"
	"detect-bridge/pkg/logging"
)

const workDir = "work"

func main() {
	if err := run(); err != nil {
		log.Fatalf("bridge exited with error: %v", err)
	}
}

func run() error {
	// ----- Logger -----
	logger := logging.DefaultLogger()
	defer logger.Sync()

	// ----- Metrics -----
	metrics.Register()

	// ----- Config -----
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger.Info("loaded config",
		zap.Int("port", cfg.Server.Port),
		zap.String("data_dir", cfg.DataDir),
		zap.Int("cache_capacity", cfg.Cache.Capacity),
		zap.String("gate_backend", cfg.Gate.Backend),
		zap.String("engine_backend", cfg.Engine.Backend),
		zap.String("weights", cfg.Engine.Weights),
		zap.Duration("run_timeout", cfg.Engine.RunTimeout),
	)

	// ----- Workspace filesystem -----
	root, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("resolve data_dir: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create data_dir: %w", err)
	}
	fs := osfs.New(root)

	// Leftovers from a crash; nothing in flight yet.
	if err := util.RemoveAll(fs, workDir); err != nil {
		logger.Warn("work_dir_cleanup_failed", zap.Error(err))
	}

	// ----- Cache -----
	store, err := cache.NewStore(fs, cache.StoreConfig{
		Dir:      cfg.Cache.Dir,
		Capacity: cfg.Cache.Capacity,
	}, logger)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if cfg.Cache.RebuildOnStart {
		if err := store.Load(ctx); err != nil {
			return fmt.Errorf("rebuild cache index: %w", err)
		}
	} else if err := store.Reset(ctx); err != nil {
		return fmt.Errorf("reset cache: %w", err)
	}
	logger.Info("cache ready", zap.Int("entries", store.Len()))

	// ----- Redis client (only if needed) -----
	var redisClient *redis.Client
	if cfg.Gate.Backend == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr: cfg.Redis.Addr,
		})
		defer redisClient.Close()
	}

	// ----- Gate -----
	requesterGate := gate.New(gate.Config{
		Backend: cfg.Gate.Backend,
		Prefix:  cfg.Gate.Prefix,
		LockTTL: cfg.Gate.LockTTL,
	}, redisClient, logger)

	// Fail fast if Redis is misconfigured
	if err := gate.Ping(ctx, requesterGate); err != nil {
		logger.Error("gate backend unreachable", zap.Error(err))
		return err
	}
	if redisClient != nil {
		logger.Info("redis connection established", zap.String("addr", cfg.Redis.Addr))
	}

	// ----- Engine -----
	eng, closeEngine, err := newEngine(cfg, root, fs, logger)
	if err != nil {
		return err
	}
	defer closeEngine.Close()

	// ----- Service -----
	svc := service.NewDetectionService(
		service.Config{
			Weights:    cfg.Engine.Weights,
			RunTimeout: cfg.Engine.RunTimeout,
			WorkDir:    workDir,
		},
		fs,
		requesterGate,
		cache.NewLoggingStore(store),
		orchestrator.New(fs, eng, cfg.Engine.MaxConcurrentRuns, logger),
		logger,
	)

	// ----- Handlers -----
	detectHandler := handlers.NewDetectHandler(svc, authz.NewAllowList(cfg.Authz.ProAllow...))
	artifactHandler := handlers.NewArtifactHandler(store)

	// ----- Router + middleware -----
	r := chi.NewRouter()
	httpserver.SetupRouter(r, logger, httpserver.Options{
		RequestTimeout: cfg.Server.RequestTimeout,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		Ready: func(ctx context.Context) error {
			return gate.Ping(ctx, requesterGate)
		},
	}, detectHandler, artifactHandler)

	// ----- HTTP server -----
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      cfg.Server.RequestTimeout + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("starting bridge", zap.String("addr", srv.Addr))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// ----- Graceful shutdown -----
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return err
	case <-stop:
		logger.Info("shutdown signal received")
	}

	// In-flight detections may take a while; give them the request budget.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.RequestTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		return err
	}

	logger.Info("server shutdown complete")
	return nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func newEngine(cfg *config.Config, root string, fs billy.Filesystem, logger *zap.Logger) (engine.Engine, io.Closer, error) {
	switch cfg.Engine.Backend {
	case "http":
		e, err := engine.NewHTTPEngine(fs, engine.HTTPConfig{
			BaseURL:     cfg.Engine.BaseURL,
			APIKey:      cfg.Engine.APIKey,
			MaxRetries:  cfg.Engine.MaxRetries,
			BaseBackoff: cfg.Engine.BaseBackoff,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return e, e, nil
	default:
		executor := exec.New(exec.WithInheritEnv(), exec.WithDisableColors())
		e := engine.NewCommandEngine(executor, engine.CommandConfig{
			Command: cfg.Engine.Command,
			Script:  cfg.Engine.Script,
			Root:    root,
		}, logger)
		return e, nopCloser{}, nil
	}
}
