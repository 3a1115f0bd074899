package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"detect-bridge/internal/detect"
	"detect-bridge/internal/metrics"
	"detect-bridge/pkg/logging"
)

// LoggingStore wraps an ArtifactCache with logging + metrics.
type LoggingStore struct {
	inner ArtifactCache
}

// NewLoggingStore returns a cache that logs and records metrics.
func NewLoggingStore(inner ArtifactCache) ArtifactCache {
	return &LoggingStore{inner: inner}
}

func (c *LoggingStore) Get(ctx context.Context, key CacheKey) []detect.Artifact {
	start := time.Now()
	artifacts := c.inner.Get(ctx, key)
	latencyMs := float64(time.Since(start).Microseconds()) / 1000.0

	result := "miss"
	if len(artifacts) > 0 {
		result = "hit"
		metrics.CacheHitsTotal.Inc()
	} else {
		metrics.CacheMissesTotal.Inc()
	}

	logging.L(ctx).Info("cache_get",
		zap.String("cache_key", key.String()),
		zap.String("cache_result", result), // hit | miss
		zap.Int("artifacts", len(artifacts)),
		zap.Float64("latency_ms", latencyMs),
	)

	return artifacts
}

func (c *LoggingStore) Put(ctx context.Context, key CacheKey, sources []detect.Artifact) []detect.Artifact {
	start := time.Now()
	stored := c.inner.Put(ctx, key, sources)
	latencyMs := float64(time.Since(start).Microseconds()) / 1000.0

	fields := []zap.Field{
		zap.String("cache_key", key.String()),
		zap.Int("sources", len(sources)),
		zap.Int("stored", len(stored)),
		zap.Float64("latency_ms", latencyMs),
	}

	logger := logging.L(ctx)
	if len(sources) > 0 && len(stored) == 0 {
		logger.Warn("cache_put_nothing_stored", fields...)
	} else {
		logger.Info("cache_put", fields...)
	}

	return stored
}
