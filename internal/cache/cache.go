package cache

import (
	"context"

	"detect-bridge/internal/detect"
)

// ArtifactCache is the interface used by the detection service.
// Implemented by Store and decorated by LoggingStore.
type ArtifactCache interface {
	// Get returns the stored artifacts for key, or nil on a miss.
	Get(ctx context.Context, key CacheKey) []detect.Artifact

	// Put copies the source artifacts under key and returns the stored
	// copies. An empty result means nothing was cached.
	Put(ctx context.Context, key CacheKey, sources []detect.Artifact) []detect.Artifact
}
