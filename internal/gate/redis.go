package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"detect-bridge/internal/detect"
)

// releaseScript deletes the lock only if we still own it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisConfig configures RedisGate.
type RedisConfig struct {
	Prefix string
	// LockTTL bounds how long a crashed holder can block its requester.
	// It must exceed the longest expected request.
	LockTTL time.Duration
}

// RedisGate implements Gate with SET NX locks so several bridge replicas
// share one admission view.
type RedisGate struct {
	client  *redis.Client
	prefix  string
	lockTTL time.Duration
	logger  *zap.Logger
}

// NewRedisGate creates a Redis-backed gate.
func NewRedisGate(client *redis.Client, config RedisConfig, logger *zap.Logger) *RedisGate {
	if config.LockTTL <= 0 {
		config.LockTTL = 15 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisGate{
		client:  client,
		prefix:  config.Prefix,
		lockTTL: config.LockTTL,
		logger:  logger.Named("gate"),
	}
}

// key builds the final Redis key with prefix.
func (g *RedisGate) key(requesterID string) string {
	if g.prefix == "" {
		return "gate:" + requesterID
	}
	return g.prefix + ":gate:" + requesterID
}

func (g *RedisGate) TryAdmit(ctx context.Context, requesterID string) (Release, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context error: %w", err)
	}

	key := g.key(requesterID)
	token := uuid.NewString()

	ok, err := g.client.SetNX(ctx, key, token, g.lockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("requester %q: %w", requesterID, detect.ErrBusy)
	}

	return onceRelease(func() {
		// The caller's context may already be done; release on its own deadline.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := releaseScript.Run(rctx, g.client, []string{key}, token).Err(); err != nil {
			g.logger.Warn("gate_release_failed",
				zap.String("requester_id", requesterID),
				zap.Error(err),
			)
		}
	}), nil
}

// Ping checks if Redis connection is healthy.
func (g *RedisGate) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}
	return g.client.Ping(ctx).Err()
}

var _ Gate = (*RedisGate)(nil)
