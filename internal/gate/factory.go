package gate

import (
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Config struct {
	Backend string // "memory" or "redis"
	Prefix  string
	LockTTL time.Duration
}

func New(cfg Config, redisClient *redis.Client, logger *zap.Logger) Gate {
	switch cfg.Backend {
	case "redis":
		return NewRedisGate(redisClient, RedisConfig{
			Prefix:  cfg.Prefix,
			LockTTL: cfg.LockTTL,
		}, logger)
	default:
		return NewMemoryGate()
	}
}
