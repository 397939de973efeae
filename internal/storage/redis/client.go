package redisstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rzbill/relay/internal/config"
)

// Open builds a go-redis client from configuration. The caller owns Close.
func Open(cfg config.Redis) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// CheckHealth verifies the distributed tier is reachable.
func CheckHealth(ctx context.Context, c *redis.Client) error {
	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.Ping(cctx).Err()
}
