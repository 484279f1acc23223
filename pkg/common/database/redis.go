package database

import (
	"context"
	"fmt"
	"time"

	"github.com/TransfuseSolutions/crate/pkg/common/config"
	"github.com/TransfuseSolutions/crate/pkg/common/logger"
	"github.com/redis/go-redis/v9"
)

// NewRedis returns a client for the shared identity read cache. A nil return
// is valid: the caller treats the cache as absent and reads go straight to
// the admin database.
func NewRedis(cfg *config.Config) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logger.Log.WithError(err).Warn("Redis unavailable, identity cache disabled")
		return nil
	}

	logger.Log.Info("Connected to Redis")
	return client
}
