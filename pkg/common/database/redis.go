package database

import (
	"context"
	"fmt"
	"time"

	"github.com/newsloom-ai/pipeline/pkg/common/config"
	"github.com/newsloom-ai/pipeline/pkg/common/logger"
	"github.com/redis/go-redis/v9"
)

// ConnectRedis opens the shared broker connection used by the job queue.
func ConnectRedis(cfg *config.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	logger.Log.Info("Connected to Redis")
	return client, nil
}
