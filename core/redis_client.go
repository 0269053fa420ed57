package core

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// redisDialTimeout bounds the connection check so a wrong REDIS_URL
// fails startup quickly instead of hanging it.
const redisDialTimeout = 5 * time.Second

// DialRedis parses a Redis connection URL, opens a client, and
// verifies the connection with a bounded ping. The checkpoint, review,
// and audit stores all dial through here so a misconfigured REDIS_URL
// fails the same way on every startup path.
func DialRedis(url string, logger Logger) (*redis.Client, error) {
	if url == "" {
		return nil, fmt.Errorf("redis URL is required: %w", ErrInvalidConfiguration)
	}

	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL %s: %w (check REDIS_URL environment variable)", url, err)
	}

	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), redisDialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w (check REDIS_URL and Redis connectivity)", url, err)
	}

	if logger != nil {
		logger.Debug("Redis connection established", map[string]interface{}{
			"operation": "redis_dial",
			"db":        redisOpts.DB,
		})
	}

	return client, nil
}
