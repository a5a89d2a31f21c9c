package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/KiprotichDev/NetPesa/internal/pkg/env"
)

// NewClientFromEnv builds a Redis client from CACHE_* environment variables
// and verifies the connection. The client is constructed once at process
// start and handed to the components that need it; there is no lazy global.
func NewClientFromEnv(ctx context.Context) (*redis.Client, error) {
	host := env.GetEnv("CACHE_HOST", "localhost")
	port := env.GetEnv("CACHE_PORT", "6379")
	password := env.GetEnv("CACHE_PASSWORD", "")

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", host, port),
		Password: password,
		DB:       0,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pong, err := client.Ping(pingCtx).Result()
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed for %s:%s: %w", host, port, err)
	}
	log.Infof("[Cache] Connected to Redis at %s:%s (%s)", host, port, pong)

	return client, nil
}
