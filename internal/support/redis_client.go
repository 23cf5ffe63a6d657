package support

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPingTimeout = 5 * time.Second

// ErrRedisDisabled is returned when no redis URL has been configured.
var ErrRedisDisabled = errors.New("support: redis is not configured")

var (
	redisMu     sync.Mutex
	redisURL    string
	redisClient *redis.Client
)

// ConfigureRedis sets the URL used by GetRedisClient. An empty URL disables
// redis. A previously opened client is closed.
func ConfigureRedis(url string) {
	redisMu.Lock()
	defer redisMu.Unlock()

	url = strings.TrimSpace(url)
	if url == redisURL {
		return
	}
	if redisClient != nil {
		_ = redisClient.Close()
		redisClient = nil
	}
	redisURL = url
}

// RedisEnabled reports whether a redis URL is configured.
func RedisEnabled() bool {
	redisMu.Lock()
	defer redisMu.Unlock()
	return redisURL != ""
}

// GetRedisClient returns the shared client, connecting on first use.
func GetRedisClient(ctx context.Context) (*redis.Client, error) {
	redisMu.Lock()
	defer redisMu.Unlock()

	if redisClient != nil {
		return redisClient, nil
	}
	if redisURL == "" {
		return nil, ErrRedisDisabled
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()

	client := redis.NewClient(opt)
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	redisClient = client
	return redisClient, nil
}

func CloseRedisClient() error {
	redisMu.Lock()
	defer redisMu.Unlock()

	if redisClient == nil {
		return nil
	}

	err := redisClient.Close()
	redisClient = nil
	return err
}
