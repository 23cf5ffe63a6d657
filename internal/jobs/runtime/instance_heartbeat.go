package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"ip2asn/internal/support"
)

const (
	InstanceHeartbeatKeyPrefix = "ip2asn:instance:"
	DefaultHeartbeatInterval   = 15 * time.Second
	DefaultHeartbeatTTL        = 30 * time.Second
	instanceScanBatch          = 100
)

// StartInstanceHeartbeat refreshes this instance's key until ctx is done. The
// value is whatever status returns, typically the served table generation and
// fingerprint, so operators can spot instances lagging behind.
func StartInstanceHeartbeat(ctx context.Context, client *redis.Client, keyPrefix string, interval, ttl time.Duration, status func() string) {
	heartbeatKey := keyPrefix + support.InstanceID()

	sendHeartbeat := func() {
		value := "alive"
		if status != nil {
			value = status()
		}
		if err := client.SetEx(ctx, heartbeatKey, value, ttl).Err(); err != nil && ctx.Err() == nil {
			log.Error("Failed to update instance heartbeat", "key", heartbeatKey, "error", err)
		}
	}

	sendHeartbeat()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sendHeartbeat()
		}
	}
}

func LaunchInstanceHeartbeat(parent context.Context, client *redis.Client, status func() string) context.CancelFunc {
	ctx, cancel := context.WithCancel(parent)
	go StartInstanceHeartbeat(ctx, client, InstanceHeartbeatKeyPrefix, DefaultHeartbeatInterval, DefaultHeartbeatTTL, status)
	return cancel
}

// ActiveInstances returns the heartbeat value of every live instance keyed by
// instance id.
func ActiveInstances(ctx context.Context, client *redis.Client) (map[string]string, error) {
	instances := make(map[string]string)

	iter := client.Scan(ctx, 0, InstanceHeartbeatKeyPrefix+"*", instanceScanBatch).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		value, err := client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		instances[key[len(InstanceHeartbeatKeyPrefix):]] = value
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return instances, nil
}

func CountActiveInstances(ctx context.Context, client *redis.Client) (int, error) {
	instances, err := ActiveInstances(ctx, client)
	if err != nil {
		return 0, err
	}
	return len(instances), nil
}
