package support

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunWithLeaderRejectsMissingInputs(t *testing.T) {
	err := RunWithLeader(context.Background(), nil, "k", time.Second, func(context.Context) {})
	require.ErrorIs(t, err, ErrRedisDisabled)

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	t.Cleanup(func() { _ = client.Close() })
	assert.Error(t, RunWithLeader(context.Background(), client, "k", time.Second, nil))
}

func TestRunWithLeaderReturnsOnCanceledContext(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0", MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RunWithLeader(ctx, client, "ip2asn:leader:test", time.Second, func(context.Context) {
		t.Error("run called without holding the lock")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSleepCtx(t *testing.T) {
	assert.True(t, sleepCtx(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, sleepCtx(ctx, time.Hour))
}
