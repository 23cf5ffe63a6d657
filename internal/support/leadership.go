package support

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultLeadershipTTL = 45 * time.Second
	leaderRetryDelay     = time.Second
	leaderOpTimeout      = 5 * time.Second
	minRenewInterval     = time.Second
)

var (
	lockToken atomic.Uint64

	// Both scripts only touch the key while it still holds our token.
	extendLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	dropLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

var errLockLost = errors.New("support: leader lock lost")

// RunWithLeader blocks until this process holds the lock at key, then calls
// run with a context that is canceled once the lock can no longer be renewed.
// After run returns the lock is released and the loop competes again. It
// returns when ctx is done.
func RunWithLeader(ctx context.Context, client *redis.Client, key string, ttl time.Duration, run func(context.Context)) error {
	if run == nil {
		return errors.New("support: leader run function cannot be nil")
	}
	if client == nil {
		return ErrRedisDisabled
	}
	if ttl <= 0 {
		ttl = DefaultLeadershipTTL
	}

	for {
		lock, err := acquireLock(ctx, client, key, ttl)
		if err != nil {
			return err
		}

		log.Debug("Leader lock acquired", "key", key)
		lock.hold(ctx, run)
		log.Debug("Leader lock released", "key", key)

		if !sleepCtx(ctx, leaderRetryDelay) {
			return ctx.Err()
		}
	}
}

type leaderLock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

// acquireLock polls SETNX until it wins or ctx is done.
func acquireLock(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (*leaderLock, error) {
	lock := &leaderLock{
		client: client,
		key:    key,
		token:  fmt.Sprintf("%s-%d-%d", InstanceID(), time.Now().UnixNano(), lockToken.Add(1)),
		ttl:    ttl,
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ok, err := client.SetNX(ctx, key, lock.token, ttl).Result()
		switch {
		case err == nil && ok:
			return lock, nil
		case err != nil && ctx.Err() == nil:
			log.Warn("Leader lock: setnx failed", "key", key, "error", err)
		}

		if !sleepCtx(ctx, leaderRetryDelay) {
			return nil, ctx.Err()
		}
	}
}

func (l *leaderLock) hold(parent context.Context, run func(context.Context)) {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	go func() {
		defer close(done)
		l.renew(ctx, cancel)
	}()

	run(ctx)
	cancel()
	<-done

	if err := l.release(); err != nil {
		log.Warn("Leader lock: release failed", "key", l.key, "error", err)
	}
}

func (l *leaderLock) renew(ctx context.Context, lost context.CancelFunc) {
	interval := max(l.ttl/3, minRenewInterval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.extend(); err != nil {
				log.Warn("Leader lock: renewal failed", "key", l.key, "error", err)
				lost()
				return
			}
		}
	}
}

func (l *leaderLock) extend() error {
	ctx, cancel := context.WithTimeout(context.Background(), leaderOpTimeout)
	defer cancel()

	n, err := extendLockScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return errLockLost
	}
	return nil
}

func (l *leaderLock) release() error {
	ctx, cancel := context.WithTimeout(context.Background(), leaderOpTimeout)
	defer cancel()

	err := dropLockScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
