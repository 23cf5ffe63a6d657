package config

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultFeedUpdateInterval = 6 * time.Hour
	minFeedUpdateInterval     = time.Minute
)

var (
	feedUpdateInterval  atomic.Int64
	feedUpdateListeners []chan time.Duration
	listenersMu         sync.Mutex
)

func init() {
	feedUpdateInterval.Store(int64(defaultFeedUpdateInterval))
}

func GetFeedUpdateInterval() time.Duration {
	return time.Duration(feedUpdateInterval.Load())
}

// FeedUpdateIntervalUpdates returns a channel that receives the current
// interval immediately and every later change. Slow receivers only see the
// most recent value.
func FeedUpdateIntervalUpdates() <-chan time.Duration {
	ch := make(chan time.Duration, 1)
	listenersMu.Lock()
	feedUpdateListeners = append(feedUpdateListeners, ch)
	listenersMu.Unlock()

	ch <- GetFeedUpdateInterval()
	return ch
}

func setFeedUpdateInterval(interval time.Duration) {
	if interval <= 0 {
		interval = defaultFeedUpdateInterval
	}
	if interval < minFeedUpdateInterval {
		interval = minFeedUpdateInterval
	}

	if time.Duration(feedUpdateInterval.Swap(int64(interval))) == interval {
		return
	}

	listenersMu.Lock()
	defer listenersMu.Unlock()
	for _, ch := range feedUpdateListeners {
		// replace a stale value the receiver has not read yet
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- interval:
		default:
		}
	}
}
