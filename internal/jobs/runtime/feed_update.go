package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"ip2asn/internal/config"
	"ip2asn/internal/feed"
	"ip2asn/internal/support"
)

const feedUpdateLockKey = "ip2asn:leader:feed_update"

// FeedUpdater is satisfied by *feed.Updater.
type FeedUpdater interface {
	Update(ctx context.Context) (feed.Result, error)
}

// StartFeedUpdateRoutine downloads the feed on startup and then on every
// configured interval until ctx is done. With a redis client only the
// instance holding the leader lock downloads; the others receive the feed
// through redis.
func StartFeedUpdateRoutine(ctx context.Context, updater FeedUpdater, client *redis.Client) {
	intervals := config.FeedUpdateIntervalUpdates()

	if client == nil {
		runFeedUpdateLoop(ctx, updater, intervals)
		return
	}

	err := support.RunWithLeader(ctx, client, feedUpdateLockKey, support.DefaultLeadershipTTL, func(leaderCtx context.Context) {
		runFeedUpdateLoop(leaderCtx, updater, intervals)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Feed update routine stopped", "error", err)
	}
}

func runFeedUpdateLoop(ctx context.Context, updater FeedUpdater, intervals <-chan time.Duration) {
	currentInterval := config.GetFeedUpdateInterval()
	ticker := time.NewTicker(currentInterval)
	defer ticker.Stop()

	RunFeedUpdate(ctx, updater, "startup")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			RunFeedUpdate(ctx, updater, "scheduled")
		case newInterval := <-intervals:
			if newInterval <= 0 || newInterval == currentInterval {
				continue
			}
			currentInterval = newInterval
			ticker.Reset(currentInterval)
			log.Debug("Feed update interval changed", "interval", currentInterval)
		}
	}
}

// RunFeedUpdate runs one update and logs the outcome.
func RunFeedUpdate(ctx context.Context, updater FeedUpdater, reason string) {
	res, err := updater.Update(ctx)
	switch {
	case errors.Is(err, feed.ErrNoURL):
		log.Debug("Feed update skipped: no url", "reason", reason)
	case err != nil && ctx.Err() != nil:
		log.Debug("Feed update interrupted", "reason", reason)
	case err != nil:
		log.Error("Feed update failed", "reason", reason, "error", err)
	case res.Updated:
		log.Info("Feed updated", "reason", reason, "bytes", res.Bytes)
	default:
		log.Debug("Feed unchanged", "reason", reason, "not_modified", res.NotModified)
	}
}
