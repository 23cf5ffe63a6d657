package runtime

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ip2asn/internal/feed"
)

type countingUpdater struct {
	calls atomic.Int32
	err   error
}

func (u *countingUpdater) Update(context.Context) (feed.Result, error) {
	u.calls.Add(1)
	return feed.Result{Updated: true}, u.err
}

func TestFeedUpdateLoopRunsOnStartup(t *testing.T) {
	updater := &countingUpdater{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		StartFeedUpdateRoutine(ctx, updater, nil)
	}()

	require.Eventually(t, func() bool { return updater.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("feed update routine did not stop after cancel")
	}
	assert.Equal(t, int32(1), updater.calls.Load())
}

func TestFeedUpdateLoopFollowsIntervalChanges(t *testing.T) {
	updater := &countingUpdater{}
	intervals := make(chan time.Duration, 1)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go runFeedUpdateLoop(ctx, updater, intervals)
	require.Eventually(t, func() bool { return updater.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	intervals <- 10 * time.Millisecond
	require.Eventually(t, func() bool { return updater.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestRunFeedUpdateToleratesErrors(t *testing.T) {
	for _, err := range []error{nil, feed.ErrNoURL, errors.New("boom")} {
		updater := &countingUpdater{err: err}
		RunFeedUpdate(context.Background(), updater, "test")
		assert.Equal(t, int32(1), updater.calls.Load())
	}
}
