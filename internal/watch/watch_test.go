package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWatcher(t *testing.T, path string, debounce time.Duration) *atomic.Int32 {
	t.Helper()

	var calls atomic.Int32
	w, err := New(path, debounce, func(context.Context) { calls.Add(1) })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	// give the watcher time to register the directory
	time.Sleep(100 * time.Millisecond)
	return &calls
}

func TestWatcherDebouncesWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o644))

	calls := startWatcher(t, path, 150*time.Millisecond)

	for i := range 5 {
		require.NoError(t, os.WriteFile(path, []byte{byte('0' + i), '\n'}, 0o644))
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 3*time.Second, 10*time.Millisecond)
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWatcherSeesRenameIntoPlace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "table.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("old\n"), 0o644))

	calls := startWatcher(t, path, 20*time.Millisecond)

	tmp := filepath.Join(dir, ".table-download")
	require.NoError(t, os.WriteFile(tmp, []byte("new\n"), 0o644))
	require.NoError(t, os.Rename(tmp, path))

	require.Eventually(t, func() bool { return calls.Load() >= 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "table.jsonl")

	calls := startWatcher(t, path, 20*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.jsonl"), []byte("x\n"), 0o644))
	time.Sleep(300 * time.Millisecond)
	assert.Zero(t, calls.Load())
}

func TestRelevant(t *testing.T) {
	w, err := New("/srv/ip2asn/table.jsonl", 0, func(context.Context) {})
	require.NoError(t, err)

	assert.True(t, w.relevant(fsnotify.Event{Name: "/srv/ip2asn/table.jsonl", Op: fsnotify.Write}))
	assert.True(t, w.relevant(fsnotify.Event{Name: "/srv/ip2asn/table.jsonl", Op: fsnotify.Create}))
	assert.False(t, w.relevant(fsnotify.Event{Name: "/srv/ip2asn/table.jsonl", Op: fsnotify.Remove}))
	assert.False(t, w.relevant(fsnotify.Event{Name: "/srv/ip2asn/table.jsonl.tmp", Op: fsnotify.Write}))
}

func TestNewRequiresCallback(t *testing.T) {
	_, err := New("table.jsonl", time.Second, nil)
	require.Error(t, err)
}
