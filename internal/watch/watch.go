// Package watch reports changes to a single file. The parent directory is
// watched rather than the file itself so that replacing the file by rename is
// seen the same way as writing it in place.
package watch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

const relevantOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Chmod

type FileWatcher struct {
	path     string
	debounce time.Duration
	onChange func(context.Context)
}

// New calls onChange once a burst of changes to path has been quiet for
// debounce. onChange runs on the watcher goroutine, so at most one call is
// in progress at a time.
func New(path string, debounce time.Duration, onChange func(context.Context)) (*FileWatcher, error) {
	if onChange == nil {
		return nil, errors.New("watch: onChange cannot be nil")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("watch: resolve %s: %w", path, err)
	}
	return &FileWatcher{
		path:     filepath.Clean(abs),
		debounce: max(debounce, 0),
		onChange: onChange,
	}, nil
}

// Run watches until ctx is done.
func (w *FileWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch: add %s: %w", dir, err)
	}
	log.Info("Watching table file", "path", w.path, "debounce", w.debounce)

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			log.Debug("Table file event", "op", event.Op.String(), "path", event.Name)

			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			w.onChange(ctx)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error("Table file watcher error", "path", w.path, "error", err)
		}
	}
}

func (w *FileWatcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	return event.Op&relevantOps != 0
}
