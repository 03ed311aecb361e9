package shm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// OpenWait attaches to topic, waiting for its writer to create it. The
// channel directory is watched for new files; a slow poll covers the window
// between file creation and header initialisation, which produces no event.
func OpenWait(ctx context.Context, topic string, opts Options) (*Reader, error) {
	r, err := Open(topic, opts)
	if err == nil || !errors.Is(err, ErrChannelNotFound) {
		return r, err
	}

	dir := opts.dir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create channel directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	ticker := time.NewTicker(20 * opts.pollInterval())
	defer ticker.Stop()
	logs.Diagf("waiting for channel %s in %s", topic, dir)
	for {
		r, err := Open(topic, opts)
		if err == nil || !errors.Is(err, ErrChannelNotFound) {
			return r, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for channel %s: %w", topic, ctx.Err())
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil, fmt.Errorf("channel watcher for %s stopped", topic)
			}
			logs.Tracef("watch %s: %s", ev.Name, ev.Op)
		case werr, ok := <-watcher.Errors:
			if ok {
				logs.Opsf("channel watcher error: %v", werr)
			}
		case <-ticker.C:
		}
	}
}
