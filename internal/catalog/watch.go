package catalog

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	watchDebounce      = 250 * time.Millisecond
	restartBackoffBase = 500 * time.Millisecond
	restartBackoffMax  = 30 * time.Second
)

// Watch reloads the override file whenever it changes until ctx is done.
// Editors emit bursts of events, so reloads are debounced. The directory is
// watched rather than the file so atomic renames are picked up. Invalid
// edits are logged and the previous catalog stays in place.
func (c *Catalog) Watch(ctx context.Context) error {
	if c.path == "" {
		<-ctx.Done()
		return nil
	}
	dir := filepath.Dir(c.path)
	file := filepath.Base(c.path)

	var mu sync.Mutex
	var timer *time.Timer
	debounce := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, func() {
			if ctx.Err() != nil {
				return
			}
			if err := c.Reload(); err != nil {
				slog.Warn("Catalog.Watch: reload rejected", "path", c.path, "error", err)
			}
		})
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	backoff := restartBackoffBase
	wait := func() bool {
		d := backoff + time.Duration(rand.Int64N(int64(backoff/2)+1))
		backoff = min(backoff*2, restartBackoffMax)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}

	for ctx.Err() == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			slog.Warn("Catalog.Watch: watcher init failed", "dir", dir, "error", err)
			if !wait() {
				return nil
			}
			continue
		}
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			slog.Warn("Catalog.Watch: watch add failed", "dir", dir, "error", err)
			if !wait() {
				return nil
			}
			continue
		}
		backoff = restartBackoffBase
		slog.Debug("Catalog.Watch: watcher started", "dir", dir, "file", file)

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				if strings.EqualFold(filepath.Base(ev.Name), file) &&
					ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					debounce()
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err != nil {
					// Events may have been dropped; reload once to catch up.
					slog.Warn("Catalog.Watch: watcher error", "error", err)
					debounce()
				}
			}
		}
		_ = w.Close()
		slog.Warn("Catalog.Watch: watcher closed, restarting", "dir", dir)
		if !wait() {
			return nil
		}
	}
	return nil
}
