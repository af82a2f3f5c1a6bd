package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// RoutesCallback is called with the new, parsed routes file on every
// successful reload. It runs synchronously — keep it fast.
type RoutesCallback func(rf *RoutesFile)

// Watcher watches the routes file for changes and triggers a callback with
// the new route set. It uses both fsnotify (for low-latency notification on
// real filesystems) and periodic content-hash polling (to reliably detect
// Kubernetes ConfigMap volume updates, which swap symlinks at the VFS layer
// and may not generate inotify events).
type Watcher struct {
	path         string
	dir          string // parent directory — watched for atomic rename saves.
	callback     RoutesCallback
	logger       *slog.Logger
	debounce     time.Duration
	pollInterval time.Duration

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
}

// NewWatcher creates a routes file watcher. The watcher does NOT start
// watching until Start is called.
func NewWatcher(path string, callback RoutesCallback, logger *slog.Logger) *Watcher {
	return &Watcher{
		path:         path,
		dir:          filepath.Dir(path),
		callback:     callback,
		logger:       logger,
		debounce:     300 * time.Millisecond,
		pollInterval: 2 * time.Second,
	}
}

// Start begins watching the routes file. Blocks until the context is
// canceled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(w.dir); err != nil {
		return err
	}

	lastHash := hashFile(w.path)
	var debounceTimer *time.Timer
	debounceCh := make(chan struct{}, 1)

	fire := func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
		debounceTimer = time.AfterFunc(w.debounce, func() {
			select {
			case debounceCh <- struct{}{}:
			default:
			}
		})
	}

	poll := time.NewTicker(w.pollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) == filepath.Clean(w.path) ||
				ev.Op&(fsnotify.Create|fsnotify.Rename) != 0 {
				fire()
			}

		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("routes watcher error", "error", watchErr)

		case <-poll.C:
			if h := hashFile(w.path); h != lastHash {
				fire()
			}

		case <-debounceCh:
			h := hashFile(w.path)
			if h == lastHash {
				continue
			}
			lastHash = h
			w.reload()
		}
	}
}

// reload parses the routes file and invokes the callback on success.
// Parse failures keep the previous route set.
func (w *Watcher) reload() {
	rf, err := LoadRoutesFile(w.path)
	if err != nil {
		w.logger.Error("routes file reload failed, keeping previous routes", "error", err)
		return
	}
	w.logger.Info("routes file changed, applying", "routes", len(rf.Routes))
	w.callback(rf)
}

// Stop terminates the watcher. Safe to call multiple times.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	if w.cancel != nil {
		w.cancel()
	}
}

// hashFile returns the hex SHA-256 of the file contents, or "" when the file
// cannot be read.
func hashFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}
