package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"filenerd/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches .filenerd/config.yaml for changes and reloads it.
// Registered callbacks receive the freshly loaded config; the agent manager
// uses this to apply the runtime-updatable subset without a restart.
type Watcher struct {
	mu          sync.RWMutex
	watcher     *fsnotify.Watcher
	configPath  string
	configDir   string
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
	callbacks   []func(*Config)

	stats WatcherStats
}

// WatcherStats tracks watcher activity for debugging.
type WatcherStats struct {
	Reloads       int
	ReloadErrors  int
	LastEventTime time.Time
}

// NewWatcher creates a config watcher for the given workspace.
func NewWatcher(workspace string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	configPath := DefaultConfigPath(workspace)

	w := &Watcher{
		watcher:     fsw,
		configPath:  configPath,
		configDir:   filepath.Dir(configPath),
		debounceMap: make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond, // Debounce rapid saves
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}

	return w, nil
}

// OnChange registers a callback invoked after each successful reload.
func (w *Watcher) OnChange(cb func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Start begins watching the config directory. Non-blocking.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil // Already running
	}
	w.running = true
	w.mu.Unlock()

	// The directory is watched, not the file: editors replace files by
	// rename, which drops a file-level watch.
	if err := w.watcher.Add(w.configDir); err != nil {
		logging.ConfigWarn("config watcher: initial watch failed (dir may not exist): %v", err)
	} else {
		logging.Config("config watcher: watching %s", w.configDir)
	}

	go w.run(ctx)

	return nil
}

// Stop stops the watcher and waits for cleanup.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		logging.ConfigError("config watcher: error closing: %v", err)
	}
	logging.Config("config watcher: stopped")
}

// IsWatching returns true if the watcher is currently running.
func (w *Watcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// GetStats returns the current watcher statistics.
func (w *Watcher) GetStats() WatcherStats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

// run is the main event loop for the watcher.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	debounceTicker := time.NewTicker(100 * time.Millisecond)
	defer debounceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.ConfigError("config watcher error: %v", err)

		case <-debounceTicker.C:
			w.processDebounced()
		}
	}
}

// handleEvent records a config file event for debounced processing.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Base(event.Name) != filepath.Base(w.configPath) {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return // Ignore chmod, remove
	}

	logging.ConfigDebug("config watcher: %s event for %s", event.Op, event.Name)

	w.mu.Lock()
	w.stats.LastEventTime = time.Now()
	w.debounceMap[event.Name] = time.Now()
	w.mu.Unlock()
}

// processDebounced reloads once events have settled past the debounce window.
func (w *Watcher) processDebounced() {
	w.mu.Lock()
	now := time.Now()
	settled := false
	for path, eventTime := range w.debounceMap {
		if now.Sub(eventTime) >= w.debounceDur {
			delete(w.debounceMap, path)
			settled = true
		}
	}
	w.mu.Unlock()

	if settled {
		w.reload()
	}
}

// reload re-reads the config file and notifies callbacks.
func (w *Watcher) reload() {
	cfg, err := Load(w.configPath)
	if err != nil {
		logging.ConfigError("config watcher: reload failed: %v", err)
		w.mu.Lock()
		w.stats.ReloadErrors++
		w.mu.Unlock()
		return
	}
	if err := cfg.Validate(); err != nil {
		logging.ConfigError("config watcher: reloaded config invalid, keeping previous: %v", err)
		w.mu.Lock()
		w.stats.ReloadErrors++
		w.mu.Unlock()
		return
	}

	// Keep the logging package's own view in sync
	if err := logging.ReloadConfig(); err != nil {
		logging.ConfigWarn("config watcher: logging reload failed: %v", err)
	}

	w.mu.Lock()
	w.stats.Reloads++
	callbacks := make([]func(*Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	logging.Config("config watcher: reloaded %s", w.configPath)
	for _, cb := range callbacks {
		cb(cfg)
	}
}
