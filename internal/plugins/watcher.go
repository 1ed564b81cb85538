package plugins

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"unicorn/internal/logging"
)

// Watcher watches the plugin directory and keeps the registry in step with
// it. Its goroutine is the only writer of the registry once started.
type Watcher struct {
	mu          sync.RWMutex
	watcher     *fsnotify.Watcher
	loader      *Loader
	registry    *Registry
	dir         string
	ext         string
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
	log         *zap.SugaredLogger

	stats WatcherStats
}

// WatcherStats tracks watcher activity.
type WatcherStats struct {
	FilesCreated  int
	FilesModified int
	FilesDeleted  int
	Loaded        int
	Removed       int
	LoadFailures  int
	Errors        int
	LastEventTime time.Time
	LastEventPath string
	LastEventType string
	LastError     string
}

// NewWatcher creates a watcher for dir. Files must end in ext.
func NewWatcher(dir, ext string, loader *Loader, registry *Registry, debounce time.Duration) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 300 * time.Millisecond
	}
	return &Watcher{
		watcher:     w,
		loader:      loader,
		registry:    registry,
		dir:         dir,
		ext:         ext,
		debounceMap: make(map[string]time.Time),
		debounceDur: debounce,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		log:         logging.Get(logging.CategoryWatcher),
	}, nil
}

// InitialScan loads every plugin file once. Files that fail to load are
// logged and left out. Call it after Start so files created in between
// are picked up by one or the other.
func (pw *Watcher) InitialScan(ctx context.Context) (loaded, failed int, err error) {
	files, err := ListFiles(pw.dir, pw.ext)
	if err != nil {
		return 0, 0, err
	}
	for _, path := range files {
		if pw.reload(ctx, path) {
			loaded++
		} else {
			failed++
		}
	}
	pw.log.Infow("initial plugin scan", "dir", pw.dir, "loaded", loaded, "failed", failed)
	return loaded, failed, nil
}

// Start begins watching. It is non-blocking.
func (pw *Watcher) Start(ctx context.Context) error {
	pw.mu.Lock()
	if pw.running {
		pw.mu.Unlock()
		return nil
	}
	pw.running = true
	pw.mu.Unlock()

	if err := os.MkdirAll(pw.dir, 0755); err != nil {
		pw.log.Warnw("failed to create plugin dir", "dir", pw.dir, "error", err)
	}
	if err := pw.watcher.Add(pw.dir); err != nil {
		pw.mu.Lock()
		pw.running = false
		pw.mu.Unlock()
		return err
	}
	pw.log.Infow("watching plugin directory", "dir", pw.dir, "debounce", pw.debounceDur)

	go pw.run(ctx)
	return nil
}

// Stop stops the watcher and waits for its goroutine.
func (pw *Watcher) Stop() {
	pw.mu.Lock()
	if !pw.running {
		pw.mu.Unlock()
		pw.watcher.Close()
		return
	}
	pw.running = false
	pw.mu.Unlock()

	close(pw.stopCh)
	<-pw.doneCh

	if err := pw.watcher.Close(); err != nil {
		pw.log.Errorw("error closing watcher", "error", err)
	}
	pw.log.Infow("plugin watcher stopped")
}

func (pw *Watcher) run(ctx context.Context) {
	defer close(pw.doneCh)
	defer logging.Recover(logging.CategoryWatcher, "plugin watcher")

	tick := pw.debounceDur / 3
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	debounceTicker := time.NewTicker(tick)
	defer debounceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pw.stopCh:
			return
		case event, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			pw.handleEvent(event)
		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			pw.log.Errorw("watcher error", "error", err)
			pw.mu.Lock()
			pw.stats.Errors++
			pw.stats.LastError = err.Error()
			pw.mu.Unlock()
		case <-debounceTicker.C:
			pw.processDebounced(ctx)
		}
	}
}

func (pw *Watcher) handleEvent(event fsnotify.Event) {
	if !IsPluginFile(event.Name, pw.ext) {
		return
	}

	var eventType string
	switch {
	case event.Op&fsnotify.Create != 0:
		eventType = "create"
	case event.Op&fsnotify.Write != 0:
		eventType = "modify"
	case event.Op&fsnotify.Remove != 0:
		eventType = "delete"
	case event.Op&fsnotify.Rename != 0:
		eventType = "rename"
	default:
		return
	}

	pw.log.Debugw("plugin file event", "type", eventType, "path", event.Name)

	pw.mu.Lock()
	pw.stats.LastEventTime = time.Now()
	pw.stats.LastEventPath = event.Name
	pw.stats.LastEventType = eventType
	switch eventType {
	case "create":
		pw.stats.FilesCreated++
	case "modify":
		pw.stats.FilesModified++
	case "delete", "rename":
		pw.stats.FilesDeleted++
	}
	pw.debounceMap[event.Name] = time.Now()
	pw.mu.Unlock()
}

// processDebounced handles paths whose last event is older than the
// debounce window.
func (pw *Watcher) processDebounced(ctx context.Context) {
	pw.mu.Lock()
	now := time.Now()
	var settled []string
	for path, at := range pw.debounceMap {
		if now.Sub(at) >= pw.debounceDur {
			settled = append(settled, path)
			delete(pw.debounceMap, path)
		}
	}
	pw.mu.Unlock()

	for _, path := range settled {
		pw.reload(ctx, path)
	}
}

// reload brings the registry entry for path in line with the file. It
// reports whether the registry now holds a fresh module for path.
func (pw *Watcher) reload(ctx context.Context, path string) bool {
	id := filepath.Base(path)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if pw.registry.Remove(id) {
			pw.mu.Lock()
			pw.stats.Removed++
			pw.mu.Unlock()
			pw.log.Infow("plugin removed", "id", id)
		}
		return false
	}

	m, err := pw.loader.Load(ctx, path)
	if err != nil {
		_, kept := pw.registry.Get(id)
		pw.mu.Lock()
		pw.stats.LoadFailures++
		pw.stats.LastError = err.Error()
		pw.mu.Unlock()
		pw.log.Errorw("plugin load failed", "id", id, "error", err, "previous_kept", kept)
		return false
	}

	pw.registry.Upsert(id, m)
	pw.mu.Lock()
	pw.stats.Loaded++
	pw.mu.Unlock()
	pw.log.Infow("plugin loaded", "id", id, "name", m.Name, "generation", m.Generation)
	return true
}

// Stats returns a copy of the watcher statistics.
func (pw *Watcher) Stats() WatcherStats {
	pw.mu.RLock()
	defer pw.mu.RUnlock()
	return pw.stats
}

// IsWatching reports whether the watcher goroutine is running.
func (pw *Watcher) IsWatching() bool {
	pw.mu.RLock()
	defer pw.mu.RUnlock()
	return pw.running
}

// Dir returns the watched directory.
func (pw *Watcher) Dir() string { return pw.dir }
