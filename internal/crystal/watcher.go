package crystal

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"goalforge/internal/logging"
)

// Watcher hot-reloads crystallized tool sources. Editing a .go file under
// the tools directory re-verifies and re-registers the tool; deleting one
// unregisters it. Rapid saves are debounced so editors that write in
// several bursts trigger a single reload.
type Watcher struct {
	mu          sync.RWMutex
	watcher     *fsnotify.Watcher
	gate        *Gate
	toolsDir    string
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool

	stats WatcherStats
}

// WatcherStats tracks reload activity for debugging.
type WatcherStats struct {
	Reloads       int
	Unregistered  int
	Errors        int
	LastEventTime time.Time
	LastEventPath string
}

// NewWatcher creates a watcher over the gate's tools directory.
func NewWatcher(gate *Gate) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:     fw,
		gate:        gate,
		toolsDir:    gate.cfg.ToolsDir,
		debounceMap: make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the event loop runs in a goroutine
// until Stop or ctx cancellation.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := os.MkdirAll(w.toolsDir, 0755); err != nil {
		logging.Tools("Watcher: could not create tools dir %s: %v", w.toolsDir, err)
	}
	if err := w.watcher.Add(w.toolsDir); err != nil {
		logging.Tools("Watcher: initial watch of %s failed: %v", w.toolsDir, err)
	} else {
		logging.Tools("Watcher: watching %s", w.toolsDir)
	}

	go w.run(ctx)
	return nil
}

// Stop halts the watcher and waits for the event loop to exit.
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
		logging.ToolsError("Watcher: close failed: %v", err)
	}
}

// IsWatching reports whether the event loop is running.
func (w *Watcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// Stats returns a snapshot of reload activity.
func (w *Watcher) Stats() WatcherStats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

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
			logging.ToolsError("Watcher: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()
		case <-ticker.C:
			w.processDebounced()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, ".go") {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.stats.LastEventTime = time.Now()
	w.stats.LastEventPath = event.Name

	switch {
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		w.debounceMap[event.Name] = time.Now()
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		delete(w.debounceMap, event.Name)
		name := toolNameFromPath(event.Name)
		if w.gate.registry.Has(name) {
			w.gate.registry.Unregister(name)
			w.stats.Unregistered++
			logging.Tools("Watcher: unregistered %s", name)
		}
	}
}

func (w *Watcher) processDebounced() {
	w.mu.Lock()
	now := time.Now()
	settled := make([]string, 0)
	for path, at := range w.debounceMap {
		if now.Sub(at) >= w.debounceDur {
			settled = append(settled, path)
			delete(w.debounceMap, path)
		}
	}
	w.mu.Unlock()

	for _, path := range settled {
		w.reload(path)
	}
}

// reload re-verifies an edited tool source and swaps the registration.
func (w *Watcher) reload(path string) {
	source, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		logging.ToolsError("Watcher: reading %s: %v", path, err)
		w.mu.Lock()
		w.stats.Errors++
		w.mu.Unlock()
		return
	}

	name := toolNameFromPath(path)
	if err := w.gate.Register(name, string(source)); err != nil {
		logging.ToolsError("Watcher: reload of %s rejected: %v", name, err)
		w.mu.Lock()
		w.stats.Errors++
		w.mu.Unlock()
		return
	}

	// Keep the persisted copy in sync with hand edits.
	if stored, err := w.gate.toolsDB.Get(name); err == nil {
		stored.Source = string(source)
		if err := w.gate.toolsDB.Put(stored); err != nil {
			logging.ToolsError("Watcher: persisting %s: %v", name, err)
		}
	}

	w.mu.Lock()
	w.stats.Reloads++
	w.mu.Unlock()
	logging.Tools("Watcher: reloaded %s", name)
}

func toolNameFromPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".go")
}
