package catalog

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/c360/semstreams-robotics/errors"
)

// DefaultDebounce is how long the watcher waits for further writes to a
// file before reloading it.
const DefaultDebounce = 250 * time.Millisecond

// Watcher reloads catalog files into a Registry when they change on disk.
// A removed file withdraws everything it contributed.
type Watcher struct {
	registry *Registry
	loader   CatalogLoader
	paths    map[string]bool
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	pending map[string]*time.Timer
	stopCh  chan struct{}
	done    chan struct{}
	running bool
}

// NewWatcher watches paths and reloads them into registry
func NewWatcher(registry *Registry, loader CatalogLoader, paths []string, debounce time.Duration, logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default().With("component", "catalog-watcher")
	}
	set := make(map[string]bool, len(paths))
	for _, p := range paths {
		set[filepath.Clean(p)] = true
	}
	return &Watcher{
		registry: registry,
		loader:   loader,
		paths:    set,
		debounce: debounce,
		logger:   logger,
		pending:  make(map[string]*time.Timer),
	}
}

// Start adds watches on the directories holding the catalog files and
// begins processing events until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.WrapTransient(err, "Watcher", "Start", "create fsnotify watcher")
	}

	dirs := make(map[string]bool)
	for p := range w.paths {
		dirs[filepath.Dir(p)] = true
	}
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return errors.WrapTransient(err, "Watcher", "Start", "watch "+dir)
		}
		w.logger.Debug("Watching catalog directory", "dir", dir)
	}

	w.watcher = fw
	w.stopCh = make(chan struct{})
	w.done = make(chan struct{})
	w.running = true

	go w.processEvents(ctx, fw, w.stopCh, w.done)

	w.logger.Info("Catalog watcher started", "files", len(w.paths))
	return nil
}

func (w *Watcher) processEvents(ctx context.Context, fw *fsnotify.Watcher, stopCh, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			w.cancelPending()
			return
		case <-stopCh:
			w.cancelPending()
			return
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Error("Catalog watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	path := filepath.Clean(event.Name)
	if !w.paths[path] {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.reload(path)
	})
}

// reload re-reads path, or withdraws its entries when it no longer exists.
func (w *Watcher) reload(path string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		w.registry.ReplaceSource(path, nil, nil)
		w.logger.Info("Catalog file removed", "path", path)
		return
	}

	rejected, err := LoadInto(w.loader, w.registry, path)
	if err != nil {
		w.logger.Error("Catalog reload failed", "path", path, "error", err)
		return
	}
	w.logger.Info("Catalog file reloaded", "path", path,
		"rejected", len(rejected), "revision", w.registry.Revision())
}

func (w *Watcher) cancelPending() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
}

// Stop ends event processing and closes the underlying watcher
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	close(w.stopCh)
	fw, done := w.watcher, w.done
	w.watcher = nil
	w.mu.Unlock()

	<-done
	if err := fw.Close(); err != nil {
		return errors.Wrap(err, "Watcher", "Stop", "close fsnotify watcher")
	}
	w.logger.Info("Catalog watcher stopped")
	return nil
}
