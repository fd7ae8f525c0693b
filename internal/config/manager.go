package config

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ReloadHook re-reads one hot-reloadable artifact. Hooks must be safe to
// call repeatedly and from the watcher goroutine.
type ReloadHook func() error

// Watcher hot-reloads the artifacts that may change while the gateway runs:
// the sources.yaml overlay and the .rego policy bundle. The closed main
// config record is deliberately not reloadable; changing it means a restart.
type Watcher struct {
	watcher *fsnotify.Watcher
	logger  *zap.Logger

	mu        sync.Mutex
	fileHooks map[string][]ReloadHook // keyed by absolute file path
	dirHooks  map[string][]ReloadHook // keyed by absolute dir path, .rego only
	started   bool
	stopCh    chan struct{}
}

// NewWatcher creates an idle watcher. Register hooks, then Start it.
func NewWatcher(logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	return &Watcher{
		watcher:   fw,
		logger:    logger,
		fileHooks: make(map[string][]ReloadHook),
		dirHooks:  make(map[string][]ReloadHook),
		stopCh:    make(chan struct{}),
	}, nil
}

// WatchFile invokes hook whenever path is written or recreated. The parent
// directory is watched, not the file itself, so editors that replace the
// file (rename-over) still trigger.
func (w *Watcher) WatchFile(path string, hook ReloadHook) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	if err := w.watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	w.mu.Lock()
	w.fileHooks[abs] = append(w.fileHooks[abs], hook)
	w.mu.Unlock()
	return nil
}

// WatchPolicyDir invokes hook whenever any .rego file under dir changes.
func (w *Watcher) WatchPolicyDir(dir string, hook ReloadHook) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", dir, err)
	}
	if err := w.watcher.Add(abs); err != nil {
		return fmt.Errorf("watch %s: %w", abs, err)
	}
	w.mu.Lock()
	w.dirHooks[abs] = append(w.dirHooks[abs], hook)
	w.mu.Unlock()
	return nil
}

// Start runs the watch loop until ctx is canceled or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	files, dirs := len(w.fileHooks), len(w.dirHooks)
	w.mu.Unlock()

	go w.watchLoop(ctx)
	w.logger.Info("Configuration watcher started",
		zap.Int("files", files),
		zap.Int("policy_dirs", dirs))
}

// Stop ends the watch loop and releases the underlying watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return w.watcher.Close()
	}
	w.started = false
	close(w.stopCh)
	return w.watcher.Close()
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Watch loop panicked", zap.Any("panic", r))
		}
	}()

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
			w.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	// Chmod-only events are editor noise.
	if event.Op == fsnotify.Chmod {
		return
	}

	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return
	}

	w.mu.Lock()
	hooks := append([]ReloadHook(nil), w.fileHooks[abs]...)
	if strings.HasSuffix(abs, ".rego") {
		hooks = append(hooks, w.dirHooks[filepath.Dir(abs)]...)
	}
	w.mu.Unlock()

	if len(hooks) == 0 {
		return
	}

	// Editors often write in rapid bursts; let the file settle first.
	time.Sleep(50 * time.Millisecond)

	w.logger.Info("Reloading after file change",
		zap.String("file", filepath.Base(abs)),
		zap.String("op", event.Op.String()))
	for _, hook := range hooks {
		if err := hook(); err != nil {
			w.logger.Error("Reload failed; keeping previous state",
				zap.String("file", filepath.Base(abs)),
				zap.Error(err))
		}
	}
}
