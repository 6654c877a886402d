// Package watcher watches an ONNX model file and reports when it is replaced
// on disk, so a long-lived server can drop the stale loaded model.
package watcher

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 400 * time.Millisecond

// ModelWatcher invokes onChange when the watched model file is written,
// created, or renamed. Events are debounced since model exports arrive as
// bursts of writes.
type ModelWatcher struct {
	path     string
	onChange func()
	debounce time.Duration
	logger   *zap.Logger

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	timer   *time.Timer
	started bool
}

// NewModelWatcher creates a watcher for the model file at path. logger may
// be nil.
func NewModelWatcher(path string, onChange func(), logger *zap.Logger) *ModelWatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelWatcher{
		path:     path,
		onChange: onChange,
		debounce: defaultDebounce,
		logger:   logger,
	}
}

// Start begins watching and returns immediately; events are handled in a
// background goroutine until ctx is cancelled or Stop is called.
// The parent directory is watched rather than the file itself, since model
// exports typically replace the file via rename.
func (w *ModelWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		_ = watcher.Close()
		w.mu.Unlock()
		return err
	}
	w.watcher = watcher
	w.started = true
	w.mu.Unlock()

	go w.run(ctx)
	return nil
}

func (w *ModelWatcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug("model file changed", zap.String("path", event.Name), zap.String("op", event.Op.String()))
			w.schedule()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", zap.Error(err))
		}
	}
}

// schedule arms the debounce timer, resetting it if already armed.
func (w *ModelWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.onChange)
}

// Stop stops watching. Safe to call more than once.
func (w *ModelWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return
	}
	w.started = false
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	_ = w.watcher.Close()
}
