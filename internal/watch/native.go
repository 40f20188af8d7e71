package watch

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// NativeWatcher forwards fsnotify write and create events for every
// non-ignored directory under the root. Directories created while running
// are registered as they appear.
type NativeWatcher struct {
	rules   *RuleSet
	fsw     *fsnotify.Watcher
	logger  *zap.Logger
	watched int
}

// NewNativeWatcher registers the tree under rules.Root(). Errors wrap
// ErrNativeUnavailable.
func NewNativeWatcher(rules *RuleSet, logger *zap.Logger) (*NativeWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNativeUnavailable, err)
	}

	w := &NativeWatcher{
		rules:  rules,
		fsw:    fsw,
		logger: logger,
	}
	if err := w.addTree(rules.Root()); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("%w: %v", ErrNativeUnavailable, err)
	}

	logger.Info("watching for changes",
		zap.String("mode", string(ModeNative)),
		zap.String("root", rules.Root()),
		zap.Int("directories", w.watched))
	return w, nil
}

// Mode implements Watcher.
func (w *NativeWatcher) Mode() Mode { return ModeNative }

// Close implements Watcher.
func (w *NativeWatcher) Close() error { return w.fsw.Close() }

// Run implements Watcher.
func (w *NativeWatcher) Run(ctx context.Context, events chan<- Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			out, forward := w.translate(ev)
			if !forward {
				continue
			}
			if !send(ctx, events, out) {
				return nil
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}

// translate maps an fsnotify event to an Event. New directories are
// registered here and not forwarded.
func (w *NativeWatcher) translate(ev fsnotify.Event) (Event, bool) {
	now := time.Now()
	switch {
	case ev.Has(fsnotify.Create):
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if !w.rules.SkipDir(ev.Name) {
				if err := w.addTree(ev.Name); err != nil {
					w.logger.Debug("failed to watch new directory", zap.String("path", ev.Name), zap.Error(err))
				}
			}
			return Event{}, false
		}
		return Event{Path: ev.Name, Op: OpCreate, At: now}, true
	case ev.Has(fsnotify.Write):
		return Event{Path: ev.Name, Op: OpWrite, At: now}, true
	default:
		// Chmod, Remove and Rename never trigger a restart.
		return Event{}, false
	}
}

// addTree registers dir and every non-ignored directory below it.
// Only a failure on dir itself is returned.
func (w *NativeWatcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.rules.Root() && w.rules.SkipDir(path) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			if path == dir {
				return err
			}
			w.logger.Debug("failed to watch directory", zap.String("path", path), zap.Error(err))
			return nil
		}
		w.watched++
		return nil
	})
}
