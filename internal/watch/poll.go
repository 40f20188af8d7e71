package watch

import (
	"context"
	"io/fs"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// PollWatcher is the degraded mode: it walks the tree every interval and
// reports files whose modification time increased since the previous walk.
// Files that appear are tracked from then on without being reported; files
// that vanish are forgotten.
type PollWatcher struct {
	rules    *RuleSet
	interval time.Duration
	logger   *zap.Logger

	// mtimes is owned by the goroutine running Run.
	mtimes map[string]time.Time
}

// NewPollWatcher returns a PollWatcher scanning every interval.
func NewPollWatcher(rules *RuleSet, interval time.Duration, logger *zap.Logger) *PollWatcher {
	return &PollWatcher{
		rules:    rules,
		interval: interval,
		logger:   logger,
		mtimes:   make(map[string]time.Time),
	}
}

// Mode implements Watcher.
func (w *PollWatcher) Mode() Mode { return ModePolling }

// Close implements Watcher.
func (w *PollWatcher) Close() error { return nil }

// Tracked returns the number of files currently tracked.
func (w *PollWatcher) Tracked() int { return len(w.mtimes) }

// Run implements Watcher. The first walk only records modification times.
func (w *PollWatcher) Run(ctx context.Context, events chan<- Event) error {
	w.scan(time.Now())
	w.logger.Info("watching for changes",
		zap.String("mode", string(ModePolling)),
		zap.String("root", w.rules.Root()),
		zap.Int("files", len(w.mtimes)),
		zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			for _, ev := range w.scan(now) {
				if !send(ctx, events, ev) {
					return nil
				}
			}
		}
	}
}

// scan walks the tree once and returns write events for files whose
// modification time moved forward.
func (w *PollWatcher) scan(now time.Time) []Event {
	var changed []Event
	seen := make(map[string]struct{}, len(w.mtimes))
	root := w.rules.Root()

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			// Vanished between readdir and stat; drop it.
			return nil
		}
		if d.IsDir() {
			if path != root && w.rules.SkipDir(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if w.rules.Ignored(path) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		seen[path] = struct{}{}

		mtime := info.ModTime()
		prev, tracked := w.mtimes[path]
		w.mtimes[path] = mtime
		if tracked && mtime.After(prev) {
			changed = append(changed, Event{Path: path, Op: OpWrite, At: now})
		}
		return nil
	})
	if err != nil {
		w.logger.Warn("scan failed", zap.String("root", root), zap.Error(err))
		return nil
	}

	for path := range w.mtimes {
		if _, ok := seen[path]; !ok {
			delete(w.mtimes, path)
		}
	}
	return changed
}
