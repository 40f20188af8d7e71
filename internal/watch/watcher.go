package watch

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// ErrNativeUnavailable wraps failures to set up OS file notifications.
var ErrNativeUnavailable = errors.New("native file watching unavailable")

// Mode names a Watcher implementation.
type Mode string

const (
	ModeNative  Mode = "native"
	ModePolling Mode = "polling"
)

// Watcher reports changes under a directory tree.
type Watcher interface {
	// Run sends events until ctx is cancelled, then returns nil.
	// It never closes events.
	Run(ctx context.Context, events chan<- Event) error
	// Mode reports which implementation this is.
	Mode() Mode
	// Close releases OS resources. Safe to call after Run returns.
	Close() error
}

// Options configures New.
type Options struct {
	Rules        *RuleSet
	PollInterval time.Duration
	ForcePolling bool
}

// New returns a NativeWatcher for opts.Rules.Root(), or a PollWatcher when
// native notifications cannot be set up or opts.ForcePolling is set.
// The fallback is logged once as a warning.
func New(opts Options, logger *zap.Logger) Watcher {
	if opts.ForcePolling {
		logger.Info("polling for changes", zap.Duration("interval", opts.PollInterval))
		return NewPollWatcher(opts.Rules, opts.PollInterval, logger)
	}

	nw, err := NewNativeWatcher(opts.Rules, logger)
	if err == nil {
		return nw
	}

	logger.Warn("falling back to polling",
		zap.Error(err),
		zap.Duration("interval", opts.PollInterval))
	return NewPollWatcher(opts.Rules, opts.PollInterval, logger)
}
