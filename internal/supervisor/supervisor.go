// Package supervisor ties the change detector to the process controller:
// it boots the child, restarts it on every accepted change and tears it down
// on shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/autorestart/internal/config"
	"github.com/steveyegge/autorestart/internal/control"
	"github.com/steveyegge/autorestart/internal/journal"
	"github.com/steveyegge/autorestart/internal/process"
	"github.com/steveyegge/autorestart/internal/watch"
)

// ErrEntryFileMissing is returned by Run when the configured entry file does
// not exist. No child is spawned.
var ErrEntryFileMissing = errors.New("entry file not found")

// eventBuffer absorbs bursts between the watcher and the detector.
const eventBuffer = 64

// journalTimeout bounds a single journal write.
const journalTimeout = 2 * time.Second

// Options configures a Supervisor.
type Options struct {
	Config *config.Config
	Logger *zap.Logger
	// Stdout and Stderr receive the child's output. Nil means os.Stdout and os.Stderr.
	Stdout io.Writer
	Stderr io.Writer
}

// Supervisor runs one child process and restarts it when sources change.
type Supervisor struct {
	cfg        *config.Config
	logger     *zap.Logger
	instanceID string

	rules      *watch.RuleSet
	detector   *watch.Detector
	controller *process.Controller

	mu        sync.Mutex
	journal   *journal.Journal
	watchMode watch.Mode
	startedAt time.Time
	cancel    context.CancelFunc
}

// New validates the configuration and wires the components. Nothing is
// started until Run.
func New(opts Options) (*Supervisor, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}

	argv, err := cfg.Argv()
	if err != nil {
		return nil, err
	}

	ignore := cfg.IgnoreDirs
	if !slices.Contains(ignore, config.StateDirName) {
		ignore = append(slices.Clone(ignore), config.StateDirName)
	}

	s := &Supervisor{
		cfg:        cfg,
		logger:     logger,
		instanceID: uuid.NewString(),
		rules:      watch.NewRuleSet(cfg.Dir, ignore, cfg.SourceSuffixes),
	}
	s.detector = watch.NewDetector(s.rules, watch.NewDebouncer(cfg.Debounce), logger.Named("detector"))

	s.controller, err = process.NewController(process.Options{
		Argv:         argv,
		Dir:          cfg.Dir,
		StartGrace:   cfg.StartGrace,
		StopTimeout:  cfg.StopTimeout,
		RestartPause: cfg.RestartPause,
		Stdout:       opts.Stdout,
		Stderr:       opts.Stderr,
		OnTransition: s.onTransition,
	}, logger.Named("process"))
	if err != nil {
		return nil, err
	}
	return s, nil
}

// InstanceID identifies this supervisor in logs and the journal.
func (s *Supervisor) InstanceID() string { return s.instanceID }

// Run boots the child and supervises it until ctx is cancelled or Shutdown is
// called. It returns ErrEntryFileMissing, ErrAlreadySupervised or a
// *process.StartupError when the child cannot be brought up, and nil after a
// clean shutdown.
func (s *Supervisor) Run(ctx context.Context) error {
	entry := s.cfg.EntryPath()
	if _, err := os.Stat(entry); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrEntryFileMissing, entry)
		}
		return fmt.Errorf("failed to check entry file: %w", err)
	}

	lockPath := filepath.Join(s.cfg.Dir, config.StateDirName, LockName)
	if err := acquireLock(lockPath, s.instanceID); err != nil {
		return err
	}
	defer func() {
		if err := releaseLock(lockPath, s.instanceID); err != nil {
			s.logger.Warn("failed to release lock", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.cancel = cancel
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.openJournal(ctx)
	defer s.closeJournal()

	// Cleanup must survive the cancellation that triggered it, so the child
	// still gets its graceful stop.
	cleanupCtx := context.WithoutCancel(ctx)
	defer func() {
		if err := s.controller.Cleanup(cleanupCtx); err != nil {
			s.logger.Warn("cleanup failed", zap.Error(err))
		}
	}()

	s.logger.Info("starting supervisor",
		zap.String("dir", s.cfg.Dir),
		zap.String("command", s.cfg.Command),
		zap.String("instance_id", s.instanceID))

	if _, err := s.controller.Start(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("initial start failed: %w", err)
	}

	watcher := watch.New(watch.Options{
		Rules:        s.rules,
		PollInterval: s.cfg.PollInterval,
		ForcePolling: s.cfg.ForcePolling,
	}, s.logger.Named("watch"))
	defer watcher.Close()

	s.mu.Lock()
	s.watchMode = watcher.Mode()
	s.mu.Unlock()
	s.registerInstance(ctx)

	g, gctx := errgroup.WithContext(ctx)
	events := make(chan watch.Event, eventBuffer)

	g.Go(func() error {
		if err := watcher.Run(gctx, events); err != nil {
			return fmt.Errorf("watcher failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return s.detector.Run(gctx, events)
	})
	g.Go(func() error {
		return s.restartLoop(gctx)
	})

	srv, err := control.NewServer(s.cfg.SocketFile(), s.handleCommand, s.logger.Named("control"))
	if err != nil {
		s.logger.Warn("control socket disabled", zap.Error(err))
	} else {
		g.Go(func() error {
			if err := srv.Serve(gctx); err != nil {
				s.logger.Warn("control socket disabled", zap.Error(err))
			}
			return nil
		})
	}

	s.logger.Info("supervisor ready",
		zap.String("mode", string(watcher.Mode())),
		zap.Strings("suffixes", s.rules.Suffixes()),
		zap.Duration("debounce", s.cfg.Debounce))

	err = g.Wait()
	s.logger.Info("shutting down")
	return err
}

// Shutdown makes Run stop the child and return. It is a no-op before Run.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// restartLoop is the only consumer of restart requests, so restarts never
// overlap.
func (s *Supervisor) restartLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-s.detector.Requests():
			s.restart(ctx, req)
		}
	}
}

func (s *Supervisor) restart(ctx context.Context, req watch.Request) {
	fields := []zap.Field{zap.String("reason", req.Reason)}
	if req.Path != "" {
		fields = append(fields, zap.String("path", req.Path))
	}
	s.logger.Info("restarting child", fields...)

	detail := req.Reason
	if req.Path != "" {
		detail = req.Reason + ": " + req.Path
	}
	s.record(journal.Entry{Kind: journal.KindRestartRequested, Detail: detail})

	res, err := s.controller.Restart(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		// The supervisor keeps watching; the next change tries again.
		s.logger.Error("restart failed", zap.Error(err))
		return
	}
	s.logger.Info("child restarted", zap.Int("pid", res.PID), zap.String("run_id", res.RunID))
}

func (s *Supervisor) onTransition(t process.Transition) {
	s.logger.Debug("child state changed",
		zap.String("from", string(t.From)),
		zap.String("to", string(t.To)),
		zap.Int("pid", t.PID),
		zap.String("detail", t.Detail))

	s.record(journal.Entry{
		RunID:     t.RunID,
		Kind:      string(t.To),
		PID:       t.PID,
		Detail:    t.Detail,
		CreatedAt: t.At,
	})
}
