// Package process owns the lifecycle of a single child server process.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// outputTail is how much child output is kept for startup failure reports.
	outputTail = 64 << 10

	// killWait bounds the wait for exit after SIGKILL.
	killWait = 5 * time.Second

	// waitDelay bounds how long Wait keeps copying output after the child exits,
	// in case a grandchild outside the process group still holds the pipes.
	waitDelay = 2 * time.Second

	// RunIDEnv is set in the child's environment to the run ID.
	RunIDEnv = "AUTORESTART_RUN_ID"
)

// Options configures a Controller.
type Options struct {
	// Argv is the child command; Argv[0] is looked up in PATH.
	Argv []string
	// Dir is the child's working directory.
	Dir string
	// Env is appended to the parent environment.
	Env []string

	// StartGrace is how long the child must stay alive to count as started.
	StartGrace time.Duration
	// StopTimeout bounds the graceful stop before SIGKILL.
	StopTimeout time.Duration
	// RestartPause is slept between stop and start in Restart.
	RestartPause time.Duration

	// Stdout and Stderr receive the child's output. Nil discards it.
	Stdout io.Writer
	Stderr io.Writer

	// OnTransition is called after every state change, in order, from the
	// goroutine that caused it. It may call Status but not lifecycle methods.
	OnTransition func(Transition)
}

// Controller starts, stops and restarts one child process. At most one child
// is alive at any time: Restart always finishes stopping the old child before
// spawning the new one.
//
// Start, Stop, Restart and Cleanup are serialized; Status may be called
// concurrently with any of them.
type Controller struct {
	opts   Options
	logger *zap.Logger

	// opMu serializes lifecycle operations.
	opMu sync.Mutex

	// emitMu orders OnTransition calls.
	emitMu sync.Mutex

	// mu guards the fields below.
	mu       sync.Mutex
	state    State
	current  *child
	starts   int
	restarts int
	lastErr  error
}

type child struct {
	runID     string
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	output    *tailBuffer

	done    chan struct{}
	waitErr error // written before done is closed
}

func (c *child) alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// NewController validates opts and returns a stopped Controller.
func NewController(opts Options, logger *zap.Logger) (*Controller, error) {
	if len(opts.Argv) == 0 {
		return nil, errors.New("command must not be empty")
	}
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	if opts.Stderr == nil {
		opts.Stderr = io.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		opts:   opts,
		logger: logger,
		state:  StateStopped,
	}, nil
}

// Start spawns the child unless one is already alive. It blocks for the start
// grace period and returns a *StartupError when the child does not survive it.
// A failed Start leaves the controller STOPPED with no handle.
func (c *Controller) Start(ctx context.Context) (StartResult, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.start(ctx)
}

// Stop terminates the child: SIGTERM to its process group, then SIGKILL once
// StopTimeout elapses or ctx is done. Stopping a stopped controller is a no-op.
// The handle is always cleared.
func (c *Controller) Stop(ctx context.Context) (StopResult, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.stop(ctx)
}

// Restart stops the current child, waits RestartPause and starts a new one.
// It succeeds only if the new child starts. Cancelling ctx does not cut the
// graceful stop short; it only prevents the new child from being started.
func (c *Controller) Restart(ctx context.Context) (StartResult, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if _, err := c.stop(context.WithoutCancel(ctx)); err != nil {
		c.logger.Warn("stop before restart failed", zap.Error(err))
	}
	if err := ctx.Err(); err != nil {
		return StartResult{}, err
	}

	if c.opts.RestartPause > 0 {
		t := time.NewTimer(c.opts.RestartPause)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return StartResult{}, ctx.Err()
		}
	}

	res, err := c.start(ctx)
	if err == nil {
		c.mu.Lock()
		c.restarts++
		c.mu.Unlock()
	}
	return res, err
}

// Cleanup stops the child. It is safe to call any number of times and from
// several shutdown paths.
func (c *Controller) Cleanup(ctx context.Context) error {
	_, err := c.Stop(ctx)
	return err
}

// Status returns a snapshot of the controller.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Status{
		State:    c.state,
		Starts:   c.starts,
		Restarts: c.restarts,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	if c.current != nil {
		s.RunID = c.current.runID
		s.PID = c.current.pid
		s.StartedAt = c.current.startedAt
		if c.state == StateRunning {
			s.Uptime = time.Since(c.current.startedAt).Truncate(time.Second)
		}
	}
	return s
}

func (c *Controller) start(ctx context.Context) (StartResult, error) {
	c.mu.Lock()
	cur := c.current
	if cur != nil && cur.alive() {
		c.mu.Unlock()
		c.logger.Info("child already running", zap.Int("pid", cur.pid))
		return StartResult{RunID: cur.runID, PID: cur.pid, AlreadyRunning: true}, nil
	}
	c.current = nil
	c.mu.Unlock()
	if cur != nil {
		c.reapGroup(cur)
	}

	runID := uuid.NewString()
	output := newTailBuffer(outputTail)

	cmd := exec.Command(c.opts.Argv[0], c.opts.Argv[1:]...)
	cmd.Dir = c.opts.Dir
	cmd.Env = append(append(os.Environ(), c.opts.Env...), RunIDEnv+"="+runID)
	cmd.Stdout = io.MultiWriter(c.opts.Stdout, output)
	cmd.Stderr = io.MultiWriter(c.opts.Stderr, output)
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)

	c.change(func() (Transition, bool) {
		return c.setState(runID, 0, StateStarting, ""), true
	})
	if err := cmd.Start(); err != nil {
		serr := &StartupError{RunID: runID, Err: err}
		c.change(func() (Transition, bool) {
			c.lastErr = serr
			return c.setState(runID, 0, StateStopped, "spawn failed"), true
		})
		c.logger.Error("failed to start child", zap.Strings("command", c.opts.Argv), zap.Error(err))
		return StartResult{}, serr
	}

	ch := &child{
		runID:     runID,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		output:    output,
		done:      make(chan struct{}),
	}
	go func() {
		ch.waitErr = cmd.Wait()
		close(ch.done)
	}()

	c.mu.Lock()
	c.current = ch
	c.starts++
	c.mu.Unlock()

	c.logger.Info("child spawned",
		zap.Int("pid", ch.pid),
		zap.String("run_id", runID),
		zap.Strings("command", c.opts.Argv))

	grace := time.NewTimer(c.opts.StartGrace)
	defer grace.Stop()

	select {
	case <-ch.done:
		c.reapGroup(ch)
		serr := &StartupError{RunID: runID, PID: ch.pid, Err: ch.waitErr, Output: ch.output.String()}
		c.change(func() (Transition, bool) {
			if c.current == ch {
				c.current = nil
			}
			c.lastErr = serr
			return c.setState(runID, ch.pid, StateStopped, "exited during start grace period"), true
		})
		c.logger.Error("child failed to start", zap.Int("pid", ch.pid), zap.NamedError("exit", ch.waitErr))
		return StartResult{}, serr

	case <-ctx.Done():
		c.logger.Info("start cancelled, stopping child", zap.Int("pid", ch.pid))
		if _, err := c.stop(context.Background()); err != nil {
			c.logger.Warn("failed to stop cancelled child", zap.Error(err))
		}
		return StartResult{}, ctx.Err()

	case <-grace.C:
	}

	running := c.change(func() (Transition, bool) {
		if c.current != ch || !ch.alive() {
			return Transition{}, false
		}
		c.lastErr = nil
		return c.setState(runID, ch.pid, StateRunning, ""), true
	})
	if !running {
		// Died right at the end of the grace period.
		<-ch.done
		c.reapGroup(ch)
		serr := &StartupError{RunID: runID, PID: ch.pid, Err: ch.waitErr, Output: ch.output.String()}
		c.change(func() (Transition, bool) {
			if c.current == ch {
				c.current = nil
			}
			c.lastErr = serr
			return c.setState(runID, ch.pid, StateStopped, "exited during start grace period"), true
		})
		return StartResult{}, serr
	}
	c.logger.Info("child running", zap.Int("pid", ch.pid), zap.Duration("grace", c.opts.StartGrace))

	go c.watchExit(ch)
	return StartResult{RunID: runID, PID: ch.pid}, nil
}

func (c *Controller) stop(ctx context.Context) (StopResult, error) {
	var ch *child
	exited := false
	c.change(func() (Transition, bool) {
		ch = c.current
		if ch == nil {
			return Transition{}, false
		}
		if !ch.alive() {
			// Exited on its own before watchExit got to it.
			exited = true
			c.current = nil
			if c.state == StateStopped {
				return Transition{}, false
			}
			return c.setState(ch.runID, ch.pid, StateStopped, exitDetail(ch.waitErr)), true
		}
		return c.setState(ch.runID, ch.pid, StateStopping, ""), true
	})
	if ch == nil {
		return StopResult{}, nil
	}
	if exited {
		c.reapGroup(ch)
		return StopResult{RunID: ch.runID, PID: ch.pid}, nil
	}

	began := time.Now()
	c.logger.Info("stopping child", zap.Int("pid", ch.pid), zap.Duration("timeout", c.opts.StopTimeout))

	if err := terminate(ch.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		c.logger.Debug("terminate signal failed", zap.Int("pid", ch.pid), zap.Error(err))
	}

	timeout := time.NewTimer(c.opts.StopTimeout)
	defer timeout.Stop()

	forced := false
	select {
	case <-ch.done:
	case <-timeout.C:
		forced = true
		c.logger.Warn("graceful stop timed out, killing child",
			zap.Int("pid", ch.pid),
			zap.Duration("timeout", c.opts.StopTimeout))
	case <-ctx.Done():
		forced = true
		c.logger.Warn("stop cancelled, killing child", zap.Int("pid", ch.pid))
	}

	var stopErr error
	if forced {
		if err := kill(ch.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
			c.logger.Warn("kill signal failed", zap.Int("pid", ch.pid), zap.Error(err))
		}
		select {
		case <-ch.done:
		case <-time.After(killWait):
			stopErr = fmt.Errorf("pid %d: %w", ch.pid, ErrKillTimeout)
		}
	} else {
		// The leader exited on SIGTERM; workers that ignored it must not outlive it.
		c.reapGroup(ch)
	}

	detail := "stopped"
	if forced {
		detail = "killed"
	}
	c.change(func() (Transition, bool) {
		if c.current == ch {
			c.current = nil
		}
		return c.setState(ch.runID, ch.pid, StateStopped, detail), true
	})

	res := StopResult{
		RunID:    ch.runID,
		PID:      ch.pid,
		Stopped:  true,
		Forced:   forced,
		Duration: time.Since(began),
	}
	c.logger.Info("child stopped",
		zap.Int("pid", ch.pid),
		zap.Bool("forced", forced),
		zap.Duration("took", res.Duration.Truncate(time.Millisecond)))
	return res, stopErr
}

// watchExit moves a RUNNING controller to STOPPED when its child exits on its own.
func (c *Controller) watchExit(ch *child) {
	<-ch.done
	c.reapGroup(ch)

	crashed := c.change(func() (Transition, bool) {
		if c.current != ch || c.state != StateRunning {
			// Stop is handling it, or a newer child replaced this one.
			return Transition{}, false
		}
		c.current = nil
		c.lastErr = fmt.Errorf("child (pid %d) %s", ch.pid, exitDetail(ch.waitErr))
		return c.setState(ch.runID, ch.pid, StateStopped, exitDetail(ch.waitErr)), true
	})
	if crashed {
		c.logger.Warn("child exited; waiting for the next change to start it again",
			zap.Int("pid", ch.pid),
			zap.NamedError("exit", ch.waitErr))
	}
}

// reapGroup kills whatever is left of ch's process group once its leader has
// exited, so no worker outlives the child it belonged to.
func (c *Controller) reapGroup(ch *child) {
	if err := kill(ch.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		c.logger.Debug("failed to kill leftover process group", zap.Int("pid", ch.pid), zap.Error(err))
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// change runs fn under mu and reports the transition it returns, if any.
// Holding emitMu across both keeps reports in the order the changes happened.
func (c *Controller) change(fn func() (Transition, bool)) bool {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	t, ok := fn()
	c.mu.Unlock()

	if ok && c.opts.OnTransition != nil {
		c.opts.OnTransition(t)
	}
	return ok
}

// setState must be called with mu held.
func (c *Controller) setState(runID string, pid int, to State, detail string) Transition {
	t := Transition{
		RunID:  runID,
		PID:    pid,
		From:   c.state,
		To:     to,
		At:     time.Now(),
		Detail: detail,
	}
	c.state = to
	return t
}

func exitDetail(err error) string {
	if err == nil {
		return "exited: exit status 0"
	}
	return "exited: " + err.Error()
}
