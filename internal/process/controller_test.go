//go:build !windows

package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// recorder collects transitions in the order they are reported.
type recorder struct {
	mu sync.Mutex
	ts []Transition
}

func (r *recorder) record(t Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ts = append(r.ts, t)
}

func (r *recorder) all() []Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Transition(nil), r.ts...)
}

func newTestController(t *testing.T, script string, mutate func(*Options)) (*Controller, *recorder) {
	t.Helper()
	rec := &recorder{}
	opts := Options{
		Argv:         []string{"sh", "-c", script},
		Dir:          t.TempDir(),
		StartGrace:   200 * time.Millisecond,
		StopTimeout:  2 * time.Second,
		RestartPause: 50 * time.Millisecond,
		OnTransition: rec.record,
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := NewController(opts, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Cleanup(context.Background()) })
	return c, rec
}

func processAlive(pid int) bool {
	return syscall.Kill(pid, syscall.Signal(0)) == nil
}

// processGone reports whether pid has exited. A zombie waiting for a reaper
// outside this test counts as gone.
func processGone(pid int) bool {
	if !processAlive(pid) {
		return true
	}
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	stat := string(data)
	i := strings.LastIndexByte(stat, ')')
	return i >= 0 && i+2 < len(stat) && stat[i+2] == 'Z'
}

// workerScript backgrounds a long-lived worker in the child's process group,
// records its pid in worker.pid and then runs rest.
func workerScript(rest string) string {
	return `sleep 30 >/dev/null 2>&1 & echo $! > worker.pid; ` + rest
}

func readWorkerPID(t *testing.T, c *Controller) int {
	t.Helper()
	var pid int
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(filepath.Join(c.opts.Dir, "worker.pid"))
		if err != nil {
			return false
		}
		pid, err = strconv.Atoi(strings.TrimSpace(string(data)))
		return err == nil && pid > 0
	}, 5*time.Second, 20*time.Millisecond)
	return pid
}

func TestNewControllerRejectsEmptyCommand(t *testing.T) {
	_, err := NewController(Options{}, nil)
	assert.Error(t, err)
}

func TestStartAndStop(t *testing.T) {
	c, rec := newTestController(t, "sleep 30", nil)
	ctx := context.Background()

	res, err := c.Start(ctx)
	require.NoError(t, err)
	assert.False(t, res.AlreadyRunning)
	assert.NotEmpty(t, res.RunID)
	assert.True(t, processAlive(res.PID))

	status := c.Status()
	assert.Equal(t, StateRunning, status.State)
	assert.Equal(t, res.PID, status.PID)
	assert.Equal(t, 1, status.Starts)

	stop, err := c.Stop(ctx)
	require.NoError(t, err)
	assert.True(t, stop.Stopped)
	assert.False(t, stop.Forced)
	assert.Equal(t, res.PID, stop.PID)
	assert.False(t, processAlive(res.PID))

	status = c.Status()
	assert.Equal(t, StateStopped, status.State)
	assert.Zero(t, status.PID)

	var states []State
	for _, tr := range rec.all() {
		states = append(states, tr.To)
	}
	assert.Equal(t, []State{StateStarting, StateRunning, StateStopping, StateStopped}, states)
}

func TestStartWhenAlreadyRunning(t *testing.T) {
	c, _ := newTestController(t, "sleep 30", nil)
	ctx := context.Background()

	first, err := c.Start(ctx)
	require.NoError(t, err)

	second, err := c.Start(ctx)
	require.NoError(t, err)
	assert.True(t, second.AlreadyRunning)
	assert.Equal(t, first.PID, second.PID)
	assert.Equal(t, 1, c.Status().Starts)
}

func TestStartFailsWhenChildExitsDuringGrace(t *testing.T) {
	c, rec := newTestController(t, "echo 'address already in use' >&2; exit 3", func(o *Options) {
		o.StartGrace = time.Second
	})

	_, err := c.Start(context.Background())
	require.Error(t, err)

	var serr *StartupError
	require.True(t, errors.As(err, &serr))
	assert.NotZero(t, serr.PID)
	assert.Contains(t, serr.Output, "address already in use")
	assert.Contains(t, serr.Error(), "exit status 3")
	assert.True(t, IsStartupError(err))

	status := c.Status()
	assert.Equal(t, StateStopped, status.State, "a failed start must not look running")
	assert.Zero(t, status.PID)
	assert.NotEmpty(t, status.LastError)

	ts := rec.all()
	require.Len(t, ts, 2)
	assert.Equal(t, StateStarting, ts[0].To)
	assert.Equal(t, StateStarting, ts[1].From)
	assert.Equal(t, StateStopped, ts[1].To)
}

func TestStartFailsWhenCommandMissing(t *testing.T) {
	c, err := NewController(Options{
		Argv:       []string{"/definitely/not/a/binary"},
		StartGrace: 10 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	_, err = c.Start(context.Background())
	var serr *StartupError
	require.True(t, errors.As(err, &serr))
	assert.Zero(t, serr.PID)
	assert.Equal(t, StateStopped, c.State())
}

func TestStopWhenStoppedIsNoop(t *testing.T) {
	c, rec := newTestController(t, "sleep 30", nil)

	res, err := c.Stop(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Stopped)
	assert.Empty(t, rec.all())
}

func TestCleanupIsIdempotent(t *testing.T) {
	c, _ := newTestController(t, "sleep 30", nil)
	ctx := context.Background()

	res, err := c.Start(ctx)
	require.NoError(t, err)

	require.NoError(t, c.Cleanup(ctx))
	first := c.Status()
	require.NoError(t, c.Cleanup(ctx))
	second := c.Status()

	assert.Equal(t, first, second)
	assert.Equal(t, StateStopped, second.State)
	assert.False(t, processAlive(res.PID))
}

func TestStopEscalatesToKill(t *testing.T) {
	script := `trap "" TERM; while true; do sleep 0.1; done`
	c, rec := newTestController(t, script, func(o *Options) {
		o.StopTimeout = 300 * time.Millisecond
	})
	ctx := context.Background()

	res, err := c.Start(ctx)
	require.NoError(t, err)

	began := time.Now()
	stop, err := c.Stop(ctx)
	elapsed := time.Since(began)

	require.NoError(t, err)
	assert.True(t, stop.Forced)
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	assert.Less(t, elapsed, 3*time.Second, "stop must return shortly after the timeout")
	assert.False(t, processAlive(res.PID))
	assert.Equal(t, StateStopped, c.State())

	ts := rec.all()
	assert.Equal(t, "killed", ts[len(ts)-1].Detail)
}

func TestStopWithCancelledContextKillsImmediately(t *testing.T) {
	script := `trap "" TERM; while true; do sleep 0.1; done`
	c, _ := newTestController(t, script, func(o *Options) {
		o.StopTimeout = time.Minute
	})

	res, err := c.Start(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stop, err := c.Stop(ctx)
	require.NoError(t, err)
	assert.True(t, stop.Forced)
	assert.False(t, processAlive(res.PID))
}

func TestRestartStopsBeforeStarting(t *testing.T) {
	c, rec := newTestController(t, "sleep 30", nil)
	ctx := context.Background()

	first, err := c.Start(ctx)
	require.NoError(t, err)

	second, err := c.Restart(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.NotEqual(t, first.PID, second.PID)
	assert.False(t, processAlive(first.PID), "old child must be gone")
	assert.True(t, processAlive(second.PID))

	ts := rec.all()
	oldStopped, newStarting := -1, -1
	for i, tr := range ts {
		if tr.RunID == first.RunID && tr.To == StateStopped {
			oldStopped = i
		}
		if tr.RunID == second.RunID && tr.To == StateStarting && newStarting < 0 {
			newStarting = i
		}
	}
	require.GreaterOrEqual(t, oldStopped, 0)
	require.GreaterOrEqual(t, newStarting, 0)
	assert.Less(t, oldStopped, newStarting, "old child must be stopped before the new one starts")

	status := c.Status()
	assert.Equal(t, 1, status.Restarts)
	assert.Equal(t, 2, status.Starts)
}

func TestRestartReportsFailedStart(t *testing.T) {
	marker := "started-once"
	// First run stays up; later runs crash immediately.
	script := `if [ -f ` + marker + ` ]; then exit 1; fi; touch ` + marker + `; sleep 30`
	c, _ := newTestController(t, script, nil)
	ctx := context.Background()

	_, err := c.Start(ctx)
	require.NoError(t, err)

	_, err = c.Restart(ctx)
	assert.True(t, IsStartupError(err))
	assert.Equal(t, StateStopped, c.State())
	assert.Zero(t, c.Status().Restarts)
}

func TestChildExitWhileRunning(t *testing.T) {
	c, rec := newTestController(t, "sleep 0.5; exit 2", nil)
	ctx := context.Background()

	_, err := c.Start(ctx)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return c.State() == StateStopped }, 5*time.Second, 20*time.Millisecond)
	assert.Contains(t, c.Status().LastError, "exit status 2")

	ts := rec.all()
	last := ts[len(ts)-1]
	assert.Equal(t, StateRunning, last.From)
	assert.Contains(t, last.Detail, "exited")

	// The controller can start again after a crash.
	res, err := c.Start(ctx)
	require.NoError(t, err)
	assert.False(t, res.AlreadyRunning)
}

func TestChildReceivesRunID(t *testing.T) {
	c, _ := newTestController(t, `echo "run=$`+RunIDEnv+`"; sleep 30`, nil)

	var out syncBuffer
	c.opts.Stdout = &out

	res, err := c.Start(context.Background())
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return out.String() == "run="+res.RunID+"\n"
	}, 2*time.Second, 20*time.Millisecond)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func TestFailedStartKillsLeftoverWorkers(t *testing.T) {
	c, _ := newTestController(t, workerScript("exit 1"), func(o *Options) {
		o.StartGrace = time.Second
	})

	_, err := c.Start(context.Background())
	require.True(t, IsStartupError(err))

	worker := readWorkerPID(t, c)
	assert.Eventually(t, func() bool { return processGone(worker) }, 5*time.Second, 20*time.Millisecond,
		"worker %d must not outlive a failed start", worker)
}

func TestCrashedChildTakesItsWorkersDown(t *testing.T) {
	c, _ := newTestController(t, workerScript("sleep 0.5; exit 1"), nil)
	ctx := context.Background()

	_, err := c.Start(ctx)
	require.NoError(t, err)
	worker := readWorkerPID(t, c)

	require.Eventually(t, func() bool { return c.State() == StateStopped }, 5*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool { return processGone(worker) }, 5*time.Second, 20*time.Millisecond,
		"worker %d must not outlive its crashed leader", worker)

	require.NoError(t, os.Remove(filepath.Join(c.opts.Dir, "worker.pid")))
	_, err = c.Start(ctx)
	require.NoError(t, err)
	assert.True(t, processGone(worker), "new child must not run beside the old worker")
}

func TestStopKillsWorkersThatIgnoreTerm(t *testing.T) {
	// The worker ignores SIGTERM while the leader exits on it.
	script := `(trap "" TERM; exec sleep 30) >/dev/null 2>&1 & echo $! > worker.pid; exec sleep 30`
	c, rec := newTestController(t, script, nil)

	_, err := c.Start(context.Background())
	require.NoError(t, err)
	worker := readWorkerPID(t, c)

	stop, err := c.Stop(context.Background())
	require.NoError(t, err)
	assert.False(t, stop.Forced)
	assert.Equal(t, "stopped", rec.all()[len(rec.all())-1].Detail)
	assert.Eventually(t, func() bool { return processGone(worker) }, 5*time.Second, 20*time.Millisecond)
}

func TestRestartCancelledDuringStopStillStopsGracefully(t *testing.T) {
	script := `trap 'sleep 0.5; exit 0' TERM; while true; do sleep 0.1; done`
	c, rec := newTestController(t, script, func(o *Options) {
		o.StopTimeout = 5 * time.Second
	})

	first, err := c.Start(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(100*time.Millisecond, cancel)
	defer timer.Stop()

	_, err = c.Restart(ctx)
	require.ErrorIs(t, err, context.Canceled)

	var stopped *Transition
	for _, tr := range rec.all() {
		if tr.RunID == first.RunID && tr.To == StateStopped {
			stopped = &tr
		}
	}
	require.NotNil(t, stopped)
	assert.Equal(t, "stopped", stopped.Detail, "cancellation must not turn a graceful stop into a kill")

	status := c.Status()
	assert.Equal(t, StateStopped, status.State)
	assert.Equal(t, 1, status.Starts, "no new child after cancellation")
}
