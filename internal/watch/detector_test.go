package watch

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func newTestDetector(root string, window time.Duration) *Detector {
	return NewDetector(testRules(root), NewDebouncer(window), zap.NewNop())
}

// drain empties the request slot and reports how many requests were pending.
func drain(d *Detector) int {
	n := 0
	for {
		select {
		case <-d.Requests():
			n++
		default:
			return n
		}
	}
}

func TestDebouncer(t *testing.T) {
	d := NewDebouncer(2 * time.Second)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	assert.True(t, d.Accept(base), "first event opens a window")
	assert.False(t, d.Accept(base.Add(500*time.Millisecond)))
	assert.False(t, d.Accept(base.Add(1900*time.Millisecond)))
	assert.True(t, d.Accept(base.Add(2100*time.Millisecond)), "window elapsed")
	assert.False(t, d.Accept(base.Add(3*time.Second)), "window restarts at the accepted event")
	assert.Equal(t, 2*time.Second, d.Window())
}

func TestDetectorNeverFiresForIgnoredPaths(t *testing.T) {
	root := filepath.FromSlash("/srv/app")
	d := newTestDetector(root, 2*time.Second)
	base := time.Now()

	paths := []string{
		"/srv/app/.git/index.py",
		"/srv/app/node_modules/pkg/a.py",
		"/srv/app/notes.txt",
		"/srv/app/pkg/__pycache__/x.py",
		"/tmp/outside.py",
	}
	for i := 0; i < 50; i++ {
		for j, p := range paths {
			at := base.Add(time.Duration(i*len(paths)+j) * 10 * time.Second)
			decision := d.Handle(Event{Path: filepath.FromSlash(p), Op: OpWrite, At: at})
			require.Equal(t, Ignored, decision, p)
		}
	}

	assert.Zero(t, drain(d))
	stats := d.Stats()
	assert.Equal(t, int64(250), stats.Seen)
	assert.Equal(t, int64(250), stats.Ignored)
	assert.Zero(t, stats.Accepted)
}

func TestDetectorBurstInsideWindowFiresOnce(t *testing.T) {
	root := filepath.FromSlash("/srv/app")
	d := newTestDetector(root, 2*time.Second)
	base := time.Now()

	for i := 0; i < 20; i++ {
		d.Handle(Event{Path: filepath.Join(root, "main.py"), Op: OpWrite, At: base.Add(time.Duration(i) * 50 * time.Millisecond)})
	}

	assert.Equal(t, 1, drain(d))
	stats := d.Stats()
	assert.Equal(t, int64(1), stats.Accepted)
	assert.Equal(t, int64(19), stats.Debounced)
}

// An app.py touched at 0s fires, at 1s is inside the window, at 3s fires again.
func TestDetectorTouchScenario(t *testing.T) {
	root := filepath.FromSlash("/srv/app")
	d := newTestDetector(root, 2*time.Second)
	app := filepath.Join(root, "app.py")
	base := time.Now()

	assert.Equal(t, Accepted, d.Handle(Event{Path: app, Op: OpWrite, At: base}))
	assert.Equal(t, 1, drain(d))

	assert.Equal(t, Debounced, d.Handle(Event{Path: app, Op: OpWrite, At: base.Add(1 * time.Second)}))
	assert.Equal(t, 0, drain(d))

	assert.Equal(t, Accepted, d.Handle(Event{Path: app, Op: OpWrite, At: base.Add(3 * time.Second)}))
	assert.Equal(t, 1, drain(d))
}

func TestDetectorCoalescesWhilePending(t *testing.T) {
	root := filepath.FromSlash("/srv/app")
	d := newTestDetector(root, 200*time.Millisecond)
	app := filepath.Join(root, "app.py")
	base := time.Now()

	assert.Equal(t, Accepted, d.Handle(Event{Path: app, Op: OpWrite, At: base}))
	assert.Equal(t, Coalesced, d.Handle(Event{Path: app, Op: OpWrite, At: base.Add(time.Second)}))
	assert.False(t, d.Request("operator"), "slot already full")
	assert.Equal(t, 1, drain(d))

	assert.True(t, d.Request(""))
	req := <-d.Requests()
	assert.Equal(t, "manual", req.Reason)
	assert.Empty(t, req.Path)
}

func TestDetectorPause(t *testing.T) {
	root := filepath.FromSlash("/srv/app")
	d := newTestDetector(root, 2*time.Second)
	app := filepath.Join(root, "app.py")
	base := time.Now()

	d.Pause()
	assert.True(t, d.IsPaused())
	assert.Equal(t, Paused, d.Handle(Event{Path: app, Op: OpWrite, At: base}))
	assert.Zero(t, drain(d))

	d.Resume()
	assert.Equal(t, Accepted, d.Handle(Event{Path: app, Op: OpWrite, At: base.Add(time.Millisecond)}),
		"paused events must not consume the debounce window")
}

func TestDetectorRun(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := filepath.FromSlash("/srv/app")
	d := newTestDetector(root, 2*time.Second)
	events := make(chan Event)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, events) }()

	events <- Event{Path: filepath.Join(root, "main.py"), Op: OpWrite, At: time.Now()}
	select {
	case req := <-d.Requests():
		assert.Equal(t, "file change", req.Reason)
		assert.Equal(t, filepath.Join(root, "main.py"), req.Path)
	case <-time.After(2 * time.Second):
		t.Fatal("no request produced")
	}

	cancel()
	require.NoError(t, <-done)
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "debounced", Debounced.String())
	assert.Equal(t, "unknown", Decision(42).String())
	assert.Equal(t, "create", OpCreate.String())
}
