package watch

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Decision is the Detector's verdict on one event.
type Decision int

const (
	// Ignored: the path is outside the rule set.
	Ignored Decision = iota
	// Paused: detection is paused.
	Paused
	// Debounced: inside the cooldown of a previously accepted event.
	Debounced
	// Accepted: a new restart request was queued.
	Accepted
	// Coalesced: accepted, but a request was already pending and covers it.
	Coalesced
)

// String returns the string representation of Decision
func (d Decision) String() string {
	switch d {
	case Ignored:
		return "ignored"
	case Paused:
		return "paused"
	case Debounced:
		return "debounced"
	case Accepted:
		return "accepted"
	case Coalesced:
		return "coalesced"
	default:
		return "unknown"
	}
}

// Stats counts Detector decisions.
type Stats struct {
	Seen      int64 `json:"seen"`
	Ignored   int64 `json:"ignored"`
	Paused    int64 `json:"paused"`
	Debounced int64 `json:"debounced"`
	Accepted  int64 `json:"accepted"`
	Coalesced int64 `json:"coalesced"`
	Manual    int64 `json:"manual"`
}

// Detector filters and debounces Events into Requests. Requests are held in a
// single-slot channel: while one is pending, new ones coalesce into it.
type Detector struct {
	rules    *RuleSet
	debounce *Debouncer
	logger   *zap.Logger
	requests chan Request
	paused   atomic.Bool

	seen, ignored, pausedN, debounced, accepted, coalesced, manual atomic.Int64
}

// NewDetector returns a Detector using rules and debounce.
func NewDetector(rules *RuleSet, debounce *Debouncer, logger *zap.Logger) *Detector {
	return &Detector{
		rules:    rules,
		debounce: debounce,
		logger:   logger,
		requests: make(chan Request, 1),
	}
}

// Requests is drained by the supervisor loop.
func (d *Detector) Requests() <-chan Request { return d.requests }

// Run handles events until ctx is cancelled or events is closed.
func (d *Detector) Run(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			d.Handle(ev)
		}
	}
}

// Handle classifies ev and queues a request when it qualifies.
func (d *Detector) Handle(ev Event) Decision {
	d.seen.Add(1)

	if d.rules.Ignored(ev.Path) {
		d.ignored.Add(1)
		return Ignored
	}
	if d.paused.Load() {
		d.pausedN.Add(1)
		d.logger.Debug("change ignored while paused", zap.String("path", ev.Path))
		return Paused
	}
	if !d.debounce.Accept(ev.At) {
		d.debounced.Add(1)
		d.logger.Debug("change debounced", zap.String("path", ev.Path), zap.Stringer("op", ev.Op))
		return Debounced
	}

	d.logger.Info("change detected", zap.String("path", d.relative(ev.Path)), zap.Stringer("op", ev.Op))
	if !d.offer(Request{Path: ev.Path, Reason: "file change", At: ev.At}) {
		d.coalesced.Add(1)
		return Coalesced
	}
	d.accepted.Add(1)
	return Accepted
}

// Request queues a manual restart, bypassing rules, pause and debounce.
// It returns false when a request is already pending.
func (d *Detector) Request(reason string) bool {
	d.manual.Add(1)
	if reason == "" {
		reason = "manual"
	}
	return d.offer(Request{Reason: reason, At: time.Now()})
}

// Pause stops file changes from producing requests.
func (d *Detector) Pause() { d.paused.Store(true) }

// Resume undoes Pause.
func (d *Detector) Resume() { d.paused.Store(false) }

// IsPaused reports whether detection is paused.
func (d *Detector) IsPaused() bool { return d.paused.Load() }

// Stats returns a snapshot of the decision counters.
func (d *Detector) Stats() Stats {
	return Stats{
		Seen:      d.seen.Load(),
		Ignored:   d.ignored.Load(),
		Paused:    d.pausedN.Load(),
		Debounced: d.debounced.Load(),
		Accepted:  d.accepted.Load(),
		Coalesced: d.coalesced.Load(),
		Manual:    d.manual.Load(),
	}
}

func (d *Detector) offer(req Request) bool {
	select {
	case d.requests <- req:
		return true
	default:
		return false
	}
}

func (d *Detector) relative(path string) string {
	if rel, err := filepath.Rel(d.rules.Root(), path); err == nil {
		return rel
	}
	return path
}
