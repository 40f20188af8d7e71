package watch

import (
	"time"

	"golang.org/x/time/rate"
)

// Debouncer collapses bursts of accepted events. After an accepted event every
// further event is rejected until window has elapsed since the accepted one.
//
// It is a rate.Limiter with burst 1 refilling one token per window, driven by
// the event timestamps rather than the wall clock.
type Debouncer struct {
	window  time.Duration
	limiter *rate.Limiter
}

// NewDebouncer returns a Debouncer with the given cooldown.
func NewDebouncer(window time.Duration) *Debouncer {
	return &Debouncer{
		window:  window,
		limiter: rate.NewLimiter(rate.Every(window), 1),
	}
}

// Accept reports whether an event observed at t starts a new window.
func (d *Debouncer) Accept(t time.Time) bool {
	return d.limiter.AllowN(t, 1)
}

// Window returns the cooldown duration.
func (d *Debouncer) Window() time.Duration { return d.window }
