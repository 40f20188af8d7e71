package watch

import (
	"context"
	"time"
)

// Op is the kind of filesystem change.
type Op uint8

const (
	// OpWrite is a content modification.
	OpWrite Op = iota + 1
	// OpCreate is a new file or directory.
	OpCreate
)

// String returns the string representation of Op
func (o Op) String() string {
	switch o {
	case OpWrite:
		return "write"
	case OpCreate:
		return "create"
	default:
		return "unknown"
	}
}

// Event is a raw change reported by a Watcher.
type Event struct {
	Path string
	Op   Op
	At   time.Time
}

// Request asks the supervisor to restart the child.
type Request struct {
	// Path is the file that triggered the request, empty for manual requests.
	Path string
	// Reason is "file change" or the reason given with a manual request.
	Reason string
	At     time.Time
}

// send delivers ev unless ctx is cancelled first.
func send(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
