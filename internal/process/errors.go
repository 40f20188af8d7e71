package process

import (
	"errors"
	"fmt"
	"strings"
)

// ErrKillTimeout is returned by Stop when the child survived SIGKILL for the
// kill wait period. The handle is cleared anyway.
var ErrKillTimeout = errors.New("process did not exit after kill")

// StartupError reports a child that could not be spawned or that exited
// during the start grace period.
type StartupError struct {
	RunID string
	PID   int
	// Err is the spawn error, or the exit error returned by Wait.
	Err error
	// Output is the tail of the child's combined stdout and stderr.
	Output string
}

func (e *StartupError) Error() string {
	var b strings.Builder
	if e.PID == 0 {
		fmt.Fprintf(&b, "failed to spawn child: %v", e.Err)
	} else {
		fmt.Fprintf(&b, "child (pid %d) exited during start grace period", e.PID)
		if e.Err != nil {
			fmt.Fprintf(&b, ": %v", e.Err)
		} else {
			b.WriteString(": exit status 0")
		}
	}
	return b.String()
}

func (e *StartupError) Unwrap() error { return e.Err }

// IsStartupError reports whether err is or wraps a *StartupError.
func IsStartupError(err error) bool {
	var se *StartupError
	return errors.As(err, &se)
}
