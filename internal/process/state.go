package process

import "time"

// State is the controller's lifecycle state.
//
//	STOPPED → STARTING → RUNNING → STOPPING → STOPPED
//
// STARTING falls back to STOPPED when the child dies during the start grace
// period. RUNNING also moves to STOPPED when the child exits on its own.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// Transition records one state change of the controller.
type Transition struct {
	RunID  string
	PID    int
	From   State
	To     State
	At     time.Time
	Detail string
}

// Status is a point-in-time view of the controller.
type Status struct {
	State     State         `json:"state"`
	RunID     string        `json:"run_id,omitempty"`
	PID       int           `json:"pid,omitempty"`
	StartedAt time.Time     `json:"started_at,omitempty"`
	Uptime    time.Duration `json:"uptime,omitempty"`
	Starts    int           `json:"starts"`
	Restarts  int           `json:"restarts"`
	LastError string        `json:"last_error,omitempty"`
}

// StartResult describes a Start call that did not fail.
type StartResult struct {
	RunID string
	PID   int
	// AlreadyRunning is set when Start found a live child and did nothing.
	AlreadyRunning bool
}

// StopResult describes a Stop call.
type StopResult struct {
	RunID string
	PID   int
	// Stopped is false when there was no live child.
	Stopped bool
	// Forced is set when the graceful stop timed out and the child was killed.
	Forced   bool
	Duration time.Duration
}
