package supervisor

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/steveyegge/autorestart/internal/control"
	"github.com/steveyegge/autorestart/internal/process"
	"github.com/steveyegge/autorestart/internal/watch"
)

// Status is what the control socket reports for "status".
type Status struct {
	InstanceID string         `json:"instance_id"`
	Dir        string         `json:"dir"`
	Command    string         `json:"command"`
	WatchMode  watch.Mode     `json:"watch_mode,omitempty"`
	Paused     bool           `json:"paused"`
	StartedAt  time.Time      `json:"started_at"`
	Uptime     time.Duration  `json:"uptime"`
	Child      process.Status `json:"child"`
	Changes    watch.Stats    `json:"changes"`
	HistoryDB  string         `json:"history_db,omitempty"`
}

// Status returns a snapshot of the supervisor.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	st := Status{
		InstanceID: s.instanceID,
		Dir:        s.cfg.Dir,
		Command:    s.cfg.Command,
		WatchMode:  s.watchMode,
		StartedAt:  s.startedAt,
		HistoryDB:  s.cfg.HistoryFile(),
	}
	s.mu.Unlock()

	if !st.StartedAt.IsZero() {
		st.Uptime = time.Since(st.StartedAt).Truncate(time.Second)
	}
	st.Paused = s.detector.IsPaused()
	st.Child = s.controller.Status()
	st.Changes = s.detector.Stats()
	return st
}

// handleCommand answers control socket commands.
func (s *Supervisor) handleCommand(cmd control.Command) (map[string]interface{}, error) {
	switch cmd.Type {
	case control.CmdStatus:
		return toData(s.Status())

	case control.CmdRestart:
		reason := cmd.Reason
		if reason == "" {
			reason = "control socket"
		}
		queued := s.detector.Request(reason)
		s.logger.Info("restart requested", zap.String("reason", reason), zap.Bool("queued", queued))
		return map[string]interface{}{"queued": queued}, nil

	case control.CmdPause:
		s.detector.Pause()
		s.logger.Info("change detection paused", zap.String("reason", cmd.Reason))
		return map[string]interface{}{"paused": true}, nil

	case control.CmdResume:
		s.detector.Resume()
		s.logger.Info("change detection resumed")
		return map[string]interface{}{"paused": false}, nil

	case control.CmdShutdown:
		s.logger.Info("shutdown requested", zap.String("reason", cmd.Reason))
		s.Shutdown()
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown command type: %s", cmd.Type)
	}
}

// DecodeStatus converts a status response's data back into a Status.
func DecodeStatus(data map[string]interface{}) (Status, error) {
	var st Status
	raw, err := json.Marshal(data)
	if err != nil {
		return st, fmt.Errorf("failed to encode status: %w", err)
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return st, fmt.Errorf("failed to decode status: %w", err)
	}
	return st, nil
}

func toData(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode status: %w", err)
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to encode status: %w", err)
	}
	return data, nil
}
