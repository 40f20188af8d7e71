package supervisor

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/steveyegge/autorestart/internal/journal"
)

// openJournal opens the history database when one is configured. A journal
// that cannot be opened is logged and skipped; it never blocks supervision.
func (s *Supervisor) openJournal(ctx context.Context) {
	path := s.cfg.HistoryFile()
	if path == "" {
		return
	}

	j, err := journal.Open(ctx, path)
	if err != nil {
		s.logger.Warn("history disabled", zap.String("path", path), zap.Error(err))
		return
	}

	s.mu.Lock()
	s.journal = j
	s.mu.Unlock()

	s.registerInstance(ctx)
	s.record(journal.Entry{Kind: journal.KindSupervisorStart, PID: os.Getpid()})

	if n, err := j.Prune(ctx, s.cfg.HistoryKeep); err != nil {
		s.logger.Warn("failed to prune history", zap.Error(err))
	} else if n > 0 {
		s.logger.Debug("pruned history", zap.Int("deleted", n))
	}
}

// registerInstance upserts this supervisor's row. It runs again once the
// watch mode is known.
func (s *Supervisor) registerInstance(ctx context.Context) {
	j := s.currentJournal()
	if j == nil {
		return
	}

	hostname, _ := os.Hostname()
	s.mu.Lock()
	inst := journal.Instance{
		InstanceID: s.instanceID,
		Hostname:   hostname,
		PID:        os.Getpid(),
		Root:       s.cfg.Dir,
		WatchMode:  string(s.watchMode),
		StartedAt:  s.startedAt,
	}
	s.mu.Unlock()

	if err := j.RegisterInstance(ctx, inst); err != nil {
		s.logger.Warn("failed to register instance", zap.Error(err))
	}
}

func (s *Supervisor) closeJournal() {
	s.mu.Lock()
	j := s.journal
	s.journal = nil
	s.mu.Unlock()
	if j == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()

	if err := j.Record(ctx, journal.Entry{InstanceID: s.instanceID, Kind: journal.KindSupervisorStop, PID: os.Getpid()}); err != nil {
		s.logger.Debug("failed to record shutdown", zap.Error(err))
	}
	if err := j.MarkInstanceStopped(ctx, s.instanceID); err != nil {
		s.logger.Debug("failed to mark instance stopped", zap.Error(err))
	}
	if err := j.Close(); err != nil {
		s.logger.Warn("failed to close history", zap.Error(err))
	}
}

// record writes e to the journal, if any. Failures are logged and dropped.
func (s *Supervisor) record(e journal.Entry) {
	j := s.currentJournal()
	if j == nil {
		return
	}
	e.InstanceID = s.instanceID
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := j.Record(ctx, e); err != nil {
		s.logger.Debug("failed to record history", zap.String("kind", e.Kind), zap.Error(err))
	}
}

func (s *Supervisor) currentJournal() *journal.Journal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.journal
}
