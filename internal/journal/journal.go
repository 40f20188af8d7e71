// Package journal keeps an optional sqlite history of supervisor instances
// and child process lifecycle events.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Entry kinds besides the controller states.
const (
	KindRestartRequested = "restart_requested"
	KindSupervisorStart  = "supervisor_started"
	KindSupervisorStop   = "supervisor_stopped"
)

// Instance is one supervisor process.
type Instance struct {
	InstanceID string
	Hostname   string
	PID        int
	Root       string
	WatchMode  string
	Status     string
	StartedAt  time.Time
	StoppedAt  time.Time
}

// Entry is one lifecycle event.
type Entry struct {
	ID         int64
	InstanceID string
	RunID      string
	Kind       string
	PID        int
	Detail     string
	CreatedAt  time.Time
}

// Journal is a sqlite-backed lifecycle history.
type Journal struct {
	db *sql.DB
}

// Open opens or creates the journal database at path.
func Open(ctx context.Context, path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping journal: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Journal{db: db}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// RegisterInstance records a running supervisor.
func (j *Journal) RegisterInstance(ctx context.Context, inst Instance) error {
	if inst.InstanceID == "" {
		return errors.New("instance_id is required")
	}

	query := `
		INSERT INTO supervisor_instances (
			instance_id, hostname, pid, root, watch_mode, status, started_at
		) VALUES (?, ?, ?, ?, ?, 'running', ?)
		ON CONFLICT(instance_id) DO UPDATE SET
			hostname = excluded.hostname,
			pid = excluded.pid,
			root = excluded.root,
			watch_mode = excluded.watch_mode,
			status = 'running'
	`
	_, err := j.db.ExecContext(ctx, query,
		inst.InstanceID,
		inst.Hostname,
		inst.PID,
		inst.Root,
		inst.WatchMode,
		toUnix(inst.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to register instance: %w", err)
	}
	return nil
}

// MarkInstanceStopped sets an instance's status to stopped.
func (j *Journal) MarkInstanceStopped(ctx context.Context, instanceID string) error {
	query := `
		UPDATE supervisor_instances
		SET status = 'stopped', stopped_at = ?
		WHERE instance_id = ?
	`
	result, err := j.db.ExecContext(ctx, query, toUnix(time.Now()), instanceID)
	if err != nil {
		return fmt.Errorf("failed to mark instance stopped: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("supervisor instance not found: %s", instanceID)
	}
	return nil
}

// Instances returns the most recent instances, newest first.
func (j *Journal) Instances(ctx context.Context, limit int) ([]Instance, error) {
	query := `
		SELECT instance_id, hostname, pid, root, watch_mode, status, started_at, stopped_at
		FROM supervisor_instances
		ORDER BY started_at DESC
		LIMIT ?
	`
	rows, err := j.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}
	defer rows.Close()

	var out []Instance
	for rows.Next() {
		var inst Instance
		var started int64
		var stopped sql.NullInt64
		if err := rows.Scan(
			&inst.InstanceID,
			&inst.Hostname,
			&inst.PID,
			&inst.Root,
			&inst.WatchMode,
			&inst.Status,
			&started,
			&stopped,
		); err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		inst.StartedAt = fromUnix(started)
		if stopped.Valid {
			inst.StoppedAt = fromUnix(stopped.Int64)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instances: %w", err)
	}
	return out, nil
}

// Record appends an entry. CreatedAt defaults to now.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.InstanceID == "" || e.Kind == "" {
		return errors.New("instance_id and kind are required")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO lifecycle_events (instance_id, run_id, kind, pid, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := j.db.ExecContext(ctx, query, e.InstanceID, e.RunID, e.Kind, e.PID, e.Detail, toUnix(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to record %s event: %w", e.Kind, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first. An empty runID matches all runs.
func (j *Journal) Recent(ctx context.Context, limit int, runID string) ([]Entry, error) {
	query := `
		SELECT id, instance_id, run_id, kind, pid, detail, created_at
		FROM lifecycle_events
		WHERE (? = '' OR run_id = ?)
		ORDER BY id DESC
		LIMIT ?
	`
	rows, err := j.db.QueryContext(ctx, query, runID, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var created int64
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.RunID, &e.Kind, &e.PID, &e.Detail, &created); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.CreatedAt = fromUnix(created)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return out, nil
}

// Prune deletes all but the newest keep events and returns how many were removed.
// keep <= 0 disables pruning.
func (j *Journal) Prune(ctx context.Context, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}

	query := `
		DELETE FROM lifecycle_events
		WHERE id <= (
			SELECT id FROM lifecycle_events ORDER BY id DESC LIMIT 1 OFFSET ?
		)
	`
	result, err := j.db.ExecContext(ctx, query, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(rows), nil
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	return time.Unix(0, n)
}
