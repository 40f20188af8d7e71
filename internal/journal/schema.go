package journal

const schema = `
-- One row per supervisor process
CREATE TABLE IF NOT EXISTS supervisor_instances (
    instance_id TEXT PRIMARY KEY,
    hostname TEXT NOT NULL,
    pid INTEGER NOT NULL,
    root TEXT NOT NULL,
    watch_mode TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'running' CHECK(status IN ('running', 'stopped')),
    started_at INTEGER NOT NULL,
    stopped_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_supervisor_instances_status ON supervisor_instances(status);

-- Lifecycle history (child transitions, restart requests)
CREATE TABLE IF NOT EXISTS lifecycle_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    instance_id TEXT NOT NULL,
    run_id TEXT NOT NULL DEFAULT '',
    kind TEXT NOT NULL,
    pid INTEGER NOT NULL DEFAULT 0,
    detail TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    FOREIGN KEY (instance_id) REFERENCES supervisor_instances(instance_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_lifecycle_events_instance ON lifecycle_events(instance_id);
CREATE INDEX IF NOT EXISTS idx_lifecycle_events_run ON lifecycle_events(run_id);
`
