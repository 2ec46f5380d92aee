package protocol

// SchemaDDL defines the SQLite schema for the supervisor event log.
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Supervisor activity: process lifecycle, watcher replies, consumer dispatch
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    source TEXT NOT NULL,
    subject TEXT NOT NULL DEFAULT '',
    message_id TEXT NOT NULL DEFAULT '',
    payload TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now'))
);

CREATE INDEX IF NOT EXISTS idx_events_subject ON events(subject);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
`
