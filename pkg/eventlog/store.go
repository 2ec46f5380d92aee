package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"commonroom/pkg/protocol"
)

// Event types written by the supervisor components.
const (
	TypeProcessStart     = "process.start"
	TypeProcessStartFail = "process.start_failed"
	TypeProcessStop      = "process.stop"
	TypeProcessExit      = "process.exit"
	TypeMessageReplied   = "message.replied"
	TypeMessageArchived  = "message.archived"
	TypeMessageBad       = "message.quarantined"
	TypeRequestHandled   = "request.handled"
	TypeRequestFailed    = "request.failed"
	TypeReportReceived   = "report.received"
	TypeMessageDropped   = "message.dropped"
)

// Recorder is anything that accepts supervisor events. Components take a
// Recorder so tests and deployments without a database can pass Nop.
type Recorder interface {
	Record(ctx context.Context, e Event) error
}

// Nop is a Recorder that discards every event.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(context.Context, Event) error { return nil }

// Store is the read-write event log used by the supervisor process.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the event database at dbPath and applies
// the schema.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create event log dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	// One writer connection avoids SQLITE_BUSY between our own goroutines.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply event log schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Record inserts one event. CreatedAt is assigned by the database.
func (s *Store) Record(ctx context.Context, e Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (type, source, subject, message_id, payload) VALUES (?, ?, ?, ?, ?)`,
		e.Type, e.Source, e.Subject, e.MessageID, e.Payload,
	)
	if err != nil {
		return fmt.Errorf("record event %s: %w", e.Type, err)
	}
	return nil
}

// Query retrieves events matching opts, newest first.
func (s *Store) Query(ctx context.Context, opts QueryOpts) ([]Event, error) {
	return queryEvents(ctx, s.db, opts)
}

// Close releases the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
