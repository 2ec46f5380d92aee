package eventlog_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"commonroom/pkg/eventlog"
)

// setupTestStore creates an event log with some sample events.
func setupTestStore(t *testing.T) (*eventlog.Store, string) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "events.db")
	store, err := eventlog.Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	events := []eventlog.Event{
		{Type: eventlog.TypeProcessStart, Source: "supervisor", Subject: "backend", Payload: `{"pid":100}`},
		{Type: eventlog.TypeMessageReplied, Source: "watcher", Subject: "the_mediator", MessageID: "m-1"},
		{Type: eventlog.TypeMessageArchived, Source: "watcher", Subject: "the_mediator", MessageID: "m-1"},
		{Type: eventlog.TypeProcessStop, Source: "supervisor", Subject: "backend"},
		{Type: eventlog.TypeProcessStart, Source: "supervisor", Subject: "connector", Payload: `{"pid":200}`},
	}
	ctx := context.Background()
	for _, e := range events {
		if err := store.Record(ctx, e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	return store, dbPath
}

func TestNewReader_Success(t *testing.T) {
	_, dbPath := setupTestStore(t)

	reader, err := eventlog.NewReader(dbPath)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer reader.Close()

	events, err := reader.Query(context.Background(), eventlog.QueryOpts{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
}

func TestNewReader_MissingDB(t *testing.T) {
	reader, err := eventlog.NewReader("/nonexistent/path.db")
	if err == nil {
		reader.Close()
		t.Fatal("expected error for missing database")
	}
}

func TestQuery_NewestFirst(t *testing.T) {
	store, _ := setupTestStore(t)

	events, err := store.Query(context.Background(), eventlog.QueryOpts{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	for i := 1; i < len(events); i++ {
		if events[i-1].ID < events[i].ID {
			t.Fatalf("events not in descending id order: %d before %d", events[i-1].ID, events[i].ID)
		}
	}
	if events[0].Subject != "connector" {
		t.Errorf("newest event subject = %q, want connector", events[0].Subject)
	}
	if events[0].CreatedAt.IsZero() {
		t.Error("CreatedAt should be populated")
	}
}

func TestQuery_Filters(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		opts eventlog.QueryOpts
		want int
	}{
		{"by subject", eventlog.QueryOpts{Subject: "backend"}, 2},
		{"by type", eventlog.QueryOpts{EventType: eventlog.TypeProcessStart}, 2},
		{"subject and type", eventlog.QueryOpts{Subject: "the_mediator", EventType: eventlog.TypeMessageArchived}, 1},
		{"limit", eventlog.QueryOpts{Limit: 3}, 3},
		{"no match", eventlog.QueryOpts{Subject: "nobody"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := store.Query(ctx, tt.opts)
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			if len(events) != tt.want {
				t.Errorf("got %d events, want %d", len(events), tt.want)
			}
		})
	}
}

func TestQuery_TimeRange(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	events, err := store.Query(ctx, eventlog.QueryOpts{After: &past, Before: &future})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 5 {
		t.Errorf("expected all 5 events within range, got %d", len(events))
	}

	events, err = store.Query(ctx, eventlog.QueryOpts{After: &future})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected no events after the future, got %d", len(events))
	}
}

func TestNop_Record(t *testing.T) {
	var r eventlog.Recorder = eventlog.Nop{}
	if err := r.Record(context.Background(), eventlog.Event{Type: "x"}); err != nil {
		t.Fatalf("Nop.Record: %v", err)
	}
}
