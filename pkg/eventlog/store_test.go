package eventlog_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"commonroom/pkg/eventlog"
)

func TestStore_PersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "events.db")
	ctx := context.Background()

	store, err := eventlog.Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := store.Record(ctx, eventlog.Event{Type: eventlog.TypeProcessStart, Source: "supervisor", Subject: "backend"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	store, err = eventlog.Open(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()

	events, err := store.Query(ctx, eventlog.QueryOpts{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 1 || events[0].Subject != "backend" {
		t.Fatalf("events = %+v", events)
	}
	if events[0].CreatedAt.IsZero() {
		t.Error("CreatedAt not populated")
	}
}

func TestStore_ConcurrentRecordWithReader(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "events.db")
	ctx := context.Background()

	store, err := eventlog.Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	reader, err := eventlog.NewReader(dbPath)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer reader.Close()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e := eventlog.Event{
				Type:      eventlog.TypeMessageReplied,
				Source:    "watcher",
				Subject:   "the_mediator",
				MessageID: fmt.Sprintf("m-%d", i),
			}
			if err := store.Record(ctx, e); err != nil {
				t.Errorf("Record %d: %v", i, err)
			}
		}(i)
		if _, err := reader.Query(ctx, eventlog.QueryOpts{Limit: 5}); err != nil {
			t.Errorf("Query during writes: %v", err)
		}
	}
	wg.Wait()

	events, err := reader.Query(ctx, eventlog.QueryOpts{Subject: "the_mediator"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != n {
		t.Errorf("got %d events, want %d", len(events), n)
	}
}
