//go:build !windows

package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"testing"
	"time"

	"commonroom/internal/config"
	"commonroom/pkg/eventlog"
	"commonroom/pkg/generation"
	"commonroom/pkg/protocol"

	"github.com/rs/zerolog"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestServer_AnswersRequestsAndServesAPI(t *testing.T) {
	isolate(t)
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	cfg.Processes = []protocol.ProcessEntry{
		{ID: "backend", Name: "Backend", Command: "sleep", Args: []string{"3600"}, Probe: protocol.ProbeConfig{Kind: protocol.ProbePID}},
	}
	cfg.SettleInterval.Duration = 50 * time.Millisecond

	srv, err := newServer(cfg, generation.Echo{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}
	defer srv.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx, ln) }()

	select {
	case <-srv.watcher.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("watcher not ready")
	}

	for _, a := range []string{"alice", "the_librarian"} {
		if err := srv.mb.Register(a); err != nil {
			t.Fatal(err)
		}
	}
	// Give the watcher a moment to add the new inboxes.
	waitFor(t, 2*time.Second, func() bool { return srv.mb.Exists("the_librarian") })
	time.Sleep(100 * time.Millisecond)

	if _, err := srv.mb.Send(ctx, "the_librarian", "alice", protocol.NewRequest("hello", "", false, "")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var reply protocol.Message
	waitFor(t, 5*time.Second, func() bool {
		msgs, err := srv.mb.Peek(ctx, "alice")
		if err != nil || len(msgs) == 0 {
			return false
		}
		reply = msgs[0]
		return true
	})
	if reply.Sender != "the_librarian" || reply.Payload.Kind != protocol.KindResponse {
		t.Errorf("reply = %+v", reply)
	}
	if got := reply.Payload.Text(); got != "echo: hello" {
		t.Errorf("reply text = %q", got)
	}

	client := newAPIClient(ln.Addr().String())
	var status map[string]string
	if err := client.do(ctx, http.MethodGet, "/api/status/server", &status); err != nil {
		t.Fatalf("status: %v", err)
	}
	if status["status"] != "online" {
		t.Errorf("status = %v", status)
	}

	var res processResult
	if err := client.do(ctx, http.MethodPost, "/api/processes/backend/start", &res); err != nil {
		t.Fatalf("start: %v", err)
	}
	if res.Status != protocol.StatusRunning {
		t.Errorf("start status = %q", res.Status)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if _, tracked := srv.registry.Handle("backend"); tracked {
		t.Error("shutdown left the process tracked")
	}

	events, err := srv.events.Query(context.Background(), eventlog.QueryOpts{Subject: "backend"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) == 0 {
		t.Error("no process events recorded")
	}
	raw, _ := json.Marshal(events)
	t.Logf("events: %s", raw)
}
