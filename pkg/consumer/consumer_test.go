package consumer_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"commonroom/pkg/consumer"
	"commonroom/pkg/conversation"
	"commonroom/pkg/eventlog"
	"commonroom/pkg/generation"
	"commonroom/pkg/mailbox"
	"commonroom/pkg/protocol"

	"github.com/rs/zerolog"
)

type failingGenerator struct{}

func (failingGenerator) Generate(context.Context, generation.Prompt) (string, error) {
	return "", errors.New("quota exceeded")
}

func setup(t *testing.T, gen generation.Generator, agents ...string) (*mailbox.Mailbox, *consumer.Consumer, *conversation.Store) {
	t.Helper()
	mb, err := mailbox.New(filepath.Join(t.TempDir(), "common_room"))
	if err != nil {
		t.Fatalf("mailbox.New: %v", err)
	}
	for _, a := range append([]string{"connector"}, agents...) {
		if err := mb.Register(a); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	store := conversation.NewStore()
	h := conversation.NewHandler(store, gen, "", zerolog.Nop())
	c, err := consumer.New(mb, "connector", h)
	if err != nil {
		t.Fatalf("consumer.New: %v", err)
	}
	return mb, c, store
}

func send(t *testing.T, mb *mailbox.Mailbox, from string, p protocol.Payload) {
	t.Helper()
	if _, err := mb.Send(context.Background(), "connector", from, p); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func drain(t *testing.T, mb *mailbox.Mailbox, agent string) []protocol.Message {
	t.Helper()
	msgs, err := mb.Drain(context.Background(), agent)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	return msgs
}

func TestTick_RequestRepliesToSender(t *testing.T) {
	mb, c, store := setup(t, generation.Echo{}, "alice")
	send(t, mb, "alice", protocol.NewRequest("what's up", "", false, ""))

	if n := c.Tick(context.Background()); n != 1 {
		t.Fatalf("Tick handled %d messages, want 1", n)
	}

	replies := drain(t, mb, "alice")
	if len(replies) != 1 {
		t.Fatalf("alice got %d replies, want 1", len(replies))
	}
	r := replies[0]
	if r.Sender != "connector" || r.Payload.Kind != protocol.KindResponse {
		t.Fatalf("unexpected reply %+v", r)
	}
	if r.Payload.Response.Content != "echo: what's up" {
		t.Errorf("content = %q", r.Payload.Response.Content)
	}
	if r.Payload.Response.ConversationID != "alice" {
		t.Errorf("conversation id = %q, want alice", r.Payload.Response.ConversationID)
	}
	if n := store.Len("alice"); n != 2 {
		t.Errorf("conversation has %d turns, want 2", n)
	}
	if left := drain(t, mb, "connector"); len(left) != 0 {
		t.Errorf("inbox not drained: %d left", len(left))
	}
}

func TestTick_ReturnAddressAndConversation(t *testing.T) {
	mb, c, store := setup(t, generation.Echo{}, "alice", "dashboard")
	send(t, mb, "alice", protocol.NewRequest("q1", "thread-1", false, "dashboard"))
	c.Tick(context.Background())

	if got := drain(t, mb, "alice"); len(got) != 0 {
		t.Errorf("sender got %d replies despite return address", len(got))
	}
	replies := drain(t, mb, "dashboard")
	if len(replies) != 1 || replies[0].Payload.Response.ConversationID != "thread-1" {
		t.Fatalf("unexpected replies at return address: %+v", replies)
	}
	if store.Len("thread-1") != 2 || store.Len("alice") != 0 {
		t.Errorf("history keyed wrongly: ids=%v", store.IDs())
	}
}

func TestTick_ResetConversation(t *testing.T) {
	mb, c, store := setup(t, generation.Echo{}, "alice")
	ctx := context.Background()
	for _, q := range []string{"one", "two"} {
		send(t, mb, "alice", protocol.NewRequest(q, "", false, ""))
		c.Tick(ctx)
	}
	if n := store.Len("alice"); n != 4 {
		t.Fatalf("history = %d turns before reset, want 4", n)
	}

	send(t, mb, "alice", protocol.NewRequest("three", "", true, ""))
	c.Tick(ctx)
	if n := store.Len("alice"); n != 2 {
		t.Errorf("history = %d turns after reset, want 2", n)
	}
}

func TestTick_GenerationFailureRepliesError(t *testing.T) {
	mb, c, store := setup(t, failingGenerator{}, "alice", "dashboard")
	send(t, mb, "alice", protocol.NewRequest("q", "c9", false, "dashboard"))
	c.Tick(context.Background())

	replies := drain(t, mb, "alice")
	if len(replies) != 1 {
		t.Fatalf("sender got %d replies, want the error", len(replies))
	}
	if replies[0].Payload.Kind != protocol.KindError || replies[0].Payload.Error.Content != protocol.GenerationFailedReply {
		t.Errorf("unexpected error reply %+v", replies[0].Payload)
	}
	if replies[0].Payload.Error.ConversationID != "c9" {
		t.Errorf("conversation id = %q, want c9", replies[0].Payload.Error.ConversationID)
	}
	if got := drain(t, mb, "dashboard"); len(got) != 0 {
		t.Errorf("errors must go to the sender, not the return address")
	}
	if store.Len("c9") != 0 {
		t.Error("failed request must not touch history")
	}
}

// cancellingGenerator cancels the consumer's context on its first call, as a
// shutdown arriving mid-batch would.
type cancellingGenerator struct{ cancel context.CancelFunc }

func (g cancellingGenerator) Generate(ctx context.Context, p generation.Prompt) (string, error) {
	if ctx.Err() != nil {
		return generation.Echo{}.Generate(ctx, p)
	}
	g.cancel()
	return generation.Echo{}.Generate(context.WithoutCancel(ctx), p)
}

func TestTick_CancelMidBatchStillRepliesToEverySender(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mb, c, _ := setup(t, cancellingGenerator{cancel: cancel}, "alice", "bob")
	send(t, mb, "alice", protocol.NewRequest("first", "", false, ""))
	send(t, mb, "bob", protocol.NewRequest("second", "", false, ""))

	if n := c.Tick(ctx); n != 2 {
		t.Fatalf("Tick handled %d messages, want 2", n)
	}

	got := drain(t, mb, "alice")
	if len(got) != 1 || got[0].Payload.Kind != protocol.KindResponse {
		t.Fatalf("alice replies = %+v, want one response", got)
	}
	got = drain(t, mb, "bob")
	if len(got) != 1 || got[0].Payload.Kind != protocol.KindError {
		t.Fatalf("bob replies = %+v, want one error", got)
	}
	if got[0].Payload.Error.Content != protocol.GenerationFailedReply {
		t.Errorf("error content = %q", got[0].Payload.Error.Content)
	}
}

func TestTick_ReportsAndUnknownAreConsumedWithoutReply(t *testing.T) {
	mb, c, _ := setup(t, generation.Echo{}, "alice")
	send(t, mb, "alice", protocol.NewReport("build green"))
	send(t, mb, "alice", protocol.NewText("just saying hi"))
	send(t, mb, "alice", protocol.NewResponse("stray", ""))

	if n := c.Tick(context.Background()); n != 3 {
		t.Fatalf("Tick handled %d, want 3", n)
	}
	if got := drain(t, mb, "alice"); len(got) != 0 {
		t.Errorf("reports and unknown payloads must not be answered, got %d replies", len(got))
	}
}

func TestTick_RecordsEvents(t *testing.T) {
	mb, err := mailbox.New(filepath.Join(t.TempDir(), "common_room"))
	if err != nil {
		t.Fatal(err)
	}
	for _, a := range []string{"connector", "alice"} {
		if err := mb.Register(a); err != nil {
			t.Fatal(err)
		}
	}
	store, err := eventlog.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("eventlog.Open: %v", err)
	}
	defer store.Close()

	h := conversation.NewHandler(conversation.NewStore(), generation.Echo{}, "", zerolog.Nop())
	c, err := consumer.New(mb, "connector", h, consumer.WithEventLog(store))
	if err != nil {
		t.Fatal(err)
	}

	send(t, mb, "alice", protocol.NewRequest("hi", "", false, ""))
	send(t, mb, "alice", protocol.NewReport("fyi"))
	ctx := context.Background()
	c.Tick(ctx)

	for typ, want := range map[string]int{
		eventlog.TypeRequestHandled: 1,
		eventlog.TypeReportReceived: 1,
	} {
		events, err := store.Query(ctx, eventlog.QueryOpts{EventType: typ, Subject: "connector"})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(events) != want {
			t.Errorf("%s events = %d, want %d", typ, len(events), want)
		}
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	mb, err := mailbox.New(filepath.Join(t.TempDir(), "common_room"))
	if err != nil {
		t.Fatal(err)
	}
	if err := mb.Register("alice"); err != nil {
		t.Fatal(err)
	}
	h := conversation.NewHandler(conversation.NewStore(), generation.Echo{}, "", zerolog.Nop())
	c, err := consumer.New(mb, "connector", h, consumer.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	// Run registers the inbox itself; wait for it before sending.
	deadline := time.Now().Add(2 * time.Second)
	for !mb.Exists("connector") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := mb.Send(context.Background(), "connector", "alice", protocol.NewRequest("ping", "", false, "")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var replies []protocol.Message
	for time.Now().Before(deadline.Add(2 * time.Second)) {
		replies = drain(t, mb, "alice")
		if len(replies) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if len(replies) != 1 {
		t.Fatalf("no reply from polling loop")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestNew_RejectsBadAgent(t *testing.T) {
	mb, err := mailbox.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := consumer.New(mb, "../escape", nil); err == nil {
		t.Fatal("expected invalid agent error")
	}
}
