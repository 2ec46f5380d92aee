package mailbox_test

import (
	"context"
	"reflect"
	"testing"

	"commonroom/pkg/protocol"
)

func TestAgents_RegisterRenameRemove(t *testing.T) {
	t.Parallel()
	mb := newTestMailbox(t)
	register(t, mb, "the_mediator", "the_gemini_connector")

	agents, err := mb.Agents()
	if err != nil {
		t.Fatalf("Agents: %v", err)
	}
	want := []string{"the_gemini_connector", "the_mediator"}
	if !reflect.DeepEqual(agents, want) {
		t.Fatalf("Agents = %v, want %v", agents, want)
	}

	if _, err := mb.Send(context.Background(), "the_mediator", "alice", protocol.NewText("keep me")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := mb.Rename("the_mediator", "the_broker"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if mb.Exists("the_mediator") || !mb.Exists("the_broker") {
		t.Fatal("rename did not move the inbox")
	}
	pending, _ := mb.Pending("the_broker")
	if len(pending) != 1 {
		t.Errorf("pending messages should move with the agent, got %v", pending)
	}

	if err := mb.Rename("the_broker", "the_gemini_connector"); err == nil {
		t.Error("rename onto an existing agent should fail")
	}

	if err := mb.Remove("the_broker"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if mb.Exists("the_broker") {
		t.Error("agent should be gone after Remove")
	}
	if err := mb.Remove("the_broker"); err != nil {
		t.Errorf("removing a missing agent should be a no-op, got %v", err)
	}
}

func TestRegister_Idempotent(t *testing.T) {
	t.Parallel()
	mb := newTestMailbox(t)
	register(t, mb, "bob")
	if err := mb.Register("bob"); err != nil {
		t.Fatalf("second Register: %v", err)
	}
}
