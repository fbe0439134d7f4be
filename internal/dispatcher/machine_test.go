package dispatcher

import (
	"context"
	"testing"

	"trackcore/internal/domain"
)

func TestCommandMachineHappyPath(t *testing.T) {
	cmd := &domain.Command{ID: "c1", Status: domain.CommandPending, MaxRetries: 3}
	m := newCommandMachine(cmd)

	if err := m.Event(context.Background(), eventSend); err != nil {
		t.Fatalf("send from pending should succeed: %v", err)
	}
	if m.Current() != string(domain.CommandSent) {
		t.Fatalf("expected state %q after send, got %q", domain.CommandSent, m.Current())
	}

	if err := m.Event(context.Background(), eventAck); err != nil {
		t.Fatalf("ack from sent should succeed: %v", err)
	}
	if m.Current() != string(domain.CommandAcknowledged) {
		t.Fatalf("expected state %q after ack, got %q", domain.CommandAcknowledged, m.Current())
	}
}

func TestCommandMachineRetryThenFail(t *testing.T) {
	cmd := &domain.Command{ID: "c2", Status: domain.CommandPending, MaxRetries: 1}
	m := newCommandMachine(cmd)

	if err := m.Event(context.Background(), eventSend); err != nil {
		t.Fatalf("send from pending should succeed: %v", err)
	}

	// first retry is within budget (RetryCount 0 < MaxRetries 1)
	if err := m.Event(context.Background(), eventRetry); err != nil {
		t.Fatalf("first retry should be allowed: %v", err)
	}
	if m.Current() != string(domain.CommandPending) {
		t.Fatalf("expected state %q after retry, got %q", domain.CommandPending, m.Current())
	}
	cmd.RetryCount++

	if err := m.Event(context.Background(), eventSend); err != nil {
		t.Fatalf("re-send after retry should succeed: %v", err)
	}

	// retries are now exhausted (RetryCount 1 >= MaxRetries 1); the guard
	// must cancel this transition so the caller falls through to fail.
	if err := m.Event(context.Background(), eventRetry); err == nil {
		t.Fatalf("expected retry to be rejected once MaxRetries is exhausted")
	}
	if m.Current() != string(domain.CommandSent) {
		t.Fatalf("expected state to remain %q after a cancelled retry, got %q", domain.CommandSent, m.Current())
	}

	if err := m.Event(context.Background(), eventFail); err != nil {
		t.Fatalf("fail from sent should succeed: %v", err)
	}
	if m.Current() != string(domain.CommandFailed) {
		t.Fatalf("expected state %q after fail, got %q", domain.CommandFailed, m.Current())
	}
}

func TestCommandMachineRejectsIllegalTransition(t *testing.T) {
	cmd := &domain.Command{ID: "c3", Status: domain.CommandPending, MaxRetries: 3}
	m := newCommandMachine(cmd)

	if err := m.Event(context.Background(), eventAck); err == nil {
		t.Fatalf("expected ack from pending (never sent) to be rejected")
	}
}
