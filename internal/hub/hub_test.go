package hub

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"trackcore/internal/domain"
)

func newTestSubscriber(deviceIDs ...string) *subscriber {
	set := make(map[string]struct{}, len(deviceIDs))
	for _, id := range deviceIDs {
		set[id] = struct{}{}
	}
	return &subscriber{send: make(chan domain.WSMessage, sendBufferSize), deviceIDs: set}
}

func TestBroadcastFiltersByDeviceID(t *testing.T) {
	h := New(zap.NewNop())
	all := newTestSubscriber()
	onlyA := newTestSubscriber("device-a")
	onlyB := newTestSubscriber("device-b")

	h.mu.Lock()
	h.subs[all] = struct{}{}
	h.subs[onlyA] = struct{}{}
	h.subs[onlyB] = struct{}{}
	h.mu.Unlock()

	h.broadcast(domain.WSMessage{Type: domain.WSPositionUpdate, DeviceID: "device-a"})

	select {
	case <-all.send:
	default:
		t.Errorf("expected the unfiltered subscriber to receive the message")
	}
	select {
	case <-onlyA.send:
	default:
		t.Errorf("expected the device-a subscriber to receive the message")
	}
	select {
	case <-onlyB.send:
		t.Errorf("expected the device-b subscriber not to receive a device-a message")
	default:
	}
}

func TestBroadcastDropsOnFullBuffer(t *testing.T) {
	h := New(zap.NewNop())
	sub := &subscriber{send: make(chan domain.WSMessage, 1), deviceIDs: map[string]struct{}{}}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	h.broadcast(domain.WSMessage{Type: domain.WSAlert})
	// second broadcast finds a full channel and must not block
	done := make(chan struct{})
	go func() {
		h.broadcast(domain.WSMessage{Type: domain.WSAlert})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("broadcast blocked on a full subscriber channel instead of dropping")
	}
}

func TestRunPositionsStopsOnContextCancel(t *testing.T) {
	h := New(zap.NewNop())
	positions := make(chan *domain.Position)

	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		h.RunPositions(ctx, positions)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("RunPositions did not return after context cancellation")
	}
}
