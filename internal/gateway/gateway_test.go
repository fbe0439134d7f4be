package gateway

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"trackcore/internal/codec"
	"trackcore/internal/domain"
)

type fakeSink struct {
	positions chan *domain.Position
}

func newFakeSink() *fakeSink { return &fakeSink{positions: make(chan *domain.Position, 16)} }

func (f *fakeSink) Ingest(ctx context.Context, pos *domain.Position) error {
	f.positions <- pos
	return nil
}

func TestSessionRegistryEvictsPriorSession(t *testing.T) {
	reg := NewSessionRegistry()
	first := &Session{DeviceID: "abc"}
	second := &Session{DeviceID: "abc"}

	reg.Register("abc", first)
	assert.True(t, reg.IsOnline("abc"))

	reg.Register("abc", second)
	current, ok := reg.Get("abc")
	require.True(t, ok)
	assert.Same(t, second, current)

	reg.Unregister("abc", first) // stale handle, must not evict the live one
	_, ok = reg.Get("abc")
	assert.True(t, ok)

	reg.Unregister("abc", second)
	_, ok = reg.Get("abc")
	assert.False(t, ok)
}

type stubDeviceLookup struct {
	devices map[string]*domain.Device
}

func (s *stubDeviceLookup) GetDeviceByIMEI(ctx context.Context, imei string) (*domain.Device, error) {
	return s.devices[imei], nil
}

func TestAuthorizeDeviceRejectsUnknownInactiveAndWrongProtocol(t *testing.T) {
	lookup := &stubDeviceLookup{devices: map[string]*domain.Device{
		"active-dev":   {IMEI: "active-dev", Active: true, Protocol: domain.ProtocolTeltonika},
		"inactive-dev": {IMEI: "inactive-dev", Active: false, Protocol: domain.ProtocolTeltonika},
	}}
	gw := New(codec.NewRegistry(), newFakeSink(), zap.NewNop(), nil, lookup)
	ctx := context.Background()

	ok, err := gw.authorizeDevice(ctx, domain.ProtocolTeltonika, "active-dev")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = gw.authorizeDevice(ctx, domain.ProtocolTeltonika, "unknown-dev")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = gw.authorizeDevice(ctx, domain.ProtocolTeltonika, "inactive-dev")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = gw.authorizeDevice(ctx, domain.ProtocolGT06, "active-dev")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAuthorizeDeviceAcceptsAllWhenLookupUnset(t *testing.T) {
	gw := New(codec.NewRegistry(), newFakeSink(), zap.NewNop(), nil, nil)
	ok, err := gw.authorizeDevice(context.Background(), domain.ProtocolTeltonika, "anything")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGatewayServesOsmAndOverTCP(t *testing.T) {
	registry := codec.NewRegistry()
	sink := newFakeSink()
	log := zap.NewNop()
	gw := New(registry, sink, log, []ListenerConfig{
		{Protocol: domain.ProtocolOsmAnd, Transport: "tcp", Port: 15055},
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = gw.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)

	conn, err := net.Dial("tcp", "127.0.0.1:15055")
	require.NoError(t, err)
	defer conn.Close()

	req := "GET /?id=dev1&lat=1.5&lon=2.5&speed=0 HTTP/1.1\r\nHost: x\r\n\r\n"
	_, err = conn.Write([]byte(req))
	require.NoError(t, err)

	select {
	case pos := <-sink.positions:
		assert.Equal(t, "dev1", pos.DeviceID)
		assert.InDelta(t, 1.5, pos.Latitude, 1e-6)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ingested position")
	}

	assert.True(t, gw.Sessions().IsOnline("dev1"))
}
