// Package gateway accepts device connections over TCP and UDP, resolves the
// configured wire protocol to a codec.Decoder, and hands decoded positions
// off to the position pipeline. It owns per-connection buffering, resync on
// bad frames, and the registry of currently-online devices.
package gateway

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"trackcore/internal/codec"
	"trackcore/internal/domain"
)

// maxBufferBytes bounds how much unconsumed data a connection may accumulate
// before the gateway gives up on resync and drops it — a device sending
// garbage or a truncated frame that will never complete must not grow memory
// without bound.
const maxBufferBytes = 64 * 1024

// PositionSink receives decoded positions from every protocol listener. The
// position pipeline implements this; tests may stub it.
type PositionSink interface {
	Ingest(ctx context.Context, pos *domain.Position) error
}

// DeviceLookup resolves a device's registration record so the gateway can
// reject unknown or deactivated devices before a session is ever created.
// internal/store's composite Store satisfies this with its existing
// GetDeviceByIMEI method; a nil DeviceLookup disables the check entirely.
type DeviceLookup interface {
	GetDeviceByIMEI(ctx context.Context, imei string) (*domain.Device, error)
}

// ListenerConfig names one protocol's transport and port, per SPEC_FULL.md
// §4.2's default port table.
type ListenerConfig struct {
	Protocol  domain.Protocol
	Transport string // "tcp" or "udp"
	Port      int
}

// DefaultListeners is the stock port assignment for every supported
// protocol.
var DefaultListeners = []ListenerConfig{
	{Protocol: domain.ProtocolTeltonika, Transport: "tcp", Port: 5027},
	{Protocol: domain.ProtocolGT06, Transport: "tcp", Port: 5023},
	{Protocol: domain.ProtocolH02, Transport: "tcp", Port: 5025},
	{Protocol: domain.ProtocolH02, Transport: "udp", Port: 5025},
	{Protocol: domain.ProtocolH02, Transport: "tcp", Port: 5022}, // GPS103 alias, same H02 framing
	{Protocol: domain.ProtocolQueclink, Transport: "tcp", Port: 5026},
	{Protocol: domain.ProtocolFlespi, Transport: "tcp", Port: 5149},
	{Protocol: domain.ProtocolTK103, Transport: "tcp", Port: 5021},
	{Protocol: domain.ProtocolOsmAnd, Transport: "tcp", Port: 5055},
	{Protocol: domain.ProtocolTotem, Transport: "tcp", Port: 5028},
}

// Gateway owns every protocol listener and the registry of live sessions.
type Gateway struct {
	registry  *codec.Registry
	sessions  *SessionRegistry
	sink      PositionSink
	devices   DeviceLookup
	log       *zap.Logger
	listeners []ListenerConfig

	tcpListeners []net.Listener
	udpConns     []net.PacketConn
}

func New(registry *codec.Registry, sink PositionSink, log *zap.Logger, listeners []ListenerConfig, devices DeviceLookup) *Gateway {
	if listeners == nil {
		listeners = DefaultListeners
	}
	return &Gateway{
		registry:  registry,
		sessions:  NewSessionRegistry(),
		sink:      sink,
		devices:   devices,
		log:       log,
		listeners: listeners,
	}
}

// authorizeDevice reports whether a login claiming imei on protocol should
// be accepted. An unset DeviceLookup accepts everything (used by tests and
// any deployment that hasn't provisioned device records yet). Otherwise the
// device must exist, be active, and be dialing the port its registered
// protocol actually speaks.
func (g *Gateway) authorizeDevice(ctx context.Context, protocol domain.Protocol, imei string) (bool, error) {
	if g.devices == nil {
		return true, nil
	}
	device, err := g.devices.GetDeviceByIMEI(ctx, imei)
	if err != nil {
		return false, err
	}
	if device == nil || !device.Active || device.Protocol != protocol {
		return false, nil
	}
	return true, nil
}

// Sessions exposes the registry so the dispatcher can check device liveness
// and send downstream commands.
func (g *Gateway) Sessions() *SessionRegistry { return g.sessions }

// Run starts every configured listener and blocks until ctx is canceled or
// any listener fails. A single listener's fatal error brings down the whole
// group — startup failures (port already bound, no decoder registered) are
// not partial-degradation scenarios worth running with.
func (g *Gateway) Run(ctx context.Context) error {
	group, gctx := errgroup.WithContext(ctx)
	for _, cfg := range g.listeners {
		cfg := cfg
		switch cfg.Transport {
		case "tcp":
			group.Go(func() error { return g.ServeTCP(gctx, cfg) })
		case "udp":
			group.Go(func() error { return g.ServeUDP(gctx, cfg) })
		default:
			return fmt.Errorf("gateway: unknown transport %q for protocol %s", cfg.Transport, cfg.Protocol)
		}
	}
	return group.Wait()
}
