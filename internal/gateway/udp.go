package gateway

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"
)

// udpWorkers bounds how many datagrams are decoded concurrently per listener
// — unlike TCP, a UDP listener is a single socket, so incoming packets are
// fanned out to a small worker pool instead of one goroutine per connection.
const udpWorkers = 8

// ServeUDP accepts datagrams for cfg.Protocol on cfg.Port until ctx is
// canceled. Each datagram is exactly one protocol message — there is no
// cross-datagram buffering, matching the stateless nature of UDP framing in
// these device protocols.
func (g *Gateway) ServeUDP(ctx context.Context, cfg ListenerConfig) error {
	decoder, err := g.registry.Get(cfg.Protocol)
	if err != nil {
		return fmt.Errorf("gateway: udp listener for %s: %w", cfg.Protocol, err)
	}

	conn, err := net.ListenPacket("udp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("gateway: listen udp :%d: %w", cfg.Port, err)
	}
	g.udpConns = append(g.udpConns, conn)
	g.log.Info("udp listener started", zap.String("protocol", string(cfg.Protocol)), zap.Int("port", cfg.Port))

	type datagram struct {
		data []byte
		addr net.Addr
	}
	work := make(chan datagram, udpWorkers*4)

	for i := 0; i < udpWorkers; i++ {
		go func() {
			for dg := range work {
				frame, _, err := decoder.Decode(dg.data, "")
				if err != nil || frame == nil || frame.Position == nil {
					continue
				}
				g.ingest(ctx, frame.Position)
				for _, extra := range frame.ExtraPositions {
					g.ingest(ctx, extra)
				}
			}
		}()
	}

	go func() {
		<-ctx.Done()
		close(work)
		_ = conn.Close()
	}()

	buf := make([]byte, 4096)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("gateway: udp read on %s: %w", cfg.Protocol, err)
			}
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case work <- datagram{data: data, addr: addr}:
		case <-ctx.Done():
			return nil
		default:
			g.log.Warn("udp worker pool saturated, dropping datagram",
				zap.String("protocol", string(cfg.Protocol)), zap.Stringer("remote_addr", addr))
		}
	}
}
