package gateway

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"trackcore/internal/codec"
	"trackcore/internal/domain"
)

// connReadTimeout mirrors the source gateway's 300s idle read timeout: a
// device that falls silent that long is considered gone.
const connReadTimeout = 300 * time.Second

// ServeTCP accepts connections for cfg.Protocol on cfg.Port until ctx is
// canceled. Each accepted connection runs in its own goroutine supervised by
// an errgroup so a panic-free connection error never takes down the listener.
func (g *Gateway) ServeTCP(ctx context.Context, cfg ListenerConfig) error {
	decoder, err := g.registry.Get(cfg.Protocol)
	if err != nil {
		return fmt.Errorf("gateway: tcp listener for %s: %w", cfg.Protocol, err)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("gateway: listen tcp :%d: %w", cfg.Port, err)
	}
	g.tcpListeners = append(g.tcpListeners, ln)
	g.log.Info("tcp listener started", zap.String("protocol", string(cfg.Protocol)), zap.Int("port", cfg.Port))

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-gctx.Done():
				return group.Wait()
			default:
				g.log.Warn("tcp accept error", zap.String("protocol", string(cfg.Protocol)), zap.Error(err))
				continue
			}
		}
		group.Go(func() error {
			g.handleTCPConn(gctx, conn, cfg.Protocol, decoder)
			return nil
		})
	}
}

func (g *Gateway) handleTCPConn(ctx context.Context, conn net.Conn, protocol domain.Protocol, decoder codec.Decoder) {
	remote := conn.RemoteAddr().String()
	sess := &Session{Protocol: protocol, RemoteAddr: remote, ConnectedAt: time.Now().UTC(), conn: conn}

	var imei string
	var buf []byte

	defer func() {
		if imei != "" {
			g.sessions.Unregister(imei, sess)
			g.log.Info("device disconnected", zap.String("device_id", imei), zap.String("protocol", string(protocol)))
		}
		_ = conn.Close()
	}()

	g.log.Info("connection accepted", zap.String("protocol", string(protocol)), zap.String("remote_addr", remote))

	chunk := make([]byte, 4096)
	for {
		if ctx.Err() != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(connReadTimeout))
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			return
		}

		for {
			frame, consumed, decodeErr := decoder.Decode(buf, imei)
			if decodeErr != nil {
				g.log.Warn("decode error, resyncing", zap.String("protocol", string(protocol)), zap.Error(decodeErr))
				if consumed <= 0 {
					consumed = 1
				}
			}
			if consumed == 0 {
				if len(buf) > maxBufferBytes {
					g.log.Warn("buffer overflow without frame, dropping connection",
						zap.String("protocol", string(protocol)), zap.Int("buffered_bytes", len(buf)))
					return
				}
				break
			}
			buf = buf[consumed:]

			if frame == nil {
				continue
			}
			if frame.IMEI != "" && imei == "" {
				ok, err := g.authorizeDevice(ctx, protocol, frame.IMEI)
				if err != nil {
					g.log.Error("device authorization check failed", zap.String("device_id", frame.IMEI), zap.Error(err))
					return
				}
				if !ok {
					g.log.Warn("rejecting unknown or inactive device",
						zap.String("device_id", frame.IMEI), zap.String("protocol", string(protocol)))
					if reject := decoder.RejectAck(); len(reject) > 0 {
						_ = sess.Write(reject)
					}
					return
				}
				imei = frame.IMEI
				sess.DeviceID = imei
				g.sessions.Register(imei, sess)
				g.log.Info("device connected", zap.String("device_id", imei), zap.String("protocol", string(protocol)))
			}
			if len(frame.Ack) > 0 {
				if err := sess.Write(frame.Ack); err != nil {
					return
				}
			}
			if frame.Position != nil {
				g.ingest(ctx, frame.Position)
			}
			for _, extra := range frame.ExtraPositions {
				g.ingest(ctx, extra)
			}
		}
	}
}

func (g *Gateway) ingest(ctx context.Context, pos *domain.Position) {
	if err := g.sink.Ingest(ctx, pos); err != nil {
		g.log.Error("position ingest failed", zap.String("device_id", pos.DeviceID), zap.Error(err))
	}
}
