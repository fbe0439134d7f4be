// Package hub fans out live positions and alerts to dashboard websocket
// subscribers. Each subscriber's send channel is bounded so one slow browser
// tab can't back-pressure the rest of the fleet — a device firehose is
// high-frequency enough that a stalled subscriber must be dropped, not
// waited on.
package hub

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"trackcore/internal/domain"
	"trackcore/internal/metrics"
)

// sendBufferSize bounds how many pending messages a subscriber can queue
// before the hub gives up on it and closes the connection.
const sendBufferSize = 64

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// subscriber is one connected dashboard client, scoped to the set of
// device ids its owner can see.
type subscriber struct {
	conn      *websocket.Conn
	send      chan domain.WSMessage
	deviceIDs map[string]struct{}
}

// Hub owns the subscriber registry and the broadcast fan-out loop.
type Hub struct {
	log *zap.Logger

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

func New(log *zap.Logger) *Hub {
	return &Hub{log: log, subs: make(map[*subscriber]struct{})}
}

// ServeWS upgrades an authenticated dashboard request to a websocket and
// registers it as a subscriber for the given device ids. An empty list
// subscribes to every device; the hub does not check which devices the
// caller owns, and cmd/trackcored passes the request's device_id query
// values as given.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, deviceIDs []string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	set := make(map[string]struct{}, len(deviceIDs))
	for _, id := range deviceIDs {
		set[id] = struct{}{}
	}
	sub := &subscriber{conn: conn, send: make(chan domain.WSMessage, sendBufferSize), deviceIDs: set}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	metrics.HubSubscribers.Inc()

	go h.writePump(sub)
	go h.readPump(sub)
}

// readPump only exists to process control frames (pong, close); dashboard
// clients don't send data messages.
func (h *Hub) readPump(sub *subscriber) {
	defer h.remove(sub)

	sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		sub.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.remove(sub)
	}()

	for {
		select {
		case msg, ok := <-sub.send:
			sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				sub.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := sub.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.send)
		sub.conn.Close()
		metrics.HubSubscribers.Dec()
	}
	h.mu.Unlock()
}

// broadcast fans msg out to every subscriber watching msg.DeviceID (or
// every subscriber, for a subscription with no device filter). A full send
// buffer means the client isn't draining fast enough; the hub drops that
// subscriber and closes its connection rather than stall the whole hub.
func (h *Hub) broadcast(msg domain.WSMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs {
		if len(sub.deviceIDs) > 0 {
			if _, ok := sub.deviceIDs[msg.DeviceID]; !ok {
				continue
			}
		}
		select {
		case sub.send <- msg:
		default:
			metrics.BroadcastChannelDrops.Inc()
			delete(h.subs, sub)
			close(sub.send)
			if sub.conn != nil {
				sub.conn.Close()
			}
			metrics.HubSubscribers.Dec()
		}
	}
}

// RunPositions drains a pipeline.BroadcastDispatcher-style position channel
// and republishes each one as a position_update envelope, until ctx is
// cancelled or the channel closes.
func (h *Hub) RunPositions(ctx context.Context, positions <-chan *domain.Position) {
	for {
		select {
		case <-ctx.Done():
			return
		case pos, ok := <-positions:
			if !ok {
				return
			}
			h.broadcast(domain.WSMessage{
				Type:      domain.WSPositionUpdate,
				DeviceID:  pos.DeviceID,
				Timestamp: pos.ServerTime,
				Data:      positionToMap(pos),
			})
		}
	}
}

func positionToMap(pos *domain.Position) map[string]any {
	return map[string]any{
		"latitude":   pos.Latitude,
		"longitude":  pos.Longitude,
		"speed_kmh":  pos.SpeedKmh,
		"course":     pos.Course,
		"altitude":   pos.Altitude,
		"ignition":   pos.Ignition,
		"device_time": pos.DeviceTime,
		"sensors":    pos.Sensors,
	}
}

// BroadcastAlert republishes a fired alert instance to every interested
// subscriber — called from cmd/trackcored's alertNotifier so the
// dashboard doesn't have to poll for new alerts.
func (h *Hub) BroadcastAlert(a *domain.AlertInstance) {
	h.broadcast(domain.WSMessage{
		Type:      domain.WSAlert,
		DeviceID:  a.DeviceID,
		Timestamp: a.FiredAt,
		Data: map[string]any{
			"id": a.ID, "kind": a.Kind, "severity": a.Severity,
			"message": a.Message, "latitude": a.Latitude, "longitude": a.Longitude,
		},
	})
}
