package pipeline

import (
	"trackcore/internal/domain"
	"trackcore/internal/metrics"
)

// tripEvent pairs a trip with whether it just opened (true) or closed
// (false), for the broadcast channel.
type tripEvent struct {
	trip   *domain.Trip
	opened bool
}

// BroadcastDispatcher fans a persisted position (and trip open/close events)
// out over bounded channels, non-blocking on a full channel. cmd/trackcored
// drains PositionChan into the hub; TripChan has no reader in this module,
// so trip events are dropped and counted once its buffer is full —
// adapted from the teacher's pipeline Dispatcher, which fanned one
// TelemetryMessage out to DB/state/alert channels with the same
// select-default-drop-and-count shape.
type BroadcastDispatcher struct {
	PositionChan chan *domain.Position
	TripChan     chan tripEvent
}

func NewBroadcastDispatcher(positionBuf, tripBuf int) *BroadcastDispatcher {
	return &BroadcastDispatcher{
		PositionChan: make(chan *domain.Position, positionBuf),
		TripChan:     make(chan tripEvent, tripBuf),
	}
}

func (d *BroadcastDispatcher) DispatchPosition(pos *domain.Position) {
	select {
	case d.PositionChan <- pos:
	default:
		metrics.BroadcastChannelDrops.Inc()
	}
}

func (d *BroadcastDispatcher) DispatchTrip(trip *domain.Trip, opened bool) {
	select {
	case d.TripChan <- tripEvent{trip: trip, opened: opened}:
	default:
		metrics.BroadcastChannelDrops.Inc()
	}
}
