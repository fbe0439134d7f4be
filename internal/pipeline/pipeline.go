// Package pipeline turns a decoded position into durable state: clock
// sanity, de-dup, odometer accounting, trip segmentation, persistence, and
// hand-off to the alert engine and broadcast hub. Grounded on
// original_source/app/core/database.py's process_position/_handle_trip_logic
// for exact accounting semantics.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"trackcore/internal/domain"
)

// clockSanityFuture and clockSanityPast bound how far a device's own clock
// may disagree with the server's before a position is rejected outright —
// a device with a stuck RTC can report a timestamp decades in the past, and
// one with a corrupted GPS week-rollover can report one far in the future.
const (
	clockSanityFuture = 24 * time.Hour
	clockSanityPast   = 30 * 24 * time.Hour
)

// Store is the persistence seam the pipeline depends on. internal/store
// implements it against Postgres (positions/trips/devices) and Redis
// (per-device state cache, dedup keys); tests can stub it directly.
type Store interface {
	GetDeviceByIMEI(ctx context.Context, imei string) (*domain.Device, error)
	GetOrCreateState(ctx context.Context, deviceID string) (*domain.DeviceState, error)
	SaveState(ctx context.Context, state *domain.DeviceState) error
	UpdateDeviceState(ctx context.Context, deviceID string, odometerKm float64, openTripID string) error
	InsertPosition(ctx context.Context, pos *domain.Position) error
	SeenPosition(ctx context.Context, deviceID string, deviceTime time.Time) (bool, error)
	OpenTrip(ctx context.Context, trip *domain.Trip) error
	CloseTrip(ctx context.Context, trip *domain.Trip) error
}

// AlertSink is the synchronous half of step 7's handoff: internal/alerts
// evaluates every rule for the device against the just-persisted position
// before Ingest returns, since alert firing is part of the durability
// guarantee spec.md §8 asks for (a fired alert must not be lost to a crash
// between persist and evaluation).
type AlertSink interface {
	Evaluate(ctx context.Context, pos *domain.Position, state *domain.DeviceState)
}

// Pipeline implements gateway.PositionSink: Ingest is the single entry point
// every protocol listener calls with a freshly decoded position.
type Pipeline struct {
	store     Store
	alerts    AlertSink
	broadcast *BroadcastDispatcher
	log       *zap.Logger

	mu    sync.Mutex
	trips map[string]*TripMachine // deviceID -> trip machine, single-writer per device
}

func New(store Store, alerts AlertSink, broadcast *BroadcastDispatcher, log *zap.Logger) *Pipeline {
	return &Pipeline{
		store:     store,
		alerts:    alerts,
		broadcast: broadcast,
		log:       log,
		trips:     make(map[string]*TripMachine),
	}
}

// Ingest runs the seven-step pipeline against one decoded position.
func (p *Pipeline) Ingest(ctx context.Context, pos *domain.Position) error {
	if pos.DeviceID == "" {
		return fmt.Errorf("pipeline: position has no device id")
	}

	device, err := p.store.GetDeviceByIMEI(ctx, pos.DeviceID)
	if err != nil {
		return fmt.Errorf("pipeline: resolve device %s: %w", pos.DeviceID, err)
	}
	if device == nil {
		p.log.Warn("position from unknown device", zap.String("imei", pos.DeviceID))
		return nil
	}
	pos.DeviceID = device.ID

	// Step 1: clock sanity.
	now := time.Now().UTC()
	if pos.DeviceTime.After(now.Add(clockSanityFuture)) || pos.DeviceTime.Before(now.Add(-clockSanityPast)) {
		p.log.Warn("position rejected, device clock out of bounds",
			zap.String("device_id", device.ID), zap.Time("device_time", pos.DeviceTime))
		return nil
	}
	pos.ServerTime = now

	// Step 2: de-dup on (device, timestamp).
	seen, err := p.store.SeenPosition(ctx, device.ID, pos.DeviceTime)
	if err != nil {
		return fmt.Errorf("pipeline: dedup check for %s: %w", device.ID, err)
	}
	if seen {
		return nil
	}

	state, err := p.store.GetOrCreateState(ctx, device.ID)
	if err != nil {
		return fmt.Errorf("pipeline: load state for %s: %w", device.ID, err)
	}
	// The Redis cache backing GetOrCreateState carries a short TTL and is
	// not the source of truth for the odometer or the open trip id — an
	// idle vehicle can easily outlast it. The device row just read above
	// is durable, so it always wins: this also self-heals a cache that
	// expired between positions.
	state.OdometerKm = device.OdometerKm
	state.OpenTripID = device.OpenTripID

	// Step 3: haversine odometer accumulation with glitch guard.
	var distanceKm float64
	if state.LastPosition != nil {
		distanceKm = accumulateOdometer(
			state.LastPosition.Latitude, state.LastPosition.Longitude, state.LastPosition.DeviceTime.Unix(),
			pos.Latitude, pos.Longitude, pos.DeviceTime.Unix(),
		)
	}
	state.OdometerKm += distanceKm

	// Step 4: trip segmentation (FSM). The step-5 ignition-off anchor is
	// captured by the alert engine's towing evaluator, not here.
	ignitionOn := state.IgnitionOn
	if pos.Ignition != nil {
		ignitionOn = *pos.Ignition
	}
	closedOrOpened, tripErr := p.handleTripTransition(ctx, device.ID, state, pos, ignitionOn, distanceKm)
	if tripErr != nil {
		return tripErr
	}
	if pos.Ignition != nil {
		state.IgnitionOn = *pos.Ignition
	}

	state.LastPosition = pos
	state.Online = true
	state.LastSeenAt = now

	// Step 6: persist. The position insert, the Redis state save and the
	// device row update are three separate writes, not one transaction.
	if err := p.store.InsertPosition(ctx, pos); err != nil {
		return fmt.Errorf("pipeline: insert position for %s: %w", device.ID, err)
	}
	if err := p.store.SaveState(ctx, state); err != nil {
		return fmt.Errorf("pipeline: save state for %s: %w", device.ID, err)
	}
	if err := p.store.UpdateDeviceState(ctx, device.ID, state.OdometerKm, state.OpenTripID); err != nil {
		return fmt.Errorf("pipeline: persist durable state for %s: %w", device.ID, err)
	}

	// Step 7: synchronous alert handoff, asynchronous broadcast handoff.
	p.alerts.Evaluate(ctx, pos, state)
	p.broadcast.DispatchPosition(pos)
	if closedOrOpened != nil {
		p.broadcast.DispatchTrip(closedOrOpened, closedOrOpened.Open)
	}

	return nil
}

func (p *Pipeline) handleTripTransition(
	ctx context.Context, deviceID string, state *domain.DeviceState, pos *domain.Position, ignitionOn bool, distanceKm float64,
) (*domain.Trip, error) {
	if pos.Ignition == nil {
		return nil, nil
	}

	machine := p.tripMachineFor(deviceID, state)
	trip, err := machine.OnIgnition(ctx, ignitionOn, pos)
	if err != nil {
		return nil, err
	}
	if trip == nil {
		if state.OpenTripID != "" {
			// trip stays open: accrue trip-scoped distance for the eventual close
			if existing := machine.Open; existing != nil {
				existing.DistanceKm += distanceKm
			}
		}
		return nil, nil
	}

	if trip.Open {
		if err := p.store.OpenTrip(ctx, trip); err != nil {
			return nil, fmt.Errorf("pipeline: open trip for %s: %w", deviceID, err)
		}
		state.OpenTripID = trip.ID
		trip.DistanceKm = 0
	} else {
		FinalizeDistance(trip, trip.DistanceKm+distanceKm)
		if err := p.store.CloseTrip(ctx, trip); err != nil {
			return nil, fmt.Errorf("pipeline: close trip for %s: %w", deviceID, err)
		}
		state.OpenTripID = ""
	}
	return trip, nil
}

func (p *Pipeline) tripMachineFor(deviceID string, state *domain.DeviceState) *TripMachine {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.trips[deviceID]
	if !ok {
		m = NewTripMachine(deviceID, state.OpenTripID != "")
		if state.OpenTripID != "" {
			// resume the trip recorded on the device row so ignition-off closes it
			m.Open = &domain.Trip{ID: state.OpenTripID, DeviceID: deviceID, Open: true}
		}
		p.trips[deviceID] = m
	}
	return m
}
