package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"trackcore/internal/domain"
)

// Trip states and events for the per-device trip machine. Modeled on
// _examples/cloupeer-cloupeer's vehicle reconcile FSM, generalized from a
// four-phase k8s update cycle down to the two-state idle/moving machine
// spec.md's trip segmentation needs, driven by ignition edges instead of
// CRD generation guards.
const (
	tripStateIdle   = "idle"
	tripStateMoving = "moving"

	tripEventIgnitionOn  = "ignition_on"
	tripEventIgnitionOff = "ignition_off"
)

// TripMachine tracks one device's open/closed trip state. It is not safe for
// concurrent use — the pipeline serializes access per device.
type TripMachine struct {
	*fsm.FSM
	DeviceID string
	Open     *domain.Trip
}

// NewTripMachine builds a trip state machine starting in the idle state (no
// open trip), or in moving when ignitionOnAtStart is true. The pipeline
// passes true when the device row records an open trip and seeds Open with
// that trip's id, so a restart doesn't lose an in-progress trip.
func NewTripMachine(deviceID string, ignitionOnAtStart bool) *TripMachine {
	initial := tripStateIdle
	if ignitionOnAtStart {
		initial = tripStateMoving
	}

	m := &TripMachine{DeviceID: deviceID}
	m.FSM = fsm.NewFSM(
		initial,
		fsm.Events{
			{Name: tripEventIgnitionOn, Src: []string{tripStateIdle}, Dst: tripStateMoving},
			{Name: tripEventIgnitionOff, Src: []string{tripStateMoving}, Dst: tripStateIdle},
		},
		fsm.Callbacks{
			"enter_" + tripStateMoving: m.onEnterMoving,
			"enter_" + tripStateIdle:   m.onEnterIdle,
		},
	)
	return m
}

func (m *TripMachine) onEnterMoving(ctx context.Context, e *fsm.Event) {
	if e.Event != tripEventIgnitionOn {
		return // initial construction into "moving", not a real transition
	}
	pos := e.Args[0].(*domain.Position)
	m.Open = &domain.Trip{
		ID:        uuid.NewString(),
		DeviceID:  m.DeviceID,
		StartTime: pos.DeviceTime,
		StartLat:  pos.Latitude,
		StartLon:  pos.Longitude,
		Open:      true,
	}
}

func (m *TripMachine) onEnterIdle(ctx context.Context, e *fsm.Event) {
	if e.Event != tripEventIgnitionOff || m.Open == nil {
		return
	}
	pos := e.Args[0].(*domain.Position)
	m.Open.EndTime = pos.DeviceTime
	m.Open.EndLat = pos.Latitude
	m.Open.EndLon = pos.Longitude
	m.Open.Open = false
}

// OnIgnition feeds one ignition reading into the machine. It returns a
// non-nil *domain.Trip exactly once per trip: on ignition-off it returns the
// just-closed trip (ready to persist with its final distance/duration); on
// ignition-on it returns the newly-opened trip (ready to insert and track).
// A reading that doesn't change ignition state is a no-op.
func (m *TripMachine) OnIgnition(ctx context.Context, ignitionOn bool, pos *domain.Position) (*domain.Trip, error) {
	event := tripEventIgnitionOff
	if ignitionOn {
		event = tripEventIgnitionOn
	}
	err := m.FSM.Event(ctx, event, pos)
	switch {
	case err == nil:
		if ignitionOn {
			return m.Open, nil
		}
		closed := m.Open
		m.Open = nil
		return closed, nil
	case isNoTransition(err):
		return nil, nil
	default:
		return nil, fmt.Errorf("pipeline: trip fsm transition for device %s: %w", m.DeviceID, err)
	}
}

// isNoTransition reports whether err only means the reading left the trip
// state unchanged; fsm reports an event that is not allowed from the current
// state (ignition on while moving, off while idle) as InvalidEventError.
func isNoTransition(err error) bool {
	switch err.(type) {
	case fsm.NoTransitionError, fsm.InvalidEventError:
		return true
	}
	return false
}

// FinalizeDistance sets a closed trip's accumulated distance. Split out from
// onEnterIdle since the FSM callback doesn't have access to the odometer
// delta captured during the same Ingest call — the pipeline accrues the
// running total for earlier positions on the open Trip (TripMachine.Open)
// and adds the closing position's delta here.
func FinalizeDistance(trip *domain.Trip, distanceKm float64) {
	trip.DistanceKm = distanceKm
}
