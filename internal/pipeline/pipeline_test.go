package pipeline

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"trackcore/internal/domain"
)

type stubStore struct {
	devices     map[string]*domain.Device
	devicesByID map[string]*domain.Device
	states      map[string]*domain.DeviceState
	seen        map[string]bool

	positions  []*domain.Position
	openTrips  []*domain.Trip
	closeTrips []*domain.Trip
}

func newStubStore(device *domain.Device) *stubStore {
	return &stubStore{
		devices:     map[string]*domain.Device{device.IMEI: device},
		devicesByID: map[string]*domain.Device{device.ID: device},
		states:      make(map[string]*domain.DeviceState),
		seen:        make(map[string]bool),
	}
}

func (s *stubStore) GetDeviceByIMEI(ctx context.Context, imei string) (*domain.Device, error) {
	return s.devices[imei], nil
}

func (s *stubStore) UpdateDeviceState(ctx context.Context, deviceID string, odometerKm float64, openTripID string) error {
	if d, ok := s.devicesByID[deviceID]; ok {
		d.OdometerKm = odometerKm
		d.OpenTripID = openTripID
	}
	return nil
}

func (s *stubStore) GetOrCreateState(ctx context.Context, deviceID string) (*domain.DeviceState, error) {
	st, ok := s.states[deviceID]
	if !ok {
		st = &domain.DeviceState{DeviceID: deviceID}
		s.states[deviceID] = st
	}
	return st, nil
}

func (s *stubStore) SaveState(ctx context.Context, state *domain.DeviceState) error {
	s.states[state.DeviceID] = state
	return nil
}

func (s *stubStore) InsertPosition(ctx context.Context, pos *domain.Position) error {
	s.positions = append(s.positions, pos)
	return nil
}

func (s *stubStore) SeenPosition(ctx context.Context, deviceID string, deviceTime time.Time) (bool, error) {
	key := deviceID + "/" + deviceTime.String()
	if s.seen[key] {
		return true, nil
	}
	s.seen[key] = true
	return false, nil
}

func (s *stubStore) OpenTrip(ctx context.Context, trip *domain.Trip) error {
	s.openTrips = append(s.openTrips, trip)
	return nil
}

func (s *stubStore) CloseTrip(ctx context.Context, trip *domain.Trip) error {
	s.closeTrips = append(s.closeTrips, trip)
	return nil
}

type stubAlertSink struct {
	calls int
}

func (a *stubAlertSink) Evaluate(ctx context.Context, pos *domain.Position, state *domain.DeviceState) {
	a.calls++
}

func newTestPipeline(store Store, sink AlertSink) *Pipeline {
	broadcast := NewBroadcastDispatcher(4, 4)
	return New(store, sink, broadcast, zap.NewNop())
}

func boolPtr(b bool) *bool { return &b }

func TestIngestUnknownDeviceIsIgnoredNotErrored(t *testing.T) {
	store := newStubStore(&domain.Device{ID: "d1", IMEI: "known-imei"})
	sink := &stubAlertSink{}
	p := newTestPipeline(store, sink)

	pos := &domain.Position{DeviceID: "unknown-imei", DeviceTime: time.Now().UTC()}
	if err := p.Ingest(context.Background(), pos); err != nil {
		t.Fatalf("expected no error for an unknown device, got %v", err)
	}
	if len(store.positions) != 0 {
		t.Errorf("expected no position to be persisted for an unknown device")
	}
	if sink.calls != 0 {
		t.Errorf("expected the alert engine not to run for an unknown device")
	}
}

func TestIngestRejectsClockOutOfBounds(t *testing.T) {
	store := newStubStore(&domain.Device{ID: "d1", IMEI: "imei1"})
	p := newTestPipeline(store, &stubAlertSink{})

	future := &domain.Position{DeviceID: "imei1", DeviceTime: time.Now().UTC().Add(48 * time.Hour)}
	if err := p.Ingest(context.Background(), future); err != nil {
		t.Fatalf("expected no error, just a silent drop: %v", err)
	}
	if len(store.positions) != 0 {
		t.Errorf("expected a future-dated position to be rejected")
	}
}

func TestIngestDeduplicatesRepeatedTimestamp(t *testing.T) {
	store := newStubStore(&domain.Device{ID: "d1", IMEI: "imei1"})
	p := newTestPipeline(store, &stubAlertSink{})

	at := time.Now().UTC()
	pos := &domain.Position{DeviceID: "imei1", DeviceTime: at, Latitude: 1, Longitude: 1}
	if err := p.Ingest(context.Background(), pos); err != nil {
		t.Fatalf("first ingest failed: %v", err)
	}
	pos2 := &domain.Position{DeviceID: "imei1", DeviceTime: at, Latitude: 1, Longitude: 1}
	if err := p.Ingest(context.Background(), pos2); err != nil {
		t.Fatalf("second ingest failed: %v", err)
	}
	if len(store.positions) != 1 {
		t.Errorf("expected exactly one position to survive dedup, got %d", len(store.positions))
	}
}

func TestIngestAccumulatesOdometerAcrossPositions(t *testing.T) {
	store := newStubStore(&domain.Device{ID: "d1", IMEI: "imei1"})
	p := newTestPipeline(store, &stubAlertSink{})

	base := time.Now().UTC()
	first := &domain.Position{DeviceID: "imei1", DeviceTime: base, Latitude: 0, Longitude: 0}
	if err := p.Ingest(context.Background(), first); err != nil {
		t.Fatalf("first ingest failed: %v", err)
	}
	second := &domain.Position{DeviceID: "imei1", DeviceTime: base.Add(time.Minute), Latitude: 0.01, Longitude: 0}
	if err := p.Ingest(context.Background(), second); err != nil {
		t.Fatalf("second ingest failed: %v", err)
	}

	st := store.states["d1"]
	if st.OdometerKm <= 0 {
		t.Errorf("expected the odometer to accumulate distance, got %v", st.OdometerKm)
	}
}

func TestIngestOpensAndClosesTripOnIgnitionEdges(t *testing.T) {
	store := newStubStore(&domain.Device{ID: "d1", IMEI: "imei1"})
	p := newTestPipeline(store, &stubAlertSink{})

	base := time.Now().UTC()
	on := &domain.Position{DeviceID: "imei1", DeviceTime: base, Latitude: 0, Longitude: 0, Ignition: boolPtr(true)}
	if err := p.Ingest(context.Background(), on); err != nil {
		t.Fatalf("ignition-on ingest failed: %v", err)
	}
	if len(store.openTrips) != 1 {
		t.Fatalf("expected a trip to open on ignition-on, got %d open", len(store.openTrips))
	}
	if store.states["d1"].OpenTripID == "" {
		t.Errorf("expected the device state to track the open trip id")
	}

	moving := &domain.Position{DeviceID: "imei1", DeviceTime: base.Add(time.Minute), Latitude: 0.01, Longitude: 0, Ignition: boolPtr(true)}
	if err := p.Ingest(context.Background(), moving); err != nil {
		t.Fatalf("mid-trip ingest failed: %v", err)
	}
	if len(store.closeTrips) != 0 {
		t.Errorf("expected the trip to remain open while ignition stays on")
	}

	off := &domain.Position{DeviceID: "imei1", DeviceTime: base.Add(2 * time.Minute), Latitude: 0.02, Longitude: 0, Ignition: boolPtr(false)}
	if err := p.Ingest(context.Background(), off); err != nil {
		t.Fatalf("ignition-off ingest failed: %v", err)
	}
	if len(store.closeTrips) != 1 {
		t.Fatalf("expected the trip to close on ignition-off, got %d closed", len(store.closeTrips))
	}
	closed := store.closeTrips[0]
	if closed.DistanceKm <= 0 {
		t.Errorf("expected the closed trip to accumulate distance from both legs, got %v", closed.DistanceKm)
	}
	if store.states["d1"].OpenTripID != "" {
		t.Errorf("expected the open trip id to clear once the trip closes")
	}
}
