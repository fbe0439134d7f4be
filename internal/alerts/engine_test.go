package alerts

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"trackcore/internal/domain"
)

type fakeStore struct {
	rules      []*domain.AlertRule
	debounce   map[string]*domain.DebounceState
	geofences  map[string]*domain.Geofence
	inserted   []*domain.AlertInstance
	published  []*domain.AlertInstance
}

func newFakeStore(rules ...*domain.AlertRule) *fakeStore {
	return &fakeStore{
		rules:     rules,
		debounce:  make(map[string]*domain.DebounceState),
		geofences: make(map[string]*domain.Geofence),
	}
}

func (f *fakeStore) ListAlertRules(ctx context.Context, deviceID string) ([]*domain.AlertRule, error) {
	return f.rules, nil
}

func (f *fakeStore) GetDebounce(ctx context.Context, deviceID, ruleID string) (*domain.DebounceState, error) {
	key := deviceID + "/" + ruleID
	d, ok := f.debounce[key]
	if !ok {
		d = &domain.DebounceState{DeviceID: deviceID, RuleID: ruleID}
		f.debounce[key] = d
	}
	return d, nil
}

func (f *fakeStore) SaveDebounce(ctx context.Context, d *domain.DebounceState) error {
	f.debounce[d.DeviceID+"/"+d.RuleID] = d
	return nil
}

func (f *fakeStore) InsertAlert(ctx context.Context, a *domain.AlertInstance) error {
	f.inserted = append(f.inserted, a)
	return nil
}

func (f *fakeStore) PublishAlert(ctx context.Context, deviceID string, a *domain.AlertInstance) error {
	f.published = append(f.published, a)
	return nil
}

func (f *fakeStore) GetGeofence(ctx context.Context, geofenceID string) (*domain.Geofence, error) {
	return f.geofences[geofenceID], nil
}

type fakeNotifier struct {
	calls int
}

func (n *fakeNotifier) Notify(ctx context.Context, rule *domain.AlertRule, instance *domain.AlertInstance) {
	n.calls++
}

func TestEngineEvaluateFiresSpeedingOnce(t *testing.T) {
	rule := &domain.AlertRule{
		ID: "speed-rule", DeviceID: "dev1", Kind: domain.AlertSpeeding, Enabled: true,
		Params: map[string]any{"speed_limit_kmh": 80.0, "duration_seconds": 0.0},
	}
	store := newFakeStore(rule)
	notifier := &fakeNotifier{}
	engine := New(store, notifier, zap.NewNop())

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	state := &domain.DeviceState{DeviceID: "dev1"}

	// first over-limit position only opens the condition window, it never fires immediately
	first := &domain.Position{DeviceID: "dev1", DeviceTime: base, SpeedKmh: 100}
	engine.Evaluate(context.Background(), first, state)
	if len(store.inserted) != 0 {
		t.Fatalf("expected no fire on the tick that opens the condition window, got %d", len(store.inserted))
	}

	// with duration_seconds 0, the very next tick satisfies the sustained-duration check
	second := &domain.Position{DeviceID: "dev1", DeviceTime: base.Add(time.Second), SpeedKmh: 100}
	engine.Evaluate(context.Background(), second, state)
	if len(store.inserted) != 1 {
		t.Fatalf("expected exactly one alert instance inserted, got %d", len(store.inserted))
	}
	if notifier.calls != 1 {
		t.Fatalf("expected the notifier to be called exactly once, got %d", notifier.calls)
	}

	// a third consecutive over-limit position must not re-fire the same episode
	third := &domain.Position{DeviceID: "dev1", DeviceTime: base.Add(2 * time.Second), SpeedKmh: 100}
	engine.Evaluate(context.Background(), third, state)
	if len(store.inserted) != 1 {
		t.Fatalf("expected no re-fire while the speeding episode is still open, got %d total", len(store.inserted))
	}
}

func TestEngineEvaluateGeofenceEnterRuleIgnoresExitTransition(t *testing.T) {
	rule := &domain.AlertRule{
		ID: "geo-enter-rule", DeviceID: "dev1", Kind: domain.AlertGeofenceEnter, Enabled: true,
		Params: map[string]any{"geofence_id": "zone1"},
	}
	store := newFakeStore(rule)
	store.geofences["zone1"] = &domain.Geofence{
		ID: "zone1", Name: "Depot", Shape: domain.ShapePolygon,
		Points: []domain.LatLon{{Lat: 0, Lon: 0}, {Lat: 0, Lon: 0.01}, {Lat: 0.01, Lon: 0.01}, {Lat: 0.01, Lon: 0}},
	}
	notifier := &fakeNotifier{}
	engine := New(store, notifier, zap.NewNop())

	inside := &domain.Position{DeviceID: "dev1", DeviceTime: time.Now(), Latitude: 0.005, Longitude: 0.005}
	engine.Evaluate(context.Background(), inside, &domain.DeviceState{})
	if len(store.inserted) != 1 {
		t.Fatalf("expected an enter event on first containment, got %d", len(store.inserted))
	}

	// staying inside must not fire again
	engine.Evaluate(context.Background(), inside, &domain.DeviceState{})
	if len(store.inserted) != 1 {
		t.Fatalf("expected no re-fire while remaining inside the zone, got %d total", len(store.inserted))
	}

	// an enter rule must never fire on the matching exit transition
	outside := &domain.Position{DeviceID: "dev1", DeviceTime: time.Now(), Latitude: 5, Longitude: 5}
	engine.Evaluate(context.Background(), outside, &domain.DeviceState{})
	if len(store.inserted) != 1 {
		t.Fatalf("expected an enter rule not to fire on exit, got %d total", len(store.inserted))
	}
}

func TestEngineEvaluateGeofenceExitRuleIgnoresEnterTransition(t *testing.T) {
	rule := &domain.AlertRule{
		ID: "geo-exit-rule", DeviceID: "dev1", Kind: domain.AlertGeofenceExit, Enabled: true,
		Params: map[string]any{"geofence_id": "zone1"},
	}
	store := newFakeStore(rule)
	store.geofences["zone1"] = &domain.Geofence{
		ID: "zone1", Name: "Depot", Shape: domain.ShapePolygon,
		Points: []domain.LatLon{{Lat: 0, Lon: 0}, {Lat: 0, Lon: 0.01}, {Lat: 0.01, Lon: 0.01}, {Lat: 0.01, Lon: 0}},
	}
	notifier := &fakeNotifier{}
	engine := New(store, notifier, zap.NewNop())

	// an exit rule must never fire on the initial enter transition
	inside := &domain.Position{DeviceID: "dev1", DeviceTime: time.Now(), Latitude: 0.005, Longitude: 0.005}
	engine.Evaluate(context.Background(), inside, &domain.DeviceState{})
	if len(store.inserted) != 0 {
		t.Fatalf("expected an exit rule not to fire on enter, got %d total", len(store.inserted))
	}

	outside := &domain.Position{DeviceID: "dev1", DeviceTime: time.Now(), Latitude: 5, Longitude: 5}
	engine.Evaluate(context.Background(), outside, &domain.DeviceState{})
	if len(store.inserted) != 1 {
		t.Fatalf("expected exactly one exit event once containment flips, got %d total", len(store.inserted))
	}

	// staying outside must not fire again
	engine.Evaluate(context.Background(), outside, &domain.DeviceState{})
	if len(store.inserted) != 1 {
		t.Fatalf("expected no re-fire while remaining outside the zone, got %d total", len(store.inserted))
	}
}

func TestEngineTowingAnchorsLazilyOnFirstIgnitionOff(t *testing.T) {
	rule := &domain.AlertRule{
		ID: "tow-rule", DeviceID: "dev1", Kind: domain.AlertTowing, Enabled: true,
		Params: map[string]any{"towing_meters": 50.0},
	}
	store := newFakeStore(rule)
	engine := New(store, &fakeNotifier{}, zap.NewNop())

	off := false
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	first := &domain.Position{DeviceID: "dev1", DeviceTime: base, Latitude: 10, Longitude: 10, Ignition: &off}
	engine.Evaluate(context.Background(), first, &domain.DeviceState{})
	if len(store.inserted) != 0 {
		t.Fatalf("expected no fire on the anchoring tick itself")
	}

	moved := &domain.Position{DeviceID: "dev1", DeviceTime: base.Add(time.Minute), Latitude: 10.01, Longitude: 10.01, Ignition: &off}
	engine.Evaluate(context.Background(), moved, &domain.DeviceState{})
	if len(store.inserted) != 1 {
		t.Fatalf("expected a towing fire once moved past the threshold from the anchor, got %d", len(store.inserted))
	}
}
