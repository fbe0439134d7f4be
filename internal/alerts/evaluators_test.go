package alerts

import (
	"testing"
	"time"

	"trackcore/internal/domain"
)

func TestEvalSpeedingRequiresSustainedDuration(t *testing.T) {
	rule := &domain.AlertRule{ID: "r1", Params: map[string]any{"speed_limit_kmh": 80.0, "duration_seconds": 30.0}}
	d := &domain.DebounceState{}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	pos := &domain.Position{DeviceTime: base, SpeedKmh: 95}
	res, err := evalSpeeding(rule, pos, d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != nil {
		t.Fatalf("expected no fire on the first over-limit tick")
	}
	if d.ConditionSince == nil {
		t.Fatalf("expected ConditionSince to be set after first over-limit tick")
	}

	pos2 := &domain.Position{DeviceTime: base.Add(10 * time.Second), SpeedKmh: 95}
	res, err = evalSpeeding(rule, pos2, d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != nil {
		t.Fatalf("expected no fire before duration_seconds elapses")
	}

	pos3 := &domain.Position{DeviceTime: base.Add(31 * time.Second), SpeedKmh: 95}
	res, err = evalSpeeding(rule, pos3, d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res == nil {
		t.Fatalf("expected a fire once sustained past duration_seconds")
	}
	if d.ActiveAlertID == "" {
		t.Fatalf("expected debounce to mark the episode open after firing")
	}

	pos4 := &domain.Position{DeviceTime: base.Add(35 * time.Second), SpeedKmh: 95}
	res, err = evalSpeeding(rule, pos4, d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != nil {
		t.Fatalf("expected no re-fire while the episode is still open")
	}

	pos5 := &domain.Position{DeviceTime: base.Add(40 * time.Second), SpeedKmh: 40}
	res, err = evalSpeeding(rule, pos5, d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != nil {
		t.Fatalf("expected no fire when speed drops under the limit")
	}
	if d.ActiveAlertID != "" || d.ConditionSince != nil {
		t.Fatalf("expected debounce to clear once speed drops under the limit")
	}
}

func TestEvalIdlingResetsOnIgnitionOff(t *testing.T) {
	rule := &domain.AlertRule{ID: "r2", Params: map[string]any{"idle_minutes": 5.0}}
	d := &domain.DebounceState{}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	on := true
	pos := &domain.Position{DeviceTime: base, SpeedKmh: 0, Ignition: &on}
	if _, err := evalIdling(rule, pos, d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.ConditionSince == nil {
		t.Fatalf("expected idling condition to start")
	}

	off := false
	pos2 := &domain.Position{DeviceTime: base.Add(time.Minute), SpeedKmh: 0, Ignition: &off}
	if _, err := evalIdling(rule, pos2, d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.ConditionSince != nil {
		t.Fatalf("expected ignition off to clear the idling debounce")
	}
}

func TestEvalTowingFiresOnlyPastThresholdAndResetsOnIgnition(t *testing.T) {
	rule := &domain.AlertRule{ID: "r3", Params: map[string]any{"towing_meters": 50.0}}
	d := &domain.DebounceState{}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	off := false

	near := func() (float64, bool) { return 10, true }
	pos := &domain.Position{DeviceTime: base, Ignition: &off}
	res, err := evalTowing(rule, pos, d, near)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != nil {
		t.Fatalf("expected no fire while within threshold distance")
	}

	far := func() (float64, bool) { return 200, true }
	res, err = evalTowing(rule, pos, d, far)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res == nil {
		t.Fatalf("expected a fire once past the towing threshold")
	}

	on := true
	posOn := &domain.Position{DeviceTime: base.Add(time.Minute), Ignition: &on}
	res, err = evalTowing(rule, posOn, d, far)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != nil {
		t.Fatalf("expected no fire once ignition is back on")
	}
	if d.ActiveAlertID != "" {
		t.Fatalf("expected ignition-on to clear the towing debounce")
	}
}

func TestEvalMaintenanceFiresInWindowOnly(t *testing.T) {
	rule := &domain.AlertRule{ID: "r4", Params: map[string]any{"interval_km": 5000.0, "label": "oil change"}}
	d := &domain.DebounceState{}

	res, err := evalMaintenance(rule, 4950, d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res == nil {
		t.Fatalf("expected a fire when within 100km of the maintenance interval")
	}

	d2 := &domain.DebounceState{}
	res, err = evalMaintenance(rule, 4000, d2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != nil {
		t.Fatalf("expected no fire when far from the maintenance interval")
	}
}

func TestEvalLowBatteryIgnoresMissingSensor(t *testing.T) {
	rule := &domain.AlertRule{ID: "r5", Params: map[string]any{"min_voltage": 11.5}}
	d := &domain.DebounceState{}
	pos := &domain.Position{Sensors: map[string]any{}}

	res, err := evalLowBattery(rule, pos, d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != nil {
		t.Fatalf("expected no fire when the device never reports battery_voltage")
	}
}

func TestEvalHarshMotionDirectionality(t *testing.T) {
	rule := &domain.AlertRule{ID: "r6", Params: map[string]any{"threshold_kmh_per_s": 8.0}}
	pos := &domain.Position{}

	res, err := evalHarshMotion(rule, true, -12, pos)
	if err != nil || res == nil {
		t.Fatalf("expected a fire for a hard braking delta past threshold, got %v err %v", res, err)
	}

	res, err = evalHarshMotion(rule, false, 12, pos)
	if err != nil || res == nil {
		t.Fatalf("expected a fire for a hard acceleration delta past threshold, got %v err %v", res, err)
	}

	res, err = evalHarshMotion(rule, true, 12, pos)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != nil {
		t.Fatalf("expected no fire when braking=true but delta is positive (accelerating)")
	}
}
