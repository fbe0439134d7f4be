package alerts

import (
	"fmt"
	"time"

	"trackcore/internal/domain"
)

// fireResult is what a per-kind evaluator returns when a rule should fire.
// A nil return with no error means the condition either isn't met or is
// still within its debounce window.
type fireResult struct {
	Severity domain.Severity
	Message  string
	Metadata map[string]any
}

// evalSpeeding ports original_source/app/alerts/speeding.py: a rule fires
// once speed has stayed above the limit continuously for duration_seconds
// (default 30s), and stays silent until the vehicle drops back under limit.
func evalSpeeding(rule *domain.AlertRule, pos *domain.Position, d *domain.DebounceState) (*fireResult, error) {
	limit, ok := paramFloat(rule.Params, "speed_limit_kmh")
	if !ok {
		return nil, fmt.Errorf("alerts: speeding rule %s missing speed_limit_kmh", rule.ID)
	}
	durationThreshold, ok := paramFloat(rule.Params, "duration_seconds")
	if !ok {
		durationThreshold = 30
	}

	if pos.SpeedKmh <= limit {
		clearDebounce(d)
		return nil, nil
	}
	if d.ActiveAlertID != "" {
		return nil, nil // already alerted for this episode
	}
	if d.ConditionSince == nil {
		markConditionStart(d, pos.DeviceTime)
		return nil, nil
	}
	if pos.DeviceTime.Sub(*d.ConditionSince).Seconds() < durationThreshold {
		return nil, nil
	}

	markFired(d, pos.DeviceTime)
	return &fireResult{
		Severity: domain.SeverityWarning,
		Message:  fmt.Sprintf("Speeding: %.1f km/h (limit %.0f km/h).", pos.SpeedKmh, limit),
		Metadata: map[string]any{"speed_kmh": pos.SpeedKmh, "limit_kmh": limit},
	}, nil
}

// evalIdling ports app/alerts/idling.py: ignition on, near-zero speed,
// sustained past idle_minutes.
func evalIdling(rule *domain.AlertRule, pos *domain.Position, d *domain.DebounceState) (*fireResult, error) {
	limitMin, ok := paramFloat(rule.Params, "idle_minutes")
	if !ok {
		return nil, fmt.Errorf("alerts: idling rule %s missing idle_minutes", rule.ID)
	}
	ignitionOn := pos.Ignition != nil && *pos.Ignition

	if !ignitionOn || pos.SpeedKmh > 1.5 {
		clearDebounce(d)
		return nil, nil
	}
	if d.ConditionSince == nil {
		markConditionStart(d, pos.DeviceTime)
		return nil, nil
	}
	elapsedMin := pos.DeviceTime.Sub(*d.ConditionSince).Minutes()
	if elapsedMin < limitMin {
		return nil, nil
	}
	if d.ActiveAlertID != "" {
		return nil, nil
	}

	markFired(d, pos.DeviceTime)
	return &fireResult{
		Severity: domain.SeverityInfo,
		Message:  fmt.Sprintf("Idling: stationary with ignition on for %d min.", int(elapsedMin)),
		Metadata: map[string]any{"idle_minutes": int(elapsedMin)},
	}, nil
}

// evalTowing ports app/alerts/towing.py: while ignition is off, an anchor
// is dropped at the parked position; moving more than towing_meters from it
// fires once until ignition comes back on.
func evalTowing(rule *domain.AlertRule, pos *domain.Position, d *domain.DebounceState, distanceFromAnchorMeters func() (float64, bool)) (*fireResult, error) {
	threshold, ok := paramFloat(rule.Params, "towing_meters")
	if !ok {
		return nil, fmt.Errorf("alerts: towing rule %s missing towing_meters", rule.ID)
	}
	ignitionOn := pos.Ignition != nil && *pos.Ignition

	if ignitionOn {
		clearDebounce(d)
		return nil, nil
	}

	dist, hasAnchor := distanceFromAnchorMeters()
	if !hasAnchor {
		return nil, nil // anchor was just set by the caller
	}
	if dist <= threshold || d.ActiveAlertID != "" {
		return nil, nil
	}

	markFired(d, pos.DeviceTime)
	return &fireResult{
		Severity: domain.SeverityCritical,
		Message:  fmt.Sprintf("Towing: vehicle moved %dm while parked (limit %.0fm).", int(dist), threshold),
		Metadata: map[string]any{"distance_meters": int(dist), "limit_meters": threshold},
	}, nil
}

// evalMaintenance ports app/alerts/maintenance.py's oil-change/tire-rotation
// due-soon check against the device's running odometer.
func evalMaintenance(rule *domain.AlertRule, odometerKm float64, d *domain.DebounceState) (*fireResult, error) {
	intervalKm, ok := paramFloat(rule.Params, "interval_km")
	if !ok {
		return nil, fmt.Errorf("alerts: maintenance rule %s missing interval_km", rule.ID)
	}
	label := paramString(rule.Params, "label")
	if label == "" {
		label = "service"
	}

	remaining := intervalKm - remainderKm(odometerKm, intervalKm)
	if remaining <= 0 || remaining > 100 {
		clearDebounce(d)
		return nil, nil
	}
	if d.ActiveAlertID != "" {
		return nil, nil
	}

	markFired(d, time.Time{})
	return &fireResult{
		Severity: domain.SeverityInfo,
		Message:  fmt.Sprintf("Maintenance: %s due in %d km.", label, int(remaining)),
		Metadata: map[string]any{"label": label, "km_remaining": int(remaining)},
	}, nil
}

func remainderKm(odometerKm, intervalKm float64) float64 {
	if intervalKm <= 0 {
		return 0
	}
	r := odometerKm - float64(int64(odometerKm/intervalKm))*intervalKm
	return r
}

// evalLowBattery fires once a device's reported battery_voltage sensor
// value drops below the rule's threshold, an ambient device-health alert
// the distilled rule set didn't carry but the sensor table supports.
func evalLowBattery(rule *domain.AlertRule, pos *domain.Position, d *domain.DebounceState) (*fireResult, error) {
	threshold, ok := paramFloat(rule.Params, "min_voltage")
	if !ok {
		return nil, fmt.Errorf("alerts: low_battery rule %s missing min_voltage", rule.ID)
	}
	voltage, ok := paramFloat(pos.Sensors, "battery_voltage")
	if !ok {
		return nil, nil
	}

	if voltage >= threshold {
		clearDebounce(d)
		return nil, nil
	}
	if d.ActiveAlertID != "" {
		return nil, nil
	}

	markFired(d, pos.DeviceTime)
	return &fireResult{
		Severity: domain.SeverityWarning,
		Message:  fmt.Sprintf("Low battery: %.2fV (threshold %.2fV).", voltage, threshold),
		Metadata: map[string]any{"voltage": voltage, "threshold": threshold},
	}, nil
}

// evalHarshMotion fires when the speed delta between two consecutive
// positions, divided by elapsed seconds, exceeds the rule's threshold —
// braking for a negative delta, acceleration for a positive one.
func evalHarshMotion(rule *domain.AlertRule, braking bool, deltaKmhPerSec float64, pos *domain.Position) (*fireResult, error) {
	threshold, ok := paramFloat(rule.Params, "threshold_kmh_per_s")
	if !ok {
		return nil, fmt.Errorf("alerts: harsh-motion rule %s missing threshold_kmh_per_s", rule.ID)
	}
	if braking && deltaKmhPerSec > -threshold {
		return nil, nil
	}
	if !braking && deltaKmhPerSec < threshold {
		return nil, nil
	}

	verb := "acceleration"
	if braking {
		verb = "braking"
	}
	return &fireResult{
		Severity: domain.SeverityWarning,
		Message:  fmt.Sprintf("Harsh %s: %.1f km/h/s.", verb, deltaKmhPerSec),
		Metadata: map[string]any{"delta_kmh_per_s": deltaKmhPerSec},
	}, nil
}

func clearDebounce(d *domain.DebounceState) {
	d.ConditionSince = nil
	d.ActiveAlertID = ""
}

func markConditionStart(d *domain.DebounceState, at time.Time) {
	t := at
	d.ConditionSince = &t
}

func markFired(d *domain.DebounceState, at time.Time) {
	d.ActiveAlertID = "open"
	t := at
	d.LastFiredAt = &t
}
