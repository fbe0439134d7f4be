package domain

import "time"

// AlertKind is the closed set of rule kinds the alert engine evaluates.
type AlertKind string

const (
	AlertSpeeding          AlertKind = "speeding"
	AlertIdling            AlertKind = "idling"
	AlertGeofenceEnter     AlertKind = "geofence_enter"
	AlertGeofenceExit      AlertKind = "geofence_exit"
	AlertOffline           AlertKind = "offline"
	AlertTowing            AlertKind = "towing"
	AlertMaintenance       AlertKind = "maintenance"
	AlertLowBattery        AlertKind = "low_battery"
	AlertHarshBraking      AlertKind = "harsh_braking"
	AlertHarshAcceleration AlertKind = "harsh_acceleration"
	AlertCustom            AlertKind = "custom"
)

// Severity grades an alert's urgency.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Schedule restricts an alert rule to a window of the week. An empty Days
// means "every day".
type Schedule struct {
	Days      []time.Weekday
	HourStart int
	HourEnd   int
}

// Active reports whether t falls inside the schedule window.
func (s Schedule) Active(t time.Time) bool {
	if len(s.Days) > 0 {
		found := false
		for _, d := range s.Days {
			if d == t.Weekday() {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	h := t.Hour()
	if s.HourStart <= s.HourEnd {
		return h >= s.HourStart && h <= s.HourEnd
	}
	// wrap-around window, e.g. 22-6
	return h >= s.HourStart || h <= s.HourEnd
}

// AlertRule configures one evaluator instance for one device. The store
// loads rules by DeviceID, so a rule with an empty DeviceID is not evaluated
// for any device.
type AlertRule struct {
	ID       string
	OwnerID  string
	DeviceID string
	Kind     AlertKind
	Name     string

	// Params carries kind-specific thresholds (speed_limit_kmh,
	// idle_minutes, towing_meters, geofence_id, expression, ...).
	Params map[string]any

	Channels []string
	Schedule *Schedule
	Enabled  bool
}

// AlertInstance is one firing of a rule against a device, from first
// detection through clear.
type AlertInstance struct {
	ID         string
	RuleID     string
	DeviceID   string
	Kind       AlertKind
	Severity   Severity
	Message    string
	Latitude   float64
	Longitude  float64
	Metadata   map[string]any
	FiredAt    time.Time
	ClearedAt  *time.Time
	Read       bool
	Acknowledged bool
}

// DebounceState is the per-(device,rule) record the alert engine reads and
// mutates on every evaluation — it is what makes a rule "episodic" instead
// of firing once per position.
type DebounceState struct {
	RuleID        string
	DeviceID      string
	ConditionSince *time.Time // when the triggering condition first became true, for duration-gated rules
	ActiveAlertID string      // non-empty while an episode is open
	LastFiredAt   *time.Time
}
