// Package domain holds the core entities shared by every component of
// trackcore: devices, positions, trips, alert rules, geofences, users and
// commands. None of these types talk to storage or the wire directly — they
// are the common currency the gateway, pipeline, alert engine, dispatcher
// and hub pass between each other.
package domain

import "time"

// Protocol identifies the wire protocol a device speaks. A gateway listener
// is configured with exactly one Protocol and hands decoded frames to the
// codec registered under that name.
type Protocol string

const (
	ProtocolTeltonika Protocol = "teltonika"
	ProtocolGT06      Protocol = "gt06"
	ProtocolH02       Protocol = "h02"
	ProtocolOsmAnd    Protocol = "osmand"
	ProtocolTK103     Protocol = "tk103"
	ProtocolQueclink  Protocol = "queclink"
	ProtocolFlespi    Protocol = "flespi"
	ProtocolTotem     Protocol = "totem"
)

// Device is a tracker unit identified by its IMEI (or vendor-equivalent
// unique id) and owned by a user.
type Device struct {
	ID        string
	OwnerID   string
	Name      string
	IMEI      string
	Protocol  Protocol
	Active    bool
	CreatedAt time.Time

	// OdometerKm and OpenTripID are the durable home of the two counters
	// DeviceState also caches in Redis. Redis's copy is a short-TTL read
	// accelerator; this row is what survives a cache expiry or restart, so
	// the pipeline reconciles against it on every position rather than
	// trusting whatever Redis still has cached.
	OdometerKm float64
	OpenTripID string

	// Attributes carries vendor/device-specific configuration, e.g.
	// odometer offset or a speed-unit override. Free-form by design —
	// see SPEC_FULL §3.
	Attributes map[string]any
}

// DeviceState is the live, frequently-updated half of a device's record —
// kept in Redis rather than Postgres since it is overwritten on every fix
// and doesn't need history.
type DeviceState struct {
	DeviceID     string
	LastPosition *Position
	Online       bool
	LastSeenAt   time.Time
	IgnitionOn   bool
	OdometerKm   float64
	OpenTripID   string
}

// Position is one normalized GPS fix, independent of the protocol it
// arrived on. SpeedKmh, not knots, is the pipeline-wide unit — codecs
// convert at decode time.
type Position struct {
	ID         string
	DeviceID   string
	DeviceTime time.Time
	ServerTime time.Time

	Latitude  float64
	Longitude float64
	Altitude  float64
	SpeedKmh  float64
	Course    float64

	Satellites int
	HDOP       float64
	Ignition   *bool

	Valid bool

	// Sensors carries protocol-specific IO values keyed by the codec's
	// stable name table (fuel_level, engine_temp_c, battery_voltage, ...).
	Sensors map[string]any
}

// Trip is a contiguous span of motion bounded by ignition on/off
// transitions, accumulating distance as positions are appended to it.
// Speed and gaps between positions do not open or close a trip.
type Trip struct {
	ID         string
	DeviceID   string
	StartTime  time.Time
	EndTime    time.Time
	StartLat   float64
	StartLon   float64
	EndLat     float64
	EndLon     float64
	DistanceKm float64
	Open       bool
}

// User owns zero or more devices and receives alerts for them.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}
