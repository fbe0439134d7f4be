// Command trackcore-schema provisions trackcore's Postgres schema, adapted
// from the teacher's scripts/init_db step-by-step layout and generalized
// from one telemetry hypertable to the full device/position/trip/alert/
// geofence/command entity set.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using system environment variables")
	}

	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s",
		getEnv("TRACKCORE_POSTGRES_USER", "trackcore"),
		getEnv("TRACKCORE_POSTGRES_PASSWORD", "trackcore"),
		getEnv("TRACKCORE_POSTGRES_HOST", "localhost"),
		getEnv("TRACKCORE_POSTGRES_PORT", "5432"),
		getEnv("TRACKCORE_POSTGRES_DBNAME", "trackcore"),
	)

	ctx := context.Background()

	fmt.Println("Connecting to Postgres...")
	conn, err := pgx.Connect(ctx, connStr)
	if err != nil {
		log.Fatalf("connection failed: %v\n\nmake sure postgres is running:\n  docker-compose up -d postgres", err)
	}
	defer conn.Close(ctx)
	fmt.Println("connected")

	stepExtensions(ctx, conn)
	stepUsersDevices(ctx, conn)
	stepPositionsTrips(ctx, conn)
	stepAlerts(ctx, conn)
	stepGeofences(ctx, conn)
	stepCommands(ctx, conn)
	stepIndexes(ctx, conn)
	stepVerify(ctx, conn)

	fmt.Println("\nschema initialised")
}

func stepExtensions(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n-- extensions --")
	execOrFatal(ctx, conn, "CREATE EXTENSION IF NOT EXISTS timescaledb CASCADE;", "timescaledb extension")
	execOrFatal(ctx, conn, "CREATE EXTENSION IF NOT EXISTS postgis;", "postgis extension")
}

func stepUsersDevices(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n-- users, devices --")
	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			email         TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`, "users table")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS devices (
			id           TEXT PRIMARY KEY,
			owner_id     TEXT NOT NULL REFERENCES users(id),
			name         TEXT NOT NULL,
			imei         TEXT NOT NULL UNIQUE,
			protocol     TEXT NOT NULL,
			active       BOOLEAN NOT NULL DEFAULT true,
			odometer_km  DOUBLE PRECISION NOT NULL DEFAULT 0,
			open_trip_id TEXT NOT NULL DEFAULT '',
			attributes   JSONB NOT NULL DEFAULT '{}',
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`, "devices table")
}

func stepPositionsTrips(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n-- positions, trips --")
	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS positions (
			id          TEXT PRIMARY KEY,
			device_id   TEXT NOT NULL REFERENCES devices(id),
			device_time TIMESTAMPTZ NOT NULL,
			server_time TIMESTAMPTZ NOT NULL,
			latitude    DOUBLE PRECISION NOT NULL,
			longitude   DOUBLE PRECISION NOT NULL,
			altitude    DOUBLE PRECISION NOT NULL DEFAULT 0,
			speed_kmh   DOUBLE PRECISION NOT NULL DEFAULT 0,
			course      DOUBLE PRECISION NOT NULL DEFAULT 0,
			satellites  INTEGER NOT NULL DEFAULT 0,
			hdop        DOUBLE PRECISION NOT NULL DEFAULT 0,
			ignition    BOOLEAN,
			valid       BOOLEAN NOT NULL DEFAULT true,
			sensors     JSONB NOT NULL DEFAULT '{}',
			location    GEOGRAPHY(POINT, 4326) GENERATED ALWAYS AS (
				ST_SetSRID(ST_MakePoint(longitude, latitude), 4326)::geography
			) STORED
		);
	`, "positions table")

	execOrFatal(ctx, conn,
		"SELECT create_hypertable('positions', 'device_time', if_not_exists => TRUE);",
		"positions converted to hypertable")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS trips (
			id          TEXT PRIMARY KEY,
			device_id   TEXT NOT NULL REFERENCES devices(id),
			start_time  TIMESTAMPTZ NOT NULL,
			end_time    TIMESTAMPTZ,
			start_lat   DOUBLE PRECISION NOT NULL,
			start_lon   DOUBLE PRECISION NOT NULL,
			end_lat     DOUBLE PRECISION,
			end_lon     DOUBLE PRECISION,
			distance_km DOUBLE PRECISION NOT NULL DEFAULT 0,
			open        BOOLEAN NOT NULL DEFAULT true
		);
	`, "trips table")
}

func stepAlerts(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n-- alert rules, alert instances --")
	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS alert_rules (
			id        TEXT PRIMARY KEY,
			owner_id  TEXT NOT NULL REFERENCES users(id),
			device_id TEXT REFERENCES devices(id),
			kind      TEXT NOT NULL,
			name      TEXT NOT NULL,
			params    JSONB NOT NULL DEFAULT '{}',
			channels  TEXT[] NOT NULL DEFAULT '{}',
			schedule  JSONB,
			enabled   BOOLEAN NOT NULL DEFAULT true,
			CONSTRAINT chk_alert_kind CHECK (kind IN (
				'speeding', 'idling', 'geofence_enter', 'geofence_exit', 'offline',
				'towing', 'maintenance', 'low_battery', 'harsh_braking',
				'harsh_acceleration', 'custom'
			))
		);
	`, "alert_rules table")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS alert_instances (
			id            TEXT PRIMARY KEY,
			rule_id       TEXT NOT NULL REFERENCES alert_rules(id),
			device_id     TEXT NOT NULL REFERENCES devices(id),
			kind          TEXT NOT NULL,
			severity      TEXT NOT NULL,
			message       TEXT NOT NULL,
			latitude      DOUBLE PRECISION NOT NULL,
			longitude     DOUBLE PRECISION NOT NULL,
			metadata      JSONB NOT NULL DEFAULT '{}',
			fired_at      TIMESTAMPTZ NOT NULL,
			cleared_at    TIMESTAMPTZ,
			read          BOOLEAN NOT NULL DEFAULT false,
			acknowledged  BOOLEAN NOT NULL DEFAULT false,
			CONSTRAINT chk_severity CHECK (severity IN ('info', 'warning', 'critical'))
		);
	`, "alert_instances table")
}

func stepGeofences(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n-- geofences --")
	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS geofences (
			id              TEXT PRIMARY KEY,
			owner_id        TEXT NOT NULL REFERENCES users(id),
			name            TEXT NOT NULL,
			shape           TEXT NOT NULL CHECK (shape IN ('polygon', 'polyline')),
			points          JSONB NOT NULL,
			corridor_meters DOUBLE PRECISION NOT NULL DEFAULT 0
		);
	`, "geofences table")
}

func stepCommands(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n-- commands --")
	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS commands (
			id          TEXT PRIMARY KEY,
			device_id   TEXT NOT NULL REFERENCES devices(id),
			type        TEXT NOT NULL,
			payload     TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL DEFAULT 'pending',
			max_retries INTEGER NOT NULL DEFAULT 3,
			retry_count INTEGER NOT NULL DEFAULT 0,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			sent_at     TIMESTAMPTZ,
			acked_at    TIMESTAMPTZ,
			response    TEXT NOT NULL DEFAULT '',
			CONSTRAINT chk_command_status CHECK (status IN ('pending', 'sent', 'acknowledged', 'failed'))
		);
	`, "commands table")
}

func stepIndexes(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n-- indexes --")
	indexes := []struct{ name, sql, why string }{
		{
			"idx_positions_device_time",
			`CREATE INDEX IF NOT EXISTS idx_positions_device_time ON positions (device_id, device_time DESC);`,
			"query: position history for one device",
		},
		{
			"idx_positions_location",
			`CREATE INDEX IF NOT EXISTS idx_positions_location ON positions USING GIST (location);`,
			"query: devices near a point",
		},
		{
			"idx_trips_device_open",
			`CREATE INDEX IF NOT EXISTS idx_trips_device_open ON trips (device_id) WHERE open;`,
			"query: this device's currently open trip",
		},
		{
			"idx_alert_rules_device",
			`CREATE INDEX IF NOT EXISTS idx_alert_rules_device ON alert_rules (device_id) WHERE enabled;`,
			"query: enabled rules for one device, hot path in every evaluation",
		},
		{
			"idx_alert_instances_device_time",
			`CREATE INDEX IF NOT EXISTS idx_alert_instances_device_time ON alert_instances (device_id, fired_at DESC);`,
			"query: recent alerts for one device",
		},
		{
			"idx_commands_pending",
			`CREATE INDEX IF NOT EXISTS idx_commands_pending ON commands (created_at) WHERE status = 'pending';`,
			"query: dispatcher's poll for pending commands",
		},
	}
	for _, idx := range indexes {
		execOrFatal(ctx, conn, idx.sql, fmt.Sprintf("%-32s <- %s", idx.name, idx.why))
	}
}

func stepVerify(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n-- verification --")
	tables := []string{"users", "devices", "positions", "trips", "alert_rules", "alert_instances", "geofences", "commands"}
	for _, table := range tables {
		var exists bool
		err := conn.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)
		`, table).Scan(&exists)
		if err != nil || !exists {
			log.Fatalf("table %s was not created: %v", table, err)
		}
		fmt.Printf("  table: %s\n", table)
	}

	var hypertableName string
	err := conn.QueryRow(ctx, `
		SELECT hypertable_name FROM timescaledb_information.hypertables WHERE hypertable_name = 'positions'
	`).Scan(&hypertableName)
	if err != nil {
		log.Fatalf("positions is not a hypertable: %v", err)
	}
	fmt.Printf("  hypertable: %s\n", hypertableName)
}

func execOrFatal(ctx context.Context, conn *pgx.Conn, sql, label string) {
	if _, err := conn.Exec(ctx, sql); err != nil {
		log.Fatalf("FAILED - %s\nerror: %v\nsql: %s", label, err, sql)
	}
	fmt.Printf("  %s\n", label)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
