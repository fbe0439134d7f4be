package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"trackcore/internal/domain"
	"trackcore/internal/metrics"
)

// Postgres is the durable store for devices, positions, trips, alert rules,
// alert instances, geofences, users and commands. Position writes are
// batched through a bounded channel and flushed via CopyFrom — adapted from
// the teacher's TimescaleStore.BatchInsert/DBWriter pair, generalized from
// one fixed telemetry table to the new position/trip/alert entity set.
type Postgres struct {
	pool *pgxpool.Pool
	log  *zap.Logger

	positionBatch chan *domain.Position
	batchSize     int
	flushInterval time.Duration
}

// PostgresConfig names the connection and batching parameters.
type PostgresConfig struct {
	Host, Port, User, Password, DBName string
	MaxConns                           int32
	BatchSize                          int
	FlushInterval                      time.Duration
	ChannelSize                        int
}

func NewPostgres(ctx context.Context, cfg PostgresConfig, log *zap.Logger) (*Postgres, error) {
	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?pool_max_conns=%d",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName, cfg.MaxConns,
	)
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("store: create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 100 * time.Millisecond
	}
	channelSize := cfg.ChannelSize
	if channelSize <= 0 {
		channelSize = 10000
	}

	return &Postgres{
		pool:          pool,
		log:           log,
		positionBatch: make(chan *domain.Position, channelSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
	}, nil
}

func (s *Postgres) Close() { s.pool.Close() }

func (s *Postgres) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// RunPositionWriter batches InsertPosition calls and flushes them with
// CopyFrom on a size/time trigger, exactly like the teacher's DBWriter.Run
// loop. It must run for the lifetime of the process; cmd/trackcored
// supervises it under the main errgroup.
func (s *Postgres) RunPositionWriter(ctx context.Context) {
	batch := make([]*domain.Position, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case pos, ok := <-s.positionBatch:
			if !ok {
				if len(batch) > 0 {
					s.flushPositions(ctx, batch)
				}
				return
			}
			batch = append(batch, pos)
			if len(batch) >= s.batchSize {
				s.flushPositions(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.flushPositions(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			if len(batch) > 0 {
				s.flushPositions(ctx, batch)
			}
			return
		}
	}
}

var positionColumns = []string{
	"id", "device_id", "device_time", "server_time", "latitude", "longitude",
	"altitude", "speed_kmh", "course", "satellites", "hdop", "ignition", "valid", "sensors",
}

func (s *Postgres) flushPositions(ctx context.Context, batch []*domain.Position) {
	rows := make([][]interface{}, len(batch))
	for i, p := range batch {
		rows[i] = []interface{}{
			p.ID, p.DeviceID, p.DeviceTime, p.ServerTime, p.Latitude, p.Longitude,
			p.Altitude, p.SpeedKmh, p.Course, p.Satellites, p.HDOP, p.Ignition, p.Valid, p.Sensors,
		}
	}

	_, err := s.pool.CopyFrom(ctx, pgx.Identifier{"positions"}, positionColumns, pgx.CopyFromRows(rows))
	if err != nil {
		s.log.Warn("position batch insert failed, retrying", zap.Int("batch_size", len(batch)), zap.Error(err))
		time.Sleep(500 * time.Millisecond)
		_, err = s.pool.CopyFrom(ctx, pgx.Identifier{"positions"}, positionColumns, pgx.CopyFromRows(rows))
		if err != nil {
			s.log.Error("position batch insert permanently failed", zap.Int("batch_size", len(batch)), zap.Error(err))
			metrics.PositionInsertFailures.Add(float64(len(batch)))
			return
		}
	}
	metrics.PositionInsertSuccess.Add(float64(len(batch)))
}

// InsertPosition enqueues pos for the batch writer. A full channel means the
// writer can't keep up; the position is dropped and counted rather than
// blocking the gateway connection that produced it.
func (s *Postgres) InsertPosition(ctx context.Context, pos *domain.Position) error {
	select {
	case s.positionBatch <- pos:
		return nil
	default:
		metrics.PositionInsertFailures.Inc()
		return fmt.Errorf("store: position batch channel full, dropped position for device %s", pos.DeviceID)
	}
}

func (s *Postgres) GetDeviceByIMEI(ctx context.Context, imei string) (*domain.Device, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, name, imei, protocol, active, odometer_km, open_trip_id, created_at, attributes
		 FROM devices WHERE imei = $1`, imei)

	var d domain.Device
	var attrs map[string]any
	err := row.Scan(&d.ID, &d.OwnerID, &d.Name, &d.IMEI, &d.Protocol, &d.Active, &d.OdometerKm, &d.OpenTripID, &d.CreatedAt, &attrs)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get device by imei %s: %w", imei, err)
	}
	d.Attributes = attrs
	return &d, nil
}

// UpdateDeviceState persists the durable half of a device's accounting
// state — the odometer total and the currently open trip, if any — so a
// Redis cache expiry or restart can never silently reset them. Called once
// per ingested position, right alongside SaveState's Redis write.
func (s *Postgres) UpdateDeviceState(ctx context.Context, deviceID string, odometerKm float64, openTripID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE devices SET odometer_km = $1, open_trip_id = $2 WHERE id = $3`,
		odometerKm, openTripID, deviceID)
	if err != nil {
		return fmt.Errorf("store: update device state for %s: %w", deviceID, err)
	}
	return nil
}

func (s *Postgres) OpenTrip(ctx context.Context, trip *domain.Trip) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trips (id, device_id, start_time, start_lat, start_lon, distance_km, open)
		 VALUES ($1, $2, $3, $4, $5, $6, true)`,
		trip.ID, trip.DeviceID, trip.StartTime, trip.StartLat, trip.StartLon, trip.DistanceKm)
	if err != nil {
		return fmt.Errorf("store: open trip for device %s: %w", trip.DeviceID, err)
	}
	return nil
}

func (s *Postgres) CloseTrip(ctx context.Context, trip *domain.Trip) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE trips SET end_time = $1, end_lat = $2, end_lon = $3, distance_km = $4, open = false WHERE id = $5`,
		trip.EndTime, trip.EndLat, trip.EndLon, trip.DistanceKm, trip.ID)
	if err != nil {
		return fmt.Errorf("store: close trip %s: %w", trip.ID, err)
	}
	return nil
}

// InsertAlert persists one fired alert instance.
func (s *Postgres) InsertAlert(ctx context.Context, a *domain.AlertInstance) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO alert_instances (id, rule_id, device_id, kind, severity, message, latitude, longitude, metadata, fired_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO NOTHING`,
		a.ID, a.RuleID, a.DeviceID, a.Kind, a.Severity, a.Message, a.Latitude, a.Longitude, a.Metadata, a.FiredAt)
	if err != nil {
		return fmt.Errorf("store: insert alert for device %s: %w", a.DeviceID, err)
	}
	return nil
}

// ListAlertRules returns every enabled rule for a device, used by the alert
// engine on each evaluation pass.
func (s *Postgres) ListAlertRules(ctx context.Context, deviceID string) ([]*domain.AlertRule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, device_id, kind, name, params, channels, enabled FROM alert_rules
		 WHERE device_id = $1 AND enabled = true`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("store: list alert rules for device %s: %w", deviceID, err)
	}
	defer rows.Close()

	var out []*domain.AlertRule
	for rows.Next() {
		r := &domain.AlertRule{}
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.DeviceID, &r.Kind, &r.Name, &r.Params, &r.Channels, &r.Enabled); err != nil {
			return nil, fmt.Errorf("store: scan alert rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetGeofence loads one geofence definition by id, used by the alert
// engine's geofence enter/exit evaluator on every position that carries a
// geofence rule.
func (s *Postgres) GetGeofence(ctx context.Context, geofenceID string) (*domain.Geofence, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, name, shape, points, corridor_meters FROM geofences WHERE id = $1`, geofenceID)

	var g domain.Geofence
	var points []domain.LatLon
	err := row.Scan(&g.ID, &g.OwnerID, &g.Name, &g.Shape, &points, &g.CorridorMeters)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get geofence %s: %w", geofenceID, err)
	}
	g.Points = points
	return &g, nil
}

// InsertCommand persists a newly queued command.
func (s *Postgres) InsertCommand(ctx context.Context, c *domain.Command) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO commands (id, device_id, type, payload, status, max_retries, retry_count, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.DeviceID, c.Type, c.Payload, c.Status, c.MaxRetries, c.RetryCount, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert command for device %s: %w", c.DeviceID, err)
	}
	return nil
}

// ListPendingCommands returns every command still waiting to be sent,
// across all devices — the dispatcher polls this on a short interval and
// hands each one off to a live gateway session.
func (s *Postgres) ListPendingCommands(ctx context.Context) ([]*domain.Command, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, device_id, type, payload, status, max_retries, retry_count, created_at
		 FROM commands WHERE status = $1 ORDER BY created_at`, domain.CommandPending)
	if err != nil {
		return nil, fmt.Errorf("store: list pending commands: %w", err)
	}
	defer rows.Close()

	var out []*domain.Command
	for rows.Next() {
		c := &domain.Command{}
		if err := rows.Scan(&c.ID, &c.DeviceID, &c.Type, &c.Payload, &c.Status, &c.MaxRetries, &c.RetryCount, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan pending command: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateCommandStatus persists a command's terminal or intermediate status
// transition, as driven by the dispatcher's FSM.
func (s *Postgres) UpdateCommandStatus(ctx context.Context, c *domain.Command) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE commands SET status = $1, retry_count = $2, sent_at = $3, acked_at = $4, response = $5 WHERE id = $6`,
		c.Status, c.RetryCount, c.SentAt, c.AckedAt, c.Response, c.ID)
	if err != nil {
		return fmt.Errorf("store: update command %s: %w", c.ID, err)
	}
	return nil
}
