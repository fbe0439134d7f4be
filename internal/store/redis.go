package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"trackcore/internal/domain"
)

// stateTTL bounds how long a device's cached state stays in Redis without a
// new position, following the teacher's 30s HSET TTL pattern scaled up for a
// device-telemetry cadence measured in tens of seconds rather than
// sub-second fleet telemetry.
const stateTTL = 5 * time.Minute

// dedupTTL bounds how long a (device, timestamp) pair is remembered for
// duplicate rejection — long enough to absorb TCP retransmits and duplicate
// UDP datagrams, short enough not to grow unbounded.
const dedupTTL = 10 * time.Minute

// Redis backs the device state cache, position de-dup keys, alert debounce
// keys, the API-key auth cache, and the pub/sub fan-out envelope described in
// SPEC_FULL.md §6 — grounded on the teacher's RedisStore, generalized from a
// single vehicle-telemetry hash to the full device/alert/command entity set.
type Redis struct {
	client *redis.Client
}

func NewRedis(ctx context.Context, addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     20,
		MinIdleConns: 5,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: connect redis: %w", err)
	}
	return &Redis{client: client}, nil
}

func (r *Redis) Close() error { return r.client.Close() }

func (r *Redis) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func stateKey(deviceID string) string { return fmt.Sprintf("device:%s:state", deviceID) }

// GetOrCreateState loads a device's cached live state, or returns a fresh
// zero-value state if none is cached yet (first position ever seen).
func (r *Redis) GetOrCreateState(ctx context.Context, deviceID string) (*domain.DeviceState, error) {
	raw, err := r.client.Get(ctx, stateKey(deviceID)).Bytes()
	if err == redis.Nil {
		return &domain.DeviceState{DeviceID: deviceID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get state for %s: %w", deviceID, err)
	}
	var state domain.DeviceState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("store: unmarshal state for %s: %w", deviceID, err)
	}
	return &state, nil
}

// SaveState persists a device's live state and publishes a position_update
// envelope on the device's events channel for out-of-process subscribers.
// The hub in this module does not subscribe to it; it is fed in-process by
// the pipeline's BroadcastDispatcher.
func (r *Redis) SaveState(ctx context.Context, state *domain.DeviceState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("store: marshal state for %s: %w", state.DeviceID, err)
	}

	pipe := r.client.Pipeline()
	pipe.Set(ctx, stateKey(state.DeviceID), payload, stateTTL)
	if state.LastPosition != nil {
		pipe.GeoAdd(ctx, "devices:geo", &redis.GeoLocation{
			Name:      state.DeviceID,
			Longitude: state.LastPosition.Longitude,
			Latitude:  state.LastPosition.Latitude,
		})
		envelope, _ := json.Marshal(map[string]any{
			"type": "position_update", "device_id": state.DeviceID, "data": state.LastPosition,
		})
		pipe.Publish(ctx, fmt.Sprintf("device:%s:events", state.DeviceID), envelope)
	}
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("store: save state pipeline for %s: %w", state.DeviceID, err)
	}
	return nil
}

// SeenPosition reports whether (deviceID, deviceTime) has already been
// accepted, atomically marking it seen if not — the SetNX both checks and
// claims the dedup key in one round trip.
func (r *Redis) SeenPosition(ctx context.Context, deviceID string, deviceTime time.Time) (bool, error) {
	key := fmt.Sprintf("dedup:%s:%d", deviceID, deviceTime.UnixNano())
	ok, err := r.client.SetNX(ctx, key, "1", dedupTTL).Result()
	if err != nil {
		return false, fmt.Errorf("store: dedup check for %s: %w", deviceID, err)
	}
	return !ok, nil
}

// GetAPIKey resolves an API key to its owning user id, the second-level
// cache behind the teacher's Authenticator's in-memory first level.
func (r *Redis) GetAPIKey(ctx context.Context, apiKey string) (string, error) {
	val, err := r.client.Get(ctx, fmt.Sprintf("auth:key:%s", apiKey)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: get api key: %w", err)
	}
	return val, nil
}

// PublishAlert publishes a fired alert's envelope to the device's event
// channel, matching the {type, device_id, data} contract of SPEC_FULL.md §6.
func (r *Redis) PublishAlert(ctx context.Context, deviceID string, alert *domain.AlertInstance) error {
	envelope, err := json.Marshal(map[string]any{"type": "alert", "device_id": deviceID, "data": alert})
	if err != nil {
		return fmt.Errorf("store: marshal alert envelope: %w", err)
	}
	return r.client.Publish(ctx, fmt.Sprintf("device:%s:events", deviceID), envelope).Err()
}

// debounceKey returns the cache key a rule's debounce state lives at.
func debounceKey(deviceID, ruleID string) string {
	return fmt.Sprintf("debounce:%s:%s", deviceID, ruleID)
}

// GetDebounce loads a rule's debounce state, or a fresh zero-value one.
func (r *Redis) GetDebounce(ctx context.Context, deviceID, ruleID string) (*domain.DebounceState, error) {
	raw, err := r.client.Get(ctx, debounceKey(deviceID, ruleID)).Bytes()
	if err == redis.Nil {
		return &domain.DebounceState{DeviceID: deviceID, RuleID: ruleID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get debounce for %s/%s: %w", deviceID, ruleID, err)
	}
	var d domain.DebounceState
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("store: unmarshal debounce for %s/%s: %w", deviceID, ruleID, err)
	}
	return &d, nil
}

// SaveDebounce persists a rule's debounce state with no expiry — an episode
// can legitimately stay open for days (e.g. a maintenance alert).
func (r *Redis) SaveDebounce(ctx context.Context, d *domain.DebounceState) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("store: marshal debounce for %s/%s: %w", d.DeviceID, d.RuleID, err)
	}
	return r.client.Set(ctx, debounceKey(d.DeviceID, d.RuleID), payload, 0).Err()
}
