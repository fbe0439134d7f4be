// Package alerts evaluates every enabled rule for a device against each
// freshly persisted position, with per-rule debounce/hysteresis so a
// sustained condition fires exactly once per episode — grounded on
// original_source/app/core/alert_engine.py and the per-kind modules under
// original_source/app/alerts/.
package alerts

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"trackcore/internal/domain"
	"trackcore/internal/metrics"
	"trackcore/internal/pipeline"
)

// Store is the persistence seam the engine depends on: rule configuration
// and geofences come from Postgres, debounce state and the fired-alert
// pub/sub envelope from Redis. internal/store's composite Store type
// implements it.
type Store interface {
	ListAlertRules(ctx context.Context, deviceID string) ([]*domain.AlertRule, error)
	GetDebounce(ctx context.Context, deviceID, ruleID string) (*domain.DebounceState, error)
	SaveDebounce(ctx context.Context, d *domain.DebounceState) error
	InsertAlert(ctx context.Context, a *domain.AlertInstance) error
	PublishAlert(ctx context.Context, deviceID string, a *domain.AlertInstance) error
	GetGeofence(ctx context.Context, geofenceID string) (*domain.Geofence, error)
}

// Notifier routes a fired alert to the channels named on its rule —
// internal/notify's SchemeRouter implements this.
type Notifier interface {
	Notify(ctx context.Context, rule *domain.AlertRule, instance *domain.AlertInstance)
}

// Engine implements pipeline.AlertSink.
type Engine struct {
	store    Store
	notifier Notifier
	log      *zap.Logger

	customRules *customRuleCache

	mu           sync.Mutex
	towingAnchor map[string]anchor
	prevSpeed    map[string]speedSample
}

func New(store Store, notifier Notifier, log *zap.Logger) *Engine {
	return &Engine{
		store:        store,
		notifier:     notifier,
		log:          log,
		customRules:  newCustomRuleCache(),
		towingAnchor: make(map[string]anchor),
		prevSpeed:    make(map[string]speedSample),
	}
}

// Evaluate runs every enabled rule for pos.DeviceID. Errors are logged and
// counted, never propagated — one malformed rule must not block every
// other rule, or the position pipeline itself.
func (e *Engine) Evaluate(ctx context.Context, pos *domain.Position, state *domain.DeviceState) {
	rules, err := e.store.ListAlertRules(ctx, pos.DeviceID)
	if err != nil {
		e.log.Error("list alert rules failed", zap.String("device_id", pos.DeviceID), zap.Error(err))
		return
	}

	for _, rule := range rules {
		if rule.Schedule != nil && !rule.Schedule.Active(pos.DeviceTime) {
			continue
		}

		debounce, err := e.store.GetDebounce(ctx, pos.DeviceID, rule.ID)
		if err != nil {
			e.log.Error("load debounce state failed", zap.String("rule_id", rule.ID), zap.Error(err))
			continue
		}

		fired, results, err := e.dispatch(ctx, rule, pos, state, debounce)
		if err != nil {
			metrics.AlertEvalErrors.WithLabelValues(string(rule.Kind)).Inc()
			e.log.Warn("alert rule evaluation failed",
				zap.String("rule_id", rule.ID), zap.String("kind", string(rule.Kind)), zap.Error(err))
			continue
		}

		if err := e.store.SaveDebounce(ctx, debounce); err != nil {
			e.log.Error("save debounce state failed", zap.String("rule_id", rule.ID), zap.Error(err))
		}

		if fired != nil {
			results = append(results, fired)
		}
		for _, r := range results {
			e.fire(ctx, rule, pos, r)
		}
	}
}

// dispatch routes a rule to its kind-specific evaluator. Geofence rules
// return through the results slice rather than the single fireResult; a
// rule names one geofence_id, so that slice holds at most one event.
func (e *Engine) dispatch(
	ctx context.Context, rule *domain.AlertRule, pos *domain.Position, state *domain.DeviceState, d *domain.DebounceState,
) (*fireResult, []*fireResult, error) {
	switch rule.Kind {
	case domain.AlertSpeeding:
		r, err := evalSpeeding(rule, pos, d)
		return r, nil, err
	case domain.AlertIdling:
		r, err := evalIdling(rule, pos, d)
		return r, nil, err
	case domain.AlertTowing:
		if pos.Ignition != nil && *pos.Ignition {
			// ignition on ends the parked episode; the next ignition-off
			// position drops a fresh anchor
			e.mu.Lock()
			delete(e.towingAnchor, towingAnchorKey(pos.DeviceID, rule.ID))
			e.mu.Unlock()
		}
		r, err := evalTowing(rule, pos, d, func() (float64, bool) { return e.towingDistance(rule, pos) })
		return r, nil, err
	case domain.AlertMaintenance:
		r, err := evalMaintenance(rule, state.OdometerKm, d)
		return r, nil, err
	case domain.AlertLowBattery:
		r, err := evalLowBattery(rule, pos, d)
		return r, nil, err
	case domain.AlertHarshBraking:
		delta, ok := e.speedDelta(rule.DeviceID, pos)
		if !ok {
			return nil, nil, nil
		}
		r, err := evalHarshMotion(rule, true, delta, pos)
		return r, nil, err
	case domain.AlertHarshAcceleration:
		delta, ok := e.speedDelta(rule.DeviceID, pos)
		if !ok {
			return nil, nil, nil
		}
		r, err := evalHarshMotion(rule, false, delta, pos)
		return r, nil, err
	case domain.AlertCustom:
		r, err := e.evalCustom(rule, pos, d)
		return r, nil, err
	case domain.AlertGeofenceEnter, domain.AlertGeofenceExit:
		results, err := e.evalGeofence(ctx, rule, pos, d)
		return nil, results, err
	default:
		return nil, nil, nil
	}
}

// towingDistance lazily anchors the parked position the first time it sees
// ignition off for (device,rule), then returns the distance from that
// anchor on subsequent calls.
func (e *Engine) towingDistance(rule *domain.AlertRule, pos *domain.Position) (float64, bool) {
	key := towingAnchorKey(pos.DeviceID, rule.ID)

	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.towingAnchor[key]
	if !ok {
		e.towingAnchor[key] = anchor{lat: pos.Latitude, lon: pos.Longitude}
		return 0, false
	}
	if pos.Ignition != nil && *pos.Ignition {
		delete(e.towingAnchor, key)
		return 0, false
	}
	return pipeline.HaversineKm(a.lat, a.lon, pos.Latitude, pos.Longitude) * 1000, true
}

// speedDelta returns (current-previous)/elapsedSeconds in km/h per second,
// using an in-process per-device sample rather than durable state since
// losing one sample on restart just skips one harsh-motion check.
func (e *Engine) speedDelta(deviceID string, pos *domain.Position) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev, ok := e.prevSpeed[deviceID]
	e.prevSpeed[deviceID] = speedSample{speedKmh: pos.SpeedKmh, at: pos.DeviceTime}
	if !ok {
		return 0, false
	}
	elapsed := pos.DeviceTime.Sub(prev.at).Seconds()
	if elapsed <= 0 || elapsed > 10 {
		return 0, false
	}
	return (pos.SpeedKmh - prev.speedKmh) / elapsed, true
}

// evalGeofence checks the rule's single geofence_id and returns one
// enter/exit event when that zone's containment state just flipped.
func (e *Engine) evalGeofence(
	ctx context.Context, rule *domain.AlertRule, pos *domain.Position, d *domain.DebounceState,
) ([]*fireResult, error) {
	geofenceID := paramString(rule.Params, "geofence_id")
	if geofenceID == "" {
		return nil, nil
	}
	gf, err := e.store.GetGeofence(ctx, geofenceID)
	if err != nil || gf == nil {
		return nil, err
	}

	inside := containsPoint(gf, pos.Latitude, pos.Longitude)
	wasInside := d.ActiveAlertID == "inside"

	if inside == wasInside {
		return nil, nil
	}
	if inside {
		d.ActiveAlertID = "inside"
	} else {
		d.ActiveAlertID = "outside"
	}

	// A rule only fires for its own transition direction: an enter rule
	// never reports an exit and vice versa, even though both rules share
	// the same debounce bookkeeping above.
	entered := inside && !wasInside
	exited := !inside && wasInside
	if rule.Kind == domain.AlertGeofenceEnter && !entered {
		return nil, nil
	}
	if rule.Kind == domain.AlertGeofenceExit && !exited {
		return nil, nil
	}

	now := pos.DeviceTime
	d.LastFiredAt = &now

	event := "Entered"
	if exited {
		event = "Exited"
	}

	return []*fireResult{{
		Severity: domain.SeverityWarning,
		Message:  event + " zone \"" + gf.Name + "\".",
		Metadata: map[string]any{"geofence_id": gf.ID, "geofence_name": gf.Name, "event": event},
	}}, nil
}

func (e *Engine) fire(ctx context.Context, rule *domain.AlertRule, pos *domain.Position, r *fireResult) {
	instance := &domain.AlertInstance{
		ID:        uuid.NewString(),
		RuleID:    rule.ID,
		DeviceID:  pos.DeviceID,
		Kind:      rule.Kind,
		Severity:  r.Severity,
		Message:   r.Message,
		Latitude:  pos.Latitude,
		Longitude: pos.Longitude,
		Metadata:  r.Metadata,
		FiredAt:   pos.DeviceTime,
	}

	metrics.AlertsFired.WithLabelValues(string(rule.Kind)).Inc()

	if err := e.store.InsertAlert(ctx, instance); err != nil {
		e.log.Error("insert alert instance failed", zap.String("rule_id", rule.ID), zap.Error(err))
	}
	if err := e.store.PublishAlert(ctx, pos.DeviceID, instance); err != nil {
		e.log.Error("publish alert failed", zap.String("rule_id", rule.ID), zap.Error(err))
	}
	if e.notifier != nil {
		e.notifier.Notify(ctx, rule, instance)
	}
}
