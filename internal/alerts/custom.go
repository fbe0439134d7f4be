package alerts

import (
	"fmt"
	"sync"
	"time"

	"trackcore/internal/alerts/expr"
	"trackcore/internal/domain"
)

// customRuleCache compiles and caches custom-rule expressions by source
// text, mirroring the Python engine's rule_engine.Rule cache so a hot
// device loop never re-parses the same expression.
type customRuleCache struct {
	mu    sync.Mutex
	rules map[string]*expr.Rule
}

func newCustomRuleCache() *customRuleCache {
	return &customRuleCache{rules: make(map[string]*expr.Rule)}
}

func (c *customRuleCache) compile(src string) (*expr.Rule, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.rules[src]; ok {
		return r, nil
	}
	r, err := expr.Compile(src)
	if err != nil {
		return nil, err
	}
	c.rules[src] = r
	return r, nil
}

// evalCustom ports app/alerts/custome_rule.py: evaluate a user-defined
// boolean expression against the position's speed/ignition/sensor fields,
// optionally gated on the condition holding for a sustained duration.
func (e *Engine) evalCustom(rule *domain.AlertRule, pos *domain.Position, d *domain.DebounceState) (*fireResult, error) {
	exprSrc := paramString(rule.Params, "expression")
	if exprSrc == "" {
		return nil, fmt.Errorf("alerts: custom rule %s has no expression", rule.ID)
	}
	durationSec, _ := paramFloat(rule.Params, "duration_seconds")

	compiled, err := e.customRules.compile(exprSrc)
	if err != nil {
		return nil, fmt.Errorf("alerts: compile custom rule %s: %w", rule.ID, err)
	}

	ctx := map[string]any{
		"speed":    pos.SpeedKmh,
		"ignition": pos.Ignition != nil && *pos.Ignition,
	}
	for k, v := range pos.Sensors {
		ctx[k] = v
	}

	if !compiled.Matches(ctx) {
		clearDebounce(d)
		return nil, nil
	}
	if d.ActiveAlertID != "" {
		return nil, nil
	}
	if durationSec > 0 {
		if d.ConditionSince == nil {
			markConditionStart(d, pos.DeviceTime)
			return nil, nil
		}
		if pos.DeviceTime.Sub(*d.ConditionSince).Seconds() < durationSec {
			return nil, nil
		}
	}

	markFired(d, pos.DeviceTime)
	name := paramString(rule.Params, "name")
	if name == "" {
		name = rule.Name
	}
	return &fireResult{
		Severity: domain.SeverityWarning,
		Message:  fmt.Sprintf("Custom alert %q triggered.", name),
		Metadata: map[string]any{"name": name, "expression": exprSrc},
	}, nil
}

// towingAnchorKey scopes the engine's ephemeral per-(device, rule) towing
// anchors; like the per-device speed samples, these don't need Redis
// durability since losing one on a restart
// just means the anchor/previous-speed sample is re-established on the
// next tick rather than corrupting anything.
func towingAnchorKey(deviceID, ruleID string) string { return deviceID + "/" + ruleID }

type anchor struct {
	lat, lon float64
}

type speedSample struct {
	speedKmh float64
	at       time.Time
}
