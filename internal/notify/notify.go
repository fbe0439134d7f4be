// Package notify routes a fired alert to the notification channel URLs
// configured on its rule. Channels are tried in registration order, first
// match on URL scheme wins — grounded on
// original_source/app/notifications/{base,__init__}.py's matches()/send()
// plugin registry, minus the runtime module-discovery (Go registers
// channels at construction instead of scanning a package directory).
package notify

import (
	"context"

	"go.uber.org/zap"

	"trackcore/internal/domain"
)

// Channel delivers a notification to one class of destination URL.
type Channel interface {
	Matches(url string) bool
	Send(ctx context.Context, url, title, message string) error
}

// Dispatcher is the notification seam cmd/trackcored's alertNotifier calls;
// SchemeRouter implements it. internal/alerts declares its own Notifier
// interface with the same method.
type Dispatcher interface {
	Notify(ctx context.Context, rule *domain.AlertRule, instance *domain.AlertInstance)
}

// SchemeRouter tries each registered channel in order and hands the URL to
// the first one that claims it.
type SchemeRouter struct {
	channels []Channel
	log      *zap.Logger
}

// NewSchemeRouter builds the default channel set: a fully-implemented HTTPS
// webhook channel plus structured-log stand-ins for the transports whose
// SDKs aren't part of the reference dependency stack (Telegram/Discord/
// Slack bot APIs, SMTP). Wiring a real client for those is a drop-in swap
// behind the same Channel interface.
func NewSchemeRouter(log *zap.Logger) *SchemeRouter {
	return &SchemeRouter{
		log: log,
		channels: []Channel{
			&webhookChannel{},
			&loggingChannel{scheme: "telegram://", log: log},
			&loggingChannel{scheme: "discord://", log: log},
			&loggingChannel{scheme: "slack://", log: log},
			&loggingChannel{scheme: "smtp://", log: log},
			&loggingChannel{scheme: "mailto:", log: log},
		},
	}
}

// Notify sends instance's message to every channel URL configured on rule,
// logging (not returning) per-channel failures so one bad webhook doesn't
// block the others.
func (r *SchemeRouter) Notify(ctx context.Context, rule *domain.AlertRule, instance *domain.AlertInstance) {
	if len(rule.Channels) == 0 {
		return
	}
	title := alertTitle(rule, instance)

	for _, url := range rule.Channels {
		ch := r.resolve(url)
		if ch == nil {
			r.log.Warn("no notification channel matches url scheme", zap.String("rule_id", rule.ID))
			continue
		}
		if err := ch.Send(ctx, url, title, instance.Message); err != nil {
			r.log.Error("notification send failed",
				zap.String("rule_id", rule.ID), zap.String("kind", string(rule.Kind)), zap.Error(err))
		}
	}
}

func (r *SchemeRouter) resolve(url string) Channel {
	for _, ch := range r.channels {
		if ch.Matches(url) {
			return ch
		}
	}
	return nil
}

func alertTitle(rule *domain.AlertRule, instance *domain.AlertInstance) string {
	return string(instance.Severity) + ": " + rule.Name
}
