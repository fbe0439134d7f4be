package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// webhookChannel POSTs a JSON payload to any http:// or https:// URL — the one
// transport fully implemented without a third-party SDK, since it's just
// an HTTP client call.
type webhookChannel struct{}

func (c *webhookChannel) Matches(url string) bool {
	return strings.HasPrefix(url, "https://") || strings.HasPrefix(url, "http://")
}

func (c *webhookChannel) Send(ctx context.Context, url, title, message string) error {
	body, err := json.Marshal(map[string]string{"title": title, "message": message})
	if err != nil {
		return fmt.Errorf("notify: marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// loggingChannel stands in for a transport whose client SDK isn't part of
// the reference dependency stack (Telegram/Discord/Slack bot APIs, SMTP).
// It logs a structured "would send" event at the level a real
// implementation would use to confirm delivery, so wiring a real client
// later is a drop-in Channel swap with no caller-side changes.
type loggingChannel struct {
	scheme string
	log    *zap.Logger
}

func (c *loggingChannel) Matches(url string) bool {
	return strings.HasPrefix(url, c.scheme)
}

func (c *loggingChannel) Send(ctx context.Context, url, title, message string) error {
	c.log.Info("would send notification",
		zap.String("scheme", c.scheme), zap.String("url", url), zap.String("title", title))
	return nil
}
