package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"trackcore/internal/domain"
)

func TestWebhookChannelMatches(t *testing.T) {
	ch := &webhookChannel{}
	cases := map[string]bool{
		"https://example.com/hook": true,
		"http://example.com/hook":  true,
		"telegram://12345":         false,
		"mailto:ops@example.com":   false,
	}
	for url, want := range cases {
		if got := ch.Matches(url); got != want {
			t.Errorf("Matches(%q) = %v, want %v", url, got, want)
		}
	}
}

func TestWebhookChannelSendsExpectedPayload(t *testing.T) {
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := &webhookChannel{}
	if err := ch.Send(context.Background(), srv.URL, "Speeding", "vehicle exceeded limit"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if gotBody["title"] != "Speeding" || gotBody["message"] != "vehicle exceeded limit" {
		t.Errorf("unexpected webhook body: %+v", gotBody)
	}
}

func TestWebhookChannelErrorsOnNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ch := &webhookChannel{}
	if err := ch.Send(context.Background(), srv.URL, "t", "m"); err == nil {
		t.Fatalf("expected an error on a 500 response")
	}
}

func TestLoggingChannelMatchesScheme(t *testing.T) {
	ch := &loggingChannel{scheme: "telegram://", log: zap.NewNop()}
	if !ch.Matches("telegram://12345") {
		t.Errorf("expected telegram:// url to match")
	}
	if ch.Matches("discord://12345") {
		t.Errorf("expected discord:// url not to match a telegram channel")
	}
	if err := ch.Send(context.Background(), "telegram://12345", "t", "m"); err != nil {
		t.Errorf("logging channel should never error: %v", err)
	}
}

func TestSchemeRouterFirstMatchWins(t *testing.T) {
	var httpsHits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpsHits++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	router := NewSchemeRouter(zap.NewNop())
	rule := &domain.AlertRule{ID: "r1", Name: "Speeding", Channels: []string{srv.URL, "mailto:ops@example.com"}}
	instance := &domain.AlertInstance{Severity: domain.SeverityWarning, Message: "too fast"}

	router.Notify(context.Background(), rule, instance)

	if httpsHits != 1 {
		t.Errorf("expected the webhook channel to be hit exactly once, got %d", httpsHits)
	}
}

func TestSchemeRouterSkipsUnresolvedURL(t *testing.T) {
	router := NewSchemeRouter(zap.NewNop())
	rule := &domain.AlertRule{ID: "r2", Name: "Custom", Channels: []string{"ftp://nowhere"}}
	instance := &domain.AlertInstance{Severity: domain.SeverityInfo, Message: "no channel matches"}

	// must not panic even though no registered channel claims ftp://
	router.Notify(context.Background(), rule, instance)
}
