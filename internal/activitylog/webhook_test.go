package activitylog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogPostsPayload(t *testing.T) {
	received := make(chan webhookPayload, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload webhookPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode failed: %v", err)
		}
		received <- payload
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	tokyo := time.FixedZone("JST", 9*60*60)
	logger := NewWebhookLogger(WebhookConfig{URL: server.URL, Location: tokyo})
	logger.Log(context.Background(), Entry{
		UserID:          "U1",
		InteractionType: InteractionNote,
		UserContent:     "ロードワーク5km",
		AIResponse:      "えらい！",
		Timestamp:       time.Date(2025, 1, 2, 15, 4, 5, 0, time.UTC),
	})

	payload := <-received
	if payload.UserID != "U1" || payload.Type != InteractionNote || payload.AIResponse != "えらい！" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if payload.Timestamp != "2025/1/3 00:04:05" {
		t.Fatalf("expected timestamp in configured zone, got %q", payload.Timestamp)
	}
	if payload.Source != defaultSource {
		t.Fatalf("unexpected source %q", payload.Source)
	}
}

func TestLogSwallowsFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	core, recorded := observer.New(zap.WarnLevel)
	logger := NewWebhookLogger(WebhookConfig{URL: server.URL, Logger: zap.New(core)})
	logger.Log(context.Background(), Entry{UserID: "U1"})

	if recorded.FilterMessage("activity log delivery failed").Len() != 1 {
		t.Fatalf("expected delivery failure to be logged")
	}
}

func TestLogSkipsWithoutURL(t *testing.T) {
	core, recorded := observer.New(zap.DebugLevel)
	logger := NewWebhookLogger(WebhookConfig{Logger: zap.New(core)})
	logger.Log(context.Background(), Entry{UserID: "U1"})
	if recorded.FilterMessage("activity log skipped: webhook url not configured").Len() != 1 {
		t.Fatalf("expected skip to be logged")
	}
}
