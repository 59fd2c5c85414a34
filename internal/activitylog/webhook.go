package activitylog

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

const (
	defaultSource    = "AIKA_Backend"
	defaultTimeout   = 10 * time.Second
	timestampLayout  = "2006/1/2 15:04:05"
	InteractionNote  = "note"
	InteractionText  = "text"
	InteractionImage = "image"
	InteractionVideo = "video"
)

// Entry is one user interaction.
type Entry struct {
	UserID          string
	InteractionType string
	UserContent     string
	AIResponse      string
	Timestamp       time.Time
}

// Logger records interactions somewhere outside the service.
type Logger interface {
	Log(ctx context.Context, entry Entry)
}

// WebhookConfig configures WebhookLogger.
type WebhookConfig struct {
	URL        string
	Source     string
	Location   *time.Location
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// WebhookLogger posts interactions to a spreadsheet webhook. Failures are logged and dropped.
type WebhookLogger struct {
	url        string
	source     string
	location   *time.Location
	httpClient *http.Client
	logger     *zap.Logger
}

// NewWebhookLogger constructs a logger. An empty URL disables delivery.
func NewWebhookLogger(cfg WebhookConfig) *WebhookLogger {
	source := strings.TrimSpace(cfg.Source)
	if source == "" {
		source = defaultSource
	}
	location := cfg.Location
	if location == nil {
		location = time.UTC
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookLogger{
		url:        strings.TrimSpace(cfg.URL),
		source:     source,
		location:   location,
		httpClient: httpClient,
		logger:     logger,
	}
}

type webhookPayload struct {
	UserID      string `json:"userId"`
	Type        string `json:"type"`
	UserContent string `json:"userContent"`
	AIResponse  string `json:"aiResponse"`
	Timestamp   string `json:"timestamp"`
	Source      string `json:"source"`
}

// Log delivers entry synchronously and never returns an error.
func (l *WebhookLogger) Log(ctx context.Context, entry Entry) {
	if l.url == "" {
		l.logger.Debug("activity log skipped: webhook url not configured", zap.String("user_id", entry.UserID))
		return
	}
	if err := l.post(ctx, entry); err != nil {
		l.logger.Warn("activity log delivery failed", zap.String("user_id", entry.UserID), zap.Error(err))
	}
}

func (l *WebhookLogger) post(ctx context.Context, entry Entry) error {
	timestamp := entry.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	payload, err := json.Marshal(webhookPayload{
		UserID:      entry.UserID,
		Type:        entry.InteractionType,
		UserContent: entry.UserContent,
		AIResponse:  entry.AIResponse,
		Timestamp:   timestamp.In(l.location).Format(timestampLayout),
		Source:      l.source,
	})
	if err != nil {
		return err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, l.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := l.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 400 {
		return fmt.Errorf("unexpected status %d", response.StatusCode)
	}
	return nil
}

// Discard drops every entry.
type Discard struct{}

func (Discard) Log(context.Context, Entry) {}

var (
	_ Logger = (*WebhookLogger)(nil)
	_ Logger = Discard{}
)
