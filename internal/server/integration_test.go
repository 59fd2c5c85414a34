package server_test

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/flatupgym/aika/internal/admission"
	"github.com/flatupgym/aika/internal/analysis"
	"github.com/flatupgym/aika/internal/assistant"
	"github.com/flatupgym/aika/internal/auth"
	"github.com/flatupgym/aika/internal/conversation"
	"github.com/flatupgym/aika/internal/database"
	"github.com/flatupgym/aika/internal/messaging"
	"github.com/flatupgym/aika/internal/notes"
	"github.com/flatupgym/aika/internal/persona"
	"github.com/flatupgym/aika/internal/server"
	"github.com/flatupgym/aika/internal/users"
)

const (
	integrationSigningSecret = "integration-secret"
	integrationChannelSecret = "integration-channel"
	integrationUserID        = "U-integration"
	personaAnswer            = "ナイスファイト！次も一緒にがんばろうね🔥"
	jsonContentType          = "application/json"
)

type capturingMessenger struct {
	mu      sync.Mutex
	pushes  []string
	replies []string
}

func (m *capturingMessenger) Push(_ context.Context, _, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushes = append(m.pushes, text)
	return nil
}

func (m *capturingMessenger) Reply(_ context.Context, _, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = append(m.replies, text)
	return nil
}

func (m *capturingMessenger) Content(context.Context, string) (messaging.Content, error) {
	return messaging.Content{}, messaging.ErrNotConfigured
}

func (m *capturingMessenger) DisplayName(context.Context, string) (string, error) {
	return "テスト会員", nil
}

type fixedLineVerifier struct{}

func (fixedLineVerifier) Verify(context.Context, string) (auth.LineClaims, error) {
	return auth.LineClaims{Subject: integrationUserID, Name: "テスト会員"}, nil
}

type readResult struct {
	line string
	err  error
}

func TestNoteFlowEndToEnd(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "aika.db"), users.DefaultTitleTable(), logger)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	difyServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", jsonContentType)
		_ = json.NewEncoder(w).Encode(map[string]string{"answer": personaAnswer})
	}))
	t.Cleanup(difyServer.Close)

	userService, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		t.Fatalf("users service: %v", err)
	}
	noteService, err := notes.NewService(notes.ServiceConfig{Database: db, IDProvider: notes.NewUUIDProvider(), Logger: logger})
	if err != nil {
		t.Fatalf("notes service: %v", err)
	}
	turnStore, err := conversation.NewStore(conversation.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		t.Fatalf("conversation store: %v", err)
	}
	gate, err := admission.NewGate(admission.GateConfig{DailyCap: 100, Location: time.UTC, Database: db})
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	analyzer, err := analysis.NewService(analysis.Config{Provider: analysis.NewUnconfiguredProvider(), Timeout: time.Second})
	if err != nil {
		t.Fatalf("analysis service: %v", err)
	}
	rewriter := persona.NewRewriter(persona.RewriterConfig{
		Client: persona.NewDifyClient(persona.DifyConfig{BaseURL: difyServer.URL, APIKey: "app-key"}),
	})
	messenger := &capturingMessenger{}
	dispatcher := server.NewRealtimeDispatcher()
	runner := assistant.NewRunner(assistant.RunnerConfig{MaxConcurrent: 2, TaskTimeout: 10 * time.Second})
	t.Cleanup(func() { _ = runner.Wait(context.Background()) })

	assistantService, err := assistant.NewService(assistant.Config{
		Users:         userService,
		Notes:         noteService,
		Conversations: turnStore,
		Analyzer:      analyzer,
		Rewriter:      rewriter,
		Gate:          gate,
		Messenger:     messenger,
		Events:        dispatcher,
		Runner:        runner,
		Logger:        logger,
	})
	if err != nil {
		t.Fatalf("assistant: %v", err)
	}
	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(integrationSigningSecret)})
	if err != nil {
		t.Fatalf("token issuer: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Assistant:         assistantService,
		Users:             userService,
		Notes:             noteService,
		Signatures:        messaging.NewSignatureVerifier(messaging.SignatureConfig{ChannelSecret: integrationChannelSecret}),
		LineVerifier:      fixedLineVerifier{},
		TokenManager:      tokenIssuer,
		Realtime:          dispatcher,
		HeartbeatInterval: time.Minute,
		Logger:            logger,
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	testServer := httptest.NewServer(handler)
	t.Cleanup(testServer.Close)

	authResp, err := http.Post(testServer.URL+"/api/auth/line", jsonContentType, strings.NewReader(`{"idToken":"line-token"}`))
	if err != nil {
		t.Fatalf("auth request failed: %v", err)
	}
	var session struct {
		UserID       string `json:"userId"`
		SessionToken string `json:"sessionToken"`
	}
	if err := json.NewDecoder(authResp.Body).Decode(&session); err != nil {
		t.Fatalf("decode auth response: %v", err)
	}
	_ = authResp.Body.Close()
	if authResp.StatusCode != http.StatusOK || session.UserID != integrationUserID || session.SessionToken == "" {
		t.Fatalf("unexpected auth response %d %+v", authResp.StatusCode, session)
	}

	streamResp, err := http.Get(testServer.URL + "/api/events?access_token=" + session.SessionToken)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() { _ = streamResp.Body.Close() })
	if streamResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", streamResp.StatusCode)
	}
	streamReader := bufio.NewReader(streamResp.Body)
	waitForEvent(t, streamReader, "heartbeat")

	noteResp, err := http.Post(testServer.URL+"/api/notes", jsonContentType,
		strings.NewReader(`{"userId":"`+integrationUserID+`","userName":"テスト会員","content":"今日はミット打ち5R"}`))
	if err != nil {
		t.Fatalf("note request failed: %v", err)
	}
	_ = noteResp.Body.Close()
	if noteResp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", noteResp.StatusCode)
	}

	data := waitForEvent(t, streamReader, server.RealtimeEventNoteProcessed)
	var event struct {
		Note assistant.NoteEvent `json:"note"`
	}
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		t.Fatalf("failed to decode event payload: %v", err)
	}
	if event.Note.Reply != personaAnswer || event.Note.Points != 5 || event.Note.Title != "ルーキー" {
		t.Fatalf("unexpected event %+v", event.Note)
	}

	userResp, err := http.Get(testServer.URL + "/api/user/" + integrationUserID)
	if err != nil {
		t.Fatalf("user request failed: %v", err)
	}
	var user users.User
	if err := json.NewDecoder(userResp.Body).Decode(&user); err != nil {
		t.Fatalf("decode user: %v", err)
	}
	_ = userResp.Body.Close()
	if user.Points != 5 {
		t.Fatalf("expected 5 points, got %d", user.Points)
	}

	listRequest, _ := http.NewRequest(http.MethodGet, testServer.URL+"/api/notes", http.NoBody)
	listRequest.Header.Set("Authorization", "Bearer "+session.SessionToken)
	listResp, err := http.DefaultClient.Do(listRequest)
	if err != nil {
		t.Fatalf("list request failed: %v", err)
	}
	var listed struct {
		Notes []struct {
			Content        string `json:"content"`
			AnalysisResult string `json:"analysisResult"`
		} `json:"notes"`
	}
	if err := json.NewDecoder(listResp.Body).Decode(&listed); err != nil {
		t.Fatalf("decode notes: %v", err)
	}
	_ = listResp.Body.Close()
	if len(listed.Notes) != 1 || listed.Notes[0].AnalysisResult != personaAnswer {
		t.Fatalf("unexpected notes %+v", listed.Notes)
	}

	webhookBody := `{"events":[{"type":"message","replyToken":"r1","timestamp":1700000000000,` +
		`"source":{"type":"user","userId":"` + integrationUserID + `"},"message":{"id":"m1","type":"text","text":"減量のコツは？"}}]}`
	webhookRequest, _ := http.NewRequest(http.MethodPost, testServer.URL+"/api/webhook", strings.NewReader(webhookBody))
	webhookRequest.Header.Set("Content-Type", jsonContentType)
	webhookRequest.Header.Set(messaging.SignatureHeader,
		base64.StdEncoding.EncodeToString(messaging.Sign([]byte(integrationChannelSecret), []byte(webhookBody))))
	webhookResp, err := http.DefaultClient.Do(webhookRequest)
	if err != nil {
		t.Fatalf("webhook request failed: %v", err)
	}
	_ = webhookResp.Body.Close()
	if webhookResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from webhook, got %d", webhookResp.StatusCode)
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelDrain()
	if err := runner.Wait(drainCtx); err != nil {
		t.Fatalf("background work did not finish: %v", err)
	}

	messenger.mu.Lock()
	defer messenger.mu.Unlock()
	if len(messenger.replies) != 1 || messenger.replies[0] != personaAnswer {
		t.Fatalf("unexpected replies %+v", messenger.replies)
	}
	if len(messenger.pushes) != 1 || messenger.pushes[0] != personaAnswer {
		t.Fatalf("unexpected pushes %+v", messenger.pushes)
	}
	if gate.Used() != 2 {
		t.Fatalf("expected two admitted requests, got %d", gate.Used())
	}
}

func waitForEvent(t *testing.T, reader *bufio.Reader, eventType string) string {
	t.Helper()
	currentEventType := ""
	deadline := time.After(5 * time.Second)
	for {
		resultCh := make(chan readResult, 1)
		go func() {
			line, err := reader.ReadString('\n')
			resultCh <- readResult{line: line, err: err}
		}()
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", eventType)
		case res := <-resultCh:
			if res.err != nil {
				t.Fatalf("failed to read stream: %v", res.err)
			}
			line := strings.TrimSpace(res.line)
			if strings.HasPrefix(line, "event:") {
				currentEventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				continue
			}
			if strings.HasPrefix(line, "data:") && currentEventType == eventType {
				return strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			}
		}
	}
}
