package persona

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestDifyClientSendsBlockingRequest(t *testing.T) {
	var captured chatMessagesRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat-messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer app-key" {
			t.Errorf("unexpected authorization header %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request failed: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"answer":"最高のフォームね！"}`))
	}))
	defer server.Close()

	client := NewDifyClient(DifyConfig{BaseURL: server.URL + "/v1/", APIKey: "app-key", Timeout: time.Second})
	answer, err := client.Complete(context.Background(), Request{
		Inputs: map[string]string{InputAnalysisResult: "膝が内側に入っています"},
		Query:  "解析結果に基づき返答してください",
		UserID: "U1",
	})
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if answer != "最高のフォームね！" {
		t.Fatalf("unexpected answer %q", answer)
	}
	if captured.ResponseMode != "blocking" || captured.User != "U1" || captured.ConversationID != "" {
		t.Fatalf("unexpected request: %+v", captured)
	}
	if captured.Inputs[InputAnalysisResult] != "膝が内側に入っています" {
		t.Fatalf("inputs not forwarded: %+v", captured.Inputs)
	}
}

func TestDifyClientReportsStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"invalid_param"}`))
	}))
	defer server.Close()

	client := NewDifyClient(DifyConfig{BaseURL: server.URL, APIKey: "key"})
	_, err := client.Complete(context.Background(), Request{Query: "q"})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected status error, got %v", err)
	}
	if !strings.Contains(statusErr.Body, "invalid_param") {
		t.Fatalf("expected body in error, got %q", statusErr.Body)
	}
}

func TestDifyClientRejectsEmptyAnswer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"answer":"  "}`))
	}))
	defer server.Close()

	client := NewDifyClient(DifyConfig{BaseURL: server.URL, APIKey: "key"})
	if _, err := client.Complete(context.Background(), Request{}); !errors.Is(err, ErrEmptyAnswer) {
		t.Fatalf("expected ErrEmptyAnswer, got %v", err)
	}
}

func TestDifyClientRequiresKey(t *testing.T) {
	client := NewDifyClient(DifyConfig{})
	if _, err := client.Complete(context.Background(), Request{}); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
}

func TestStaticClientEchoesAnalysis(t *testing.T) {
	answer, err := StaticClient{}.Complete(context.Background(), Request{Inputs: map[string]string{InputAnalysisResult: "結果"}})
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if answer != UnconfiguredPrefix+"結果" {
		t.Fatalf("unexpected answer %q", answer)
	}
}
