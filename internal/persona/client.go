package persona

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://api.dify.ai/v1"
	defaultTimeout = 60 * time.Second

	maxErrorBody = 512
)

// UnconfiguredPrefix marks replies produced without a persona provider.
const UnconfiguredPrefix = "（Dify連携未設定）解析結果：\n"

var (
	// ErrEmptyAnswer is returned when the provider answers with blank text.
	ErrEmptyAnswer = errors.New("persona: empty answer")
	// ErrMissingAPIKey is returned by DifyClient when no key is configured.
	ErrMissingAPIKey = errors.New("persona: dify api key is not configured")

	errPanicked = errors.New("persona: client panicked")
)

// Request is the persona input: template variables, the instruction, and the end-user id the
// provider uses for conversation continuity.
type Request struct {
	Inputs map[string]string
	Query  string
	UserID string
}

// Client produces an in-persona reply.
type Client interface {
	Complete(ctx context.Context, request Request) (string, error)
}

// StatusError reports a non-2xx provider response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("dify api error: %d %s", e.StatusCode, e.Body)
}

// DifyConfig configures DifyClient.
type DifyConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// DifyClient calls the Dify chat-messages endpoint in blocking mode.
type DifyClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewDifyClient constructs a client. An empty BaseURL uses the public Dify endpoint.
func NewDifyClient(cfg DifyConfig) *DifyClient {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &DifyClient{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		httpClient: httpClient,
	}
}

type chatMessagesRequest struct {
	Inputs         map[string]string `json:"inputs"`
	Query          string            `json:"query"`
	ResponseMode   string            `json:"response_mode"`
	User           string            `json:"user"`
	ConversationID string            `json:"conversation_id"`
}

type chatMessagesResponse struct {
	Answer string `json:"answer"`
}

// Complete sends one blocking chat-messages request.
func (c *DifyClient) Complete(ctx context.Context, request Request) (string, error) {
	if c.apiKey == "" {
		return "", ErrMissingAPIKey
	}
	inputs := request.Inputs
	if inputs == nil {
		inputs = map[string]string{}
	}
	payload, err := json.Marshal(chatMessagesRequest{
		Inputs:         inputs,
		Query:          request.Query,
		ResponseMode:   "blocking",
		User:           request.UserID,
		ConversationID: "",
	})
	if err != nil {
		return "", fmt.Errorf("persona: encode request: %w", err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat-messages", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("persona: build request: %w", err)
	}
	httpRequest.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpRequest.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return "", fmt.Errorf("persona: call dify: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBody))
		return "", &StatusError{StatusCode: response.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var decoded chatMessagesResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("persona: decode response: %w", err)
	}
	answer := strings.TrimSpace(decoded.Answer)
	if answer == "" {
		return "", ErrEmptyAnswer
	}
	return answer, nil
}

// StaticClient stands in for Dify when no key is configured: it echoes the analysis input
// behind UnconfiguredPrefix.
type StaticClient struct{}

func (StaticClient) Complete(_ context.Context, request Request) (string, error) {
	source := strings.TrimSpace(request.Inputs[InputAnalysisResult])
	if source == "" {
		source = strings.TrimSpace(request.Query)
	}
	return UnconfiguredPrefix + source, nil
}

var (
	_ Client = (*DifyClient)(nil)
	_ Client = StaticClient{}
)
