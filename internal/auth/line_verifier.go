package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultLineVerifyURL = "https://api.line.me/oauth2/v2.1/verify"
	defaultLineIssuer    = "https://access.line.me"
	maxVerifyErrorBody   = 512
)

var (
	errMissingToken          = errors.New("id token must not be empty")
	errMissingChannelID      = errors.New("channel id configuration required")
	errMissingSubject        = errors.New("token missing subject claim")
	errUntrustedIssuer       = errors.New("token issuer not allowed")
	errAudienceMismatch      = errors.New("token audience does not match channel")
	ErrInvalidVerifierConfig = errors.New("auth: invalid line verifier config")
	// ErrTokenRejected is returned when LINE refuses the ID token.
	ErrTokenRejected = errors.New("auth: id token rejected")
)

// LineVerifierConfig bundles configuration required to instantiate a LineVerifier.
type LineVerifierConfig struct {
	ChannelID  string
	VerifyURL  string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// LineClaims exposes validated claim data required by downstream services.
type LineClaims struct {
	Subject  string
	Name     string
	Picture  string
	Audience string
	Expiry   time.Time
}

// LineVerifier validates LINE Login ID tokens through the LINE verify endpoint.
type LineVerifier struct {
	channelID  string
	verifyURL  string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewLineVerifier constructs a verifier with validated configuration.
func NewLineVerifier(cfg LineVerifierConfig) (*LineVerifier, error) {
	channelID := strings.TrimSpace(cfg.ChannelID)
	if channelID == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVerifierConfig, errMissingChannelID)
	}
	verifyURL := strings.TrimSpace(cfg.VerifyURL)
	if verifyURL == "" {
		verifyURL = defaultLineVerifyURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LineVerifier{
		channelID:  channelID,
		verifyURL:  verifyURL,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

type lineVerifyResponse struct {
	Issuer   string `json:"iss"`
	Subject  string `json:"sub"`
	Audience string `json:"aud"`
	Expiry   int64  `json:"exp"`
	Name     string `json:"name"`
	Picture  string `json:"picture"`
}

// Verify checks idToken with LINE and returns its claims.
func (v *LineVerifier) Verify(ctx context.Context, idToken string) (LineClaims, error) {
	idToken = strings.TrimSpace(idToken)
	if idToken == "" {
		return LineClaims{}, errMissingToken
	}

	form := url.Values{}
	form.Set("id_token", idToken)
	form.Set("client_id", v.channelID)

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return LineClaims{}, err
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	response, err := v.httpClient.Do(request)
	if err != nil {
		v.logger.Warn("line token verification request failed", zap.Error(err))
		return LineClaims{}, fmt.Errorf("auth: verify id token: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(response.Body, maxVerifyErrorBody))
		v.logger.Info("line rejected id token", zap.Int("status", response.StatusCode), zap.String("body", strings.TrimSpace(string(body))))
		return LineClaims{}, fmt.Errorf("%w: status %d", ErrTokenRejected, response.StatusCode)
	}

	var decoded lineVerifyResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return LineClaims{}, fmt.Errorf("auth: decode verify response: %w", err)
	}
	if decoded.Issuer != defaultLineIssuer {
		return LineClaims{}, fmt.Errorf("%w: %v", ErrTokenRejected, errUntrustedIssuer)
	}
	if decoded.Audience != v.channelID {
		return LineClaims{}, fmt.Errorf("%w: %v", ErrTokenRejected, errAudienceMismatch)
	}
	if strings.TrimSpace(decoded.Subject) == "" {
		return LineClaims{}, fmt.Errorf("%w: %v", ErrTokenRejected, errMissingSubject)
	}

	return LineClaims{
		Subject:  decoded.Subject,
		Name:     decoded.Name,
		Picture:  decoded.Picture,
		Audience: decoded.Audience,
		Expiry:   time.Unix(decoded.Expiry, 0).UTC(),
	}, nil
}
