package messaging

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"

	"go.uber.org/zap"
)

// SignatureHeader carries the webhook body signature.
const SignatureHeader = "X-Line-Signature"

var (
	// ErrMissingChannelSecret rejects webhooks when no secret is configured and unsigned
	// delivery has not been explicitly allowed.
	ErrMissingChannelSecret = errors.New("messaging: channel secret is not configured")
	// ErrInvalidSignature rejects webhooks whose signature does not match the body.
	ErrInvalidSignature = errors.New("messaging: invalid webhook signature")
)

// SignatureConfig configures SignatureVerifier. AllowUnsigned must only be set in development.
type SignatureConfig struct {
	ChannelSecret string
	AllowUnsigned bool
	Logger        *zap.Logger
}

// SignatureVerifier checks HMAC-SHA256 webhook signatures.
type SignatureVerifier struct {
	secret        []byte
	allowUnsigned bool
	logger        *zap.Logger
}

// NewSignatureVerifier constructs a verifier.
func NewSignatureVerifier(cfg SignatureConfig) *SignatureVerifier {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SignatureVerifier{
		secret:        []byte(strings.TrimSpace(cfg.ChannelSecret)),
		allowUnsigned: cfg.AllowUnsigned,
		logger:        logger,
	}
}

// Verify compares the base64 HMAC of body with signature in constant time.
func (v *SignatureVerifier) Verify(body []byte, signature string) error {
	if len(v.secret) == 0 {
		if v.allowUnsigned {
			v.logger.Warn("accepting unsigned webhook: channel secret is not configured")
			return nil
		}
		return ErrMissingChannelSecret
	}
	provided, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(provided) == 0 {
		return ErrInvalidSignature
	}
	if !hmac.Equal(provided, Sign(v.secret, body)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign returns the raw HMAC-SHA256 of body.
func Sign(secret, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}
