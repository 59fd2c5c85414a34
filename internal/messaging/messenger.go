package messaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/line/line-bot-sdk-go/v7/linebot"
	"go.uber.org/zap"
)

const maxContentBytes = 200 << 20

var (
	// ErrNotConfigured is returned by NoopMessenger for calls that need a real channel.
	ErrNotConfigured = errors.New("messaging: line channel is not configured")
	// ErrContentTooLarge is returned when downloaded media exceeds the accepted size.
	ErrContentTooLarge = errors.New("messaging: content exceeds size limit")
)

// Content is media downloaded from the messaging platform.
type Content struct {
	Data     []byte
	MIMEType string
}

// Messenger sends text to users and downloads media they sent.
type Messenger interface {
	Push(ctx context.Context, to, text string) error
	Reply(ctx context.Context, replyToken, text string) error
	Content(ctx context.Context, messageID string) (Content, error)
	DisplayName(ctx context.Context, userID string) (string, error)
}

// LineConfig configures LineClient.
type LineConfig struct {
	ChannelSecret      string
	ChannelAccessToken string
	Logger             *zap.Logger
}

// LineClient implements Messenger on the LINE Messaging API.
type LineClient struct {
	bot    *linebot.Client
	logger *zap.Logger
}

// NewLineClient constructs a client; both the secret and the access token are required.
func NewLineClient(cfg LineConfig) (*LineClient, error) {
	bot, err := linebot.New(cfg.ChannelSecret, cfg.ChannelAccessToken)
	if err != nil {
		return nil, fmt.Errorf("messaging: line client: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LineClient{bot: bot, logger: logger}, nil
}

func (c *LineClient) Push(ctx context.Context, to, text string) error {
	if _, err := c.bot.PushMessage(to, linebot.NewTextMessage(text)).WithContext(ctx).Do(); err != nil {
		c.logger.Error("line push failed", zap.String("to", to), zap.Error(err))
		return fmt.Errorf("messaging: push: %w", err)
	}
	return nil
}

func (c *LineClient) Reply(ctx context.Context, replyToken, text string) error {
	if _, err := c.bot.ReplyMessage(replyToken, linebot.NewTextMessage(text)).WithContext(ctx).Do(); err != nil {
		c.logger.Error("line reply failed", zap.Error(err))
		return fmt.Errorf("messaging: reply: %w", err)
	}
	return nil
}

func (c *LineClient) Content(ctx context.Context, messageID string) (Content, error) {
	response, err := c.bot.GetMessageContent(messageID).WithContext(ctx).Do()
	if err != nil {
		return Content{}, fmt.Errorf("messaging: get content: %w", err)
	}
	defer response.Content.Close()

	data, err := io.ReadAll(io.LimitReader(response.Content, maxContentBytes+1))
	if err != nil {
		return Content{}, fmt.Errorf("messaging: read content: %w", err)
	}
	if len(data) > maxContentBytes {
		return Content{}, ErrContentTooLarge
	}
	return Content{Data: data, MIMEType: response.ContentType}, nil
}

func (c *LineClient) DisplayName(ctx context.Context, userID string) (string, error) {
	profile, err := c.bot.GetProfile(userID).WithContext(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("messaging: get profile: %w", err)
	}
	return strings.TrimSpace(profile.DisplayName), nil
}

// NoopMessenger drops outgoing messages with a log line. It is used when no channel
// credentials are configured.
type NoopMessenger struct {
	Logger *zap.Logger
}

func (m NoopMessenger) Push(_ context.Context, to, text string) error {
	m.logger().Info("line push skipped", zap.String("to", to), zap.Int("length", len(text)))
	return nil
}

func (m NoopMessenger) Reply(_ context.Context, _, text string) error {
	m.logger().Info("line reply skipped", zap.Int("length", len(text)))
	return nil
}

func (m NoopMessenger) Content(context.Context, string) (Content, error) {
	return Content{}, ErrNotConfigured
}

func (m NoopMessenger) DisplayName(context.Context, string) (string, error) {
	return "", nil
}

func (m NoopMessenger) logger() *zap.Logger {
	if m.Logger == nil {
		return zap.NewNop()
	}
	return m.Logger
}

var (
	_ Messenger = (*LineClient)(nil)
	_ Messenger = NoopMessenger{}
)
