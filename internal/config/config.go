package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/flatupgym/aika/internal/users"
)

const (
	envPrefix = "AIKA"

	// EnvironmentDevelopment enables development-only switches such as unsigned webhooks.
	EnvironmentDevelopment = "development"
	// EnvironmentProduction is the default environment.
	EnvironmentProduction = "production"

	defaultEnvironment         = EnvironmentProduction
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabasePath        = "aika.db"
	defaultLogLevel            = "info"
	defaultTimezone            = "Asia/Tokyo"
	defaultGeminiModel         = "gemini-2.0-flash"
	defaultAnalysisTimeout     = 25 * time.Second
	defaultStagingPollAttempts = 30
	defaultStagingPollInterval = 5 * time.Second
	defaultDifyBaseURL         = "https://api.dify.ai/v1"
	defaultDifyTimeout         = 60 * time.Second
	defaultStorageRegion       = "auto"
	defaultUploadTTL           = 15 * time.Minute
	defaultDailyCap            = 500
	defaultNotePoints          = 5
	defaultConversationWindow  = 5
	defaultTokenTTLMinutes     = 60 * 24
	defaultWorkerConcurrency   = 8
	defaultWorkerTaskTimeout   = 3 * time.Minute
)

var defaultTitleTiers = []string{"0=ルーキー", "100=ファイター", "500=エリート会員", "1000=伝説の相棒"}

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	Environment  string
	HTTPAddress  string
	DatabasePath string
	LogLevel     string
	Location     *time.Location

	LineChannelID          string
	LineChannelSecret      string
	LineChannelAccessToken string
	AllowUnsignedWebhooks  bool

	GeminiAPIKey        string
	GeminiModel         string
	AnalysisTimeout     time.Duration
	StagingPollAttempts int
	StagingPollInterval time.Duration
	FallbackImage       string
	FallbackVideo       string
	FallbackText        string

	DifyBaseURL string
	DifyAPIKey  string
	DifyTimeout time.Duration

	StorageBucket          string
	StorageRegion          string
	StorageEndpoint        string
	StorageAccessKeyID     string
	StorageSecretAccessKey string
	UploadTTL              time.Duration

	ActivityLogWebhookURL string

	AdmissionDailyCap int
	NotePoints        int64

	ConversationWindow        int
	ConversationRetentionDays int

	TitleTiers []string

	SigningSecret string
	TokenTTL      time.Duration

	WorkerMaxConcurrent int
	WorkerTaskTimeout   time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("app.environment", defaultEnvironment)
	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("timezone", defaultTimezone)

	configViper.SetDefault("line.channel_id", "")
	configViper.SetDefault("line.channel_secret", "")
	configViper.SetDefault("line.channel_access_token", "")
	configViper.SetDefault("line.allow_unsigned_webhooks", false)

	configViper.SetDefault("gemini.api_key", "")
	configViper.SetDefault("gemini.model", defaultGeminiModel)
	configViper.SetDefault("analysis.timeout", defaultAnalysisTimeout)
	configViper.SetDefault("analysis.staging_poll_attempts", defaultStagingPollAttempts)
	configViper.SetDefault("analysis.staging_poll_interval", defaultStagingPollInterval)
	configViper.SetDefault("analysis.fallback.image", "")
	configViper.SetDefault("analysis.fallback.video", "")
	configViper.SetDefault("analysis.fallback.text", "")

	configViper.SetDefault("dify.base_url", defaultDifyBaseURL)
	configViper.SetDefault("dify.api_key", "")
	configViper.SetDefault("dify.timeout", defaultDifyTimeout)

	configViper.SetDefault("storage.bucket", "")
	configViper.SetDefault("storage.region", defaultStorageRegion)
	configViper.SetDefault("storage.endpoint", "")
	configViper.SetDefault("storage.access_key_id", "")
	configViper.SetDefault("storage.secret_access_key", "")
	configViper.SetDefault("storage.upload_ttl", defaultUploadTTL)

	configViper.SetDefault("activity_log.webhook_url", "")

	configViper.SetDefault("admission.daily_cap", defaultDailyCap)
	configViper.SetDefault("points.note", defaultNotePoints)
	configViper.SetDefault("conversation.window", defaultConversationWindow)
	configViper.SetDefault("conversation.retention_days", 0)
	configViper.SetDefault("titles.tiers", defaultTitleTiers)

	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)

	configViper.SetDefault("worker.max_concurrent", defaultWorkerConcurrency)
	configViper.SetDefault("worker.task_timeout", defaultWorkerTaskTimeout)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	environment := strings.ToLower(strings.TrimSpace(configViper.GetString("app.environment")))
	if environment == "" {
		environment = defaultEnvironment
	}

	location, err := time.LoadLocation(strings.TrimSpace(configViper.GetString("timezone")))
	if err != nil {
		return AppConfig{}, fmt.Errorf("timezone is invalid: %w", err)
	}

	cfg := AppConfig{
		Environment:  environment,
		HTTPAddress:  configViper.GetString("http.address"),
		DatabasePath: configViper.GetString("database.path"),
		LogLevel:     configViper.GetString("log.level"),
		Location:     location,

		LineChannelID:          strings.TrimSpace(configViper.GetString("line.channel_id")),
		LineChannelSecret:      strings.TrimSpace(configViper.GetString("line.channel_secret")),
		LineChannelAccessToken: strings.TrimSpace(configViper.GetString("line.channel_access_token")),
		AllowUnsignedWebhooks:  configViper.GetBool("line.allow_unsigned_webhooks") && environment == EnvironmentDevelopment,

		GeminiAPIKey:        strings.TrimSpace(configViper.GetString("gemini.api_key")),
		GeminiModel:         strings.TrimSpace(configViper.GetString("gemini.model")),
		AnalysisTimeout:     configViper.GetDuration("analysis.timeout"),
		StagingPollAttempts: configViper.GetInt("analysis.staging_poll_attempts"),
		StagingPollInterval: configViper.GetDuration("analysis.staging_poll_interval"),
		FallbackImage:       configViper.GetString("analysis.fallback.image"),
		FallbackVideo:       configViper.GetString("analysis.fallback.video"),
		FallbackText:        configViper.GetString("analysis.fallback.text"),

		DifyBaseURL: strings.TrimRight(strings.TrimSpace(configViper.GetString("dify.base_url")), "/"),
		DifyAPIKey:  strings.TrimSpace(configViper.GetString("dify.api_key")),
		DifyTimeout: configViper.GetDuration("dify.timeout"),

		StorageBucket:          strings.TrimSpace(configViper.GetString("storage.bucket")),
		StorageRegion:          strings.TrimSpace(configViper.GetString("storage.region")),
		StorageEndpoint:        strings.TrimSpace(configViper.GetString("storage.endpoint")),
		StorageAccessKeyID:     strings.TrimSpace(configViper.GetString("storage.access_key_id")),
		StorageSecretAccessKey: strings.TrimSpace(configViper.GetString("storage.secret_access_key")),
		UploadTTL:              configViper.GetDuration("storage.upload_ttl"),

		ActivityLogWebhookURL: strings.TrimSpace(configViper.GetString("activity_log.webhook_url")),

		AdmissionDailyCap: configViper.GetInt("admission.daily_cap"),
		NotePoints:        configViper.GetInt64("points.note"),

		ConversationWindow:        configViper.GetInt("conversation.window"),
		ConversationRetentionDays: configViper.GetInt("conversation.retention_days"),

		TitleTiers: splitList(configViper.GetStringSlice("titles.tiers")),

		SigningSecret: configViper.GetString("auth.signing_secret"),
		TokenTTL:      time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,

		WorkerMaxConcurrent: configViper.GetInt("worker.max_concurrent"),
		WorkerTaskTimeout:   configViper.GetDuration("worker.task_timeout"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// IsDevelopment reports whether development-only behaviour may be enabled.
func (c AppConfig) IsDevelopment() bool {
	return c.Environment == EnvironmentDevelopment
}

// StorageConfigured reports whether presigned uploads and object fetches are available.
func (c AppConfig) StorageConfigured() bool {
	return c.StorageBucket != "" && c.StorageAccessKeyID != "" && c.StorageSecretAccessKey != ""
}

func (c AppConfig) validate() error {
	switch c.Environment {
	case EnvironmentDevelopment, EnvironmentProduction, "staging":
	default:
		return fmt.Errorf("app.environment %q is not supported", c.Environment)
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.AnalysisTimeout <= 0 {
		return fmt.Errorf("analysis.timeout must be positive")
	}
	if c.StagingPollAttempts <= 0 {
		return fmt.Errorf("analysis.staging_poll_attempts must be positive")
	}
	if c.StagingPollInterval < 0 {
		return fmt.Errorf("analysis.staging_poll_interval must not be negative")
	}
	if c.NotePoints <= 0 {
		return fmt.Errorf("points.note must be positive")
	}
	if c.ConversationWindow <= 0 {
		return fmt.Errorf("conversation.window must be positive")
	}
	if c.ConversationRetentionDays < 0 {
		return fmt.Errorf("conversation.retention_days must not be negative")
	}
	if len(c.TitleTiers) == 0 {
		return fmt.Errorf("titles.tiers is required")
	}
	if _, err := users.ParseTitleTiers(c.TitleTiers); err != nil {
		return fmt.Errorf("titles.tiers: %w", err)
	}
	if c.WorkerMaxConcurrent <= 0 {
		return fmt.Errorf("worker.max_concurrent must be positive")
	}
	if c.StorageBucket != "" && c.StorageEndpoint == "" && c.StorageRegion == defaultStorageRegion {
		return fmt.Errorf("storage.endpoint is required when storage.region is %q", defaultStorageRegion)
	}
	return nil
}

// splitList flattens comma separated values. Environment variables reach viper as a single
// string, so "0=a,100=b" arrives as one element.
func splitList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}
