package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/flatupgym/aika/internal/activitylog"
	"github.com/flatupgym/aika/internal/admission"
	"github.com/flatupgym/aika/internal/analysis"
	"github.com/flatupgym/aika/internal/assistant"
	"github.com/flatupgym/aika/internal/auth"
	"github.com/flatupgym/aika/internal/config"
	"github.com/flatupgym/aika/internal/conversation"
	"github.com/flatupgym/aika/internal/database"
	"github.com/flatupgym/aika/internal/logging"
	"github.com/flatupgym/aika/internal/messaging"
	"github.com/flatupgym/aika/internal/notes"
	"github.com/flatupgym/aika/internal/persona"
	"github.com/flatupgym/aika/internal/scheduler"
	"github.com/flatupgym/aika/internal/server"
	"github.com/flatupgym/aika/internal/storage"
	"github.com/flatupgym/aika/internal/users"
)

const (
	shutdownTimeout     = 30 * time.Second
	usageRetention      = 7 * 24 * time.Hour
	dailyResetSpec      = "0 0 * * *"
	retentionPruneSpec  = "30 3 * * *"
	usagePruneSpec      = "45 3 * * *"
	maintenanceJobLimit = 5 * time.Minute
)

var (
	cfgFile string
)

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "aika-api",
		Short: "AIKA coaching assistant backend",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("environment", defaults.GetString("app.environment"), "Environment (development, staging, production)")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("timezone", defaults.GetString("timezone"), "IANA timezone for the daily admission window")
	cmd.PersistentFlags().Int("daily-cap", defaults.GetInt("admission.daily_cap"), "Requests admitted per local day (0 disables the cap)")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "app.environment", "environment")
	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "timezone", "timezone")
	bindFlag(cmd, "admission.daily_cap", "daily-cap")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.IsDevelopment())
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	titles, err := users.ParseTitleTiers(appConfig.TitleTiers)
	if err != nil {
		return err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, titles, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	userService, err := users.NewService(users.ServiceConfig{Database: db, Titles: titles, Logger: logger})
	if err != nil {
		return err
	}
	noteService, err := notes.NewService(notes.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: notes.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	turnStore, err := conversation.NewStore(conversation.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	gate, err := admission.NewGate(admission.GateConfig{
		DailyCap: appConfig.AdmissionDailyCap,
		Location: appConfig.Location,
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	if err := gate.Restore(ctx); err != nil {
		logger.Warn("admission counter restore failed", zap.Error(err))
	}

	provider, closeProvider := newAnalysisProvider(ctx, appConfig, logger)
	defer closeProvider()
	analyzer, err := analysis.NewService(analysis.Config{
		Provider:     provider,
		Timeout:      appConfig.AnalysisTimeout,
		PollAttempts: appConfig.StagingPollAttempts,
		PollInterval: appConfig.StagingPollInterval,
		Fallbacks: analysis.Fallbacks{
			Image: appConfig.FallbackImage,
			Video: appConfig.FallbackVideo,
			Text:  appConfig.FallbackText,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	var personaClient persona.Client = persona.StaticClient{}
	if appConfig.DifyAPIKey != "" {
		personaClient = persona.NewDifyClient(persona.DifyConfig{
			BaseURL: appConfig.DifyBaseURL,
			APIKey:  appConfig.DifyAPIKey,
			Timeout: appConfig.DifyTimeout,
		})
	} else {
		logger.Warn("dify api key not configured; persona replies echo the analysis")
	}
	rewriter := persona.NewRewriter(persona.RewriterConfig{Client: personaClient, Logger: logger})

	messenger := newMessenger(appConfig, logger)
	objectStore := newObjectStore(ctx, appConfig, logger)

	dispatcher := server.NewRealtimeDispatcher()
	runner := assistant.NewRunner(assistant.RunnerConfig{
		MaxConcurrent: int64(appConfig.WorkerMaxConcurrent),
		TaskTimeout:   appConfig.WorkerTaskTimeout,
		Logger:        logger,
	})

	assistantConfig := assistant.Config{
		Users:         userService,
		Notes:         noteService,
		Conversations: turnStore,
		Analyzer:      analyzer,
		Rewriter:      rewriter,
		Gate:          gate,
		Messenger:     messenger,
		ActivityLog: activitylog.NewWebhookLogger(activitylog.WebhookConfig{
			URL:      appConfig.ActivityLogWebhookURL,
			Location: appConfig.Location,
			Logger:   logger,
		}),
		Events:     dispatcher,
		Runner:     runner,
		NotePoints: appConfig.NotePoints,
		Window:     appConfig.ConversationWindow,
		Apology:    rewriter.Apology(),
		Logger:     logger,
	}
	if objectStore != nil {
		assistantConfig.Objects = objectStore
	}
	assistantService, err := assistant.NewService(assistantConfig)
	if err != nil {
		return err
	}

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	deps := server.Dependencies{
		Assistant: assistantService,
		Users:     userService,
		Notes:     noteService,
		Signatures: messaging.NewSignatureVerifier(messaging.SignatureConfig{
			ChannelSecret: appConfig.LineChannelSecret,
			AllowUnsigned: appConfig.AllowUnsignedWebhooks,
			Logger:        logger,
		}),
		TokenManager: tokenManager,
		Realtime:     dispatcher,
		Logger:       logger,
	}
	if objectStore != nil {
		deps.Uploads = objectStore
	}
	if appConfig.LineChannelID != "" {
		lineVerifier, err := auth.NewLineVerifier(auth.LineVerifierConfig{ChannelID: appConfig.LineChannelID, Logger: logger})
		if err != nil {
			return err
		}
		deps.LineVerifier = lineVerifier
	}
	handler, err := server.NewHTTPHandler(deps)
	if err != nil {
		return err
	}

	jobs := scheduler.New(scheduler.Config{Location: appConfig.Location, JobTimeout: maintenanceJobLimit, Logger: logger})
	if err := registerMaintenanceJobs(jobs, appConfig, gate, turnStore); err != nil {
		return err
	}
	jobs.Start()
	defer jobs.Stop()

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("environment", appConfig.Environment),
			zap.Int("daily_cap", appConfig.AdmissionDailyCap))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		if err := runner.Wait(shutdownCtx); err != nil {
			logger.Warn("background work abandoned at shutdown", zap.Error(err))
		}
		return shutdownErr
	case err := <-errCh:
		return err
	}
}

func newAnalysisProvider(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (analysis.Provider, func()) {
	if appConfig.GeminiAPIKey == "" {
		logger.Warn("gemini api key not configured; analysis returns fallback copy")
		return analysis.NewUnconfiguredProvider(), func() {}
	}
	provider, err := analysis.NewGeminiProvider(ctx, analysis.GeminiConfig{
		APIKey: appConfig.GeminiAPIKey,
		Model:  appConfig.GeminiModel,
		Logger: logger,
	})
	if err != nil {
		logger.Error("gemini provider unavailable; analysis returns fallback copy", zap.Error(err))
		return analysis.NewUnconfiguredProvider(), func() {}
	}
	return provider, func() { _ = provider.Close() }
}

func newMessenger(appConfig config.AppConfig, logger *zap.Logger) messaging.Messenger {
	if appConfig.LineChannelSecret == "" || appConfig.LineChannelAccessToken == "" {
		logger.Warn("line channel not configured; outgoing messages are dropped")
		return messaging.NoopMessenger{Logger: logger}
	}
	client, err := messaging.NewLineClient(messaging.LineConfig{
		ChannelSecret:      appConfig.LineChannelSecret,
		ChannelAccessToken: appConfig.LineChannelAccessToken,
		Logger:             logger,
	})
	if err != nil {
		logger.Error("line client unavailable; outgoing messages are dropped", zap.Error(err))
		return messaging.NoopMessenger{Logger: logger}
	}
	return client
}

func newObjectStore(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) *storage.ObjectStore {
	if !appConfig.StorageConfigured() {
		logger.Warn("object storage not configured; uploads and media analysis are disabled")
		return nil
	}
	store, err := storage.NewObjectStore(ctx, storage.Config{
		Bucket:          appConfig.StorageBucket,
		Region:          appConfig.StorageRegion,
		Endpoint:        appConfig.StorageEndpoint,
		AccessKeyID:     appConfig.StorageAccessKeyID,
		SecretAccessKey: appConfig.StorageSecretAccessKey,
		UploadTTL:       appConfig.UploadTTL,
		Logger:          logger,
	})
	if err != nil {
		logger.Error("object storage unavailable", zap.Error(err))
		return nil
	}
	return store
}

func registerMaintenanceJobs(jobs *scheduler.Scheduler, appConfig config.AppConfig, gate *admission.Gate, turns *conversation.Store) error {
	if err := jobs.Register(scheduler.Job{
		Name: "admission_reset",
		Spec: dailyResetSpec,
		Run: func(context.Context) error {
			gate.Reset()
			return nil
		},
	}); err != nil {
		return err
	}
	if err := jobs.Register(scheduler.Job{
		Name: "admission_usage_prune",
		Spec: usagePruneSpec,
		Run: func(ctx context.Context) error {
			return gate.PruneBefore(ctx, time.Now().Add(-usageRetention))
		},
	}); err != nil {
		return err
	}
	if appConfig.ConversationRetentionDays <= 0 {
		return nil
	}
	retention := time.Duration(appConfig.ConversationRetentionDays) * 24 * time.Hour
	return jobs.Register(scheduler.Job{
		Name: "conversation_prune",
		Spec: retentionPruneSpec,
		Run: func(ctx context.Context) error {
			_, err := turns.PruneBefore(ctx, time.Now().Add(-retention))
			return err
		},
	})
}
