package analysis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultTimeout        = 25 * time.Second
	defaultPollAttempts   = 30
	defaultPollInterval   = 5 * time.Second
	defaultCleanupTimeout = 10 * time.Second
)

var (
	errMissingProvider = errors.New("analysis: provider is required")
	errProviderPanic   = errors.New("analysis: provider panicked")
	errEmptyAnalysis   = errors.New("analysis: provider returned empty text")
)

// Request describes one analysis. Video requests, and any request carrying FilePath, go
// through the staged protocol; other media is sent inline.
type Request struct {
	Kind        MediaKind
	MIMEType    string
	Data        []byte
	FilePath    string
	DisplayName string
	Prompt      string
}

// Outcome is the result of Run. Text is never empty.
type Outcome struct {
	Text     string
	Fallback bool
	Cause    error
}

// Config describes the analysis service.
type Config struct {
	Provider       Provider
	Timeout        time.Duration
	PollAttempts   int
	PollInterval   time.Duration
	CleanupTimeout time.Duration
	Fallbacks      Fallbacks
	Logger         *zap.Logger
}

// Service runs provider calls under a hard deadline and substitutes fallback copy on failure.
type Service struct {
	provider       Provider
	timeout        time.Duration
	pollAttempts   int
	pollInterval   time.Duration
	cleanupTimeout time.Duration
	fallbacks      Fallbacks
	logger         *zap.Logger
}

// NewService validates the configuration and applies defaults.
func NewService(cfg Config) (*Service, error) {
	if cfg.Provider == nil {
		return nil, errMissingProvider
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	pollAttempts := cfg.PollAttempts
	if pollAttempts <= 0 {
		pollAttempts = defaultPollAttempts
	}
	pollInterval := cfg.PollInterval
	if pollInterval < 0 {
		pollInterval = defaultPollInterval
	}
	cleanupTimeout := cfg.CleanupTimeout
	if cleanupTimeout <= 0 {
		cleanupTimeout = defaultCleanupTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		provider:       cfg.Provider,
		timeout:        timeout,
		pollAttempts:   pollAttempts,
		pollInterval:   pollInterval,
		cleanupTimeout: cleanupTimeout,
		fallbacks:      cfg.Fallbacks.WithDefaults(),
		logger:         logger,
	}, nil
}

// Analyze returns the analysis text or the fallback copy for the request's media kind.
func (s *Service) Analyze(ctx context.Context, request Request) string {
	return s.Run(ctx, request).Text
}

// Run races the provider call against the deadline. The losing call is cancelled through its
// context. Run never panics and never returns empty text.
func (s *Service) Run(ctx context.Context, request Request) Outcome {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type callResult struct {
		text string
		err  error
	}
	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				done <- callResult{err: fmt.Errorf("%w: %v", errProviderPanic, recovered)}
			}
		}()
		text, err := s.invoke(callCtx, request)
		done <- callResult{text: text, err: err}
	}()

	select {
	case result := <-done:
		if result.err != nil {
			return s.fallback(request, result.err)
		}
		text := strings.TrimSpace(result.text)
		if text == "" {
			return s.fallback(request, errEmptyAnalysis)
		}
		return Outcome{Text: text}
	case <-callCtx.Done():
		return s.fallback(request, callCtx.Err())
	}
}

func (s *Service) fallback(request Request, cause error) Outcome {
	s.logger.Warn("analysis fell back",
		zap.String("kind", string(request.Kind)),
		zap.String("mime_type", request.MIMEType),
		zap.Error(cause))
	return Outcome{Text: s.fallbacks.For(request.Kind), Fallback: true, Cause: cause}
}

func (s *Service) invoke(ctx context.Context, request Request) (string, error) {
	switch {
	case request.Kind == KindVideo || request.FilePath != "":
		return s.analyzeStaged(ctx, request)
	case request.Kind == KindText || len(request.Data) == 0:
		return s.provider.GenerateText(ctx, request.Prompt)
	default:
		return s.provider.GenerateInline(ctx, request.Prompt, request.MIMEType, request.Data)
	}
}

func (s *Service) analyzeStaged(ctx context.Context, request Request) (string, error) {
	content, closeContent, err := openContent(request)
	if err != nil {
		return "", err
	}
	defer closeContent()

	displayName := request.DisplayName
	if displayName == "" {
		displayName = fmt.Sprintf("aika_%s_%d", request.Kind, time.Now().UnixMilli())
	}
	staged, err := s.provider.Stage(ctx, StageInput{
		MIMEType:    request.MIMEType,
		DisplayName: displayName,
		Content:     content,
	})
	if err != nil {
		return "", fmt.Errorf("analysis: stage media: %w", err)
	}
	defer s.deleteStaged(ctx, staged.Name)

	ready, err := s.awaitActive(ctx, staged)
	if err != nil {
		return "", err
	}
	return s.provider.GenerateStaged(ctx, request.Prompt, ready)
}

func (s *Service) awaitActive(ctx context.Context, staged StagedFile) (StagedFile, error) {
	current := staged
	for attempt := 0; current.State == FileStateProcessing; attempt++ {
		if attempt >= s.pollAttempts {
			return StagedFile{}, fmt.Errorf("%w: %d attempts", ErrStagingTimeout, s.pollAttempts)
		}
		timer := time.NewTimer(s.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return StagedFile{}, ctx.Err()
		case <-timer.C:
		}
		next, err := s.provider.Status(ctx, staged.Name)
		if err != nil {
			return StagedFile{}, fmt.Errorf("analysis: poll staged media: %w", err)
		}
		current = next
	}
	if current.State == FileStateFailed {
		return StagedFile{}, ErrStagingFailed
	}
	return current, nil
}

// deleteStaged runs on a context detached from request cancellation so a timed-out analysis
// still releases the staged media.
func (s *Service) deleteStaged(parent context.Context, name string) {
	if name == "" {
		return
	}
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.cleanupTimeout)
	defer cancel()
	if err := s.provider.DeleteStaged(cleanupCtx, name); err != nil {
		s.logger.Warn("staged media cleanup failed", zap.String("file", name), zap.Error(err))
	}
}

func openContent(request Request) (io.Reader, func(), error) {
	if request.FilePath == "" {
		return bytes.NewReader(request.Data), func() {}, nil
	}
	file, err := os.Open(request.FilePath)
	if err != nil {
		return nil, nil, fmt.Errorf("analysis: open media: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
