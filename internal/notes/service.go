package notes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "notes.service.new"
	opSaveNote   = "notes.save_note"
	opListNotes  = "notes.list_notes"

	defaultListLimit = 20
	maxListLimit     = 100
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

type IDProvider interface {
	NewID() (string, error)
}

type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// SaveNote appends a note. analysisResult may be empty, in which case the column stays NULL.
func (s *Service) SaveNote(ctx context.Context, userID UserID, content Content, analysisResult string) (Note, error) {
	if s.db == nil {
		s.logError(opSaveNote, "missing_database", errMissingDatabase)
		return Note{}, newServiceError(opSaveNote, "missing_database", errMissingDatabase)
	}
	if userID == "" {
		return Note{}, newServiceError(opSaveNote, "invalid_user_id", ErrInvalidUserID)
	}
	if content == "" {
		return Note{}, newServiceError(opSaveNote, "invalid_content", ErrInvalidContent)
	}

	noteID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opSaveNote, "id_generation_failed", err, zap.String("user_id", userID.String()))
		return Note{}, newServiceError(opSaveNote, "id_generation_failed", err)
	}

	note := Note{
		ID:        noteID,
		UserID:    userID.String(),
		Content:   content.String(),
		CreatedAt: s.clock().UTC(),
	}
	if trimmed := strings.TrimSpace(analysisResult); trimmed != "" {
		note.AnalysisResult = &trimmed
	}

	if err := s.db.WithContext(ctx).Create(&note).Error; err != nil {
		s.logError(opSaveNote, "insert_failed", err, zap.String("user_id", userID.String()))
		return Note{}, newServiceError(opSaveNote, "insert_failed", err)
	}
	return note, nil
}

// ListNotes returns the user's most recent notes, newest first.
func (s *Service) ListNotes(ctx context.Context, userID UserID, limit int) ([]Note, error) {
	if s.db == nil {
		s.logError(opListNotes, "missing_database", errMissingDatabase)
		return nil, newServiceError(opListNotes, "missing_database", errMissingDatabase)
	}
	if userID == "" {
		return nil, newServiceError(opListNotes, "invalid_user_id", ErrInvalidUserID)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	var records []Note
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		s.logError(opListNotes, "query_failed", err, zap.String("user_id", userID.String()))
		return nil, newServiceError(opListNotes, "query_failed", err)
	}
	return records, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	if s == nil || s.logger == nil {
		return
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("notes service error", attrs...)
}
