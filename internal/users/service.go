package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrUserNotFound is returned when an operation targets a user that was never created.
	ErrUserNotFound = errors.New("users: user not found")
	// ErrNegativeDelta rejects point changes that would lower a total.
	ErrNegativeDelta = errors.New("users: point delta must not be negative")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opServiceNew      = "users.service.new"
	opGetOrCreateUser = "users.get_or_create"
	opGetUser         = "users.get"
	opAddPoints       = "users.add_points"
)

// ServiceError carries a dotted operation.reason code alongside the cause.
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

// Code returns the operation.reason identifier.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: operation + "." + reason, err: cause}
}

// ServiceConfig describes the dependencies required by the user ledger.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Titles   TitleTable
	Logger   *zap.Logger
}

// Service owns user records and the point/title ledger.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	titles TitleTable
	logger *zap.Logger
}

// NewService constructs the user ledger.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	titles := cfg.Titles
	if len(titles.tiers) == 0 {
		titles = DefaultTitleTable()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		titles: titles,
		logger: logger,
	}, nil
}

// Titles exposes the tier table in use.
func (s *Service) Titles() TitleTable {
	return s.titles
}

// GetOrCreateUser returns the stored user, inserting it with zero points on first contact.
// Repeated calls never overwrite an existing record.
func (s *Service) GetOrCreateUser(ctx context.Context, rawUserID, displayName string) (User, error) {
	if s.db == nil {
		return User{}, newServiceError(opGetOrCreateUser, "missing_database", errMissingDatabase)
	}
	userID, err := NormalizeUserID(rawUserID)
	if err != nil {
		return User{}, newServiceError(opGetOrCreateUser, "invalid_user_id", err)
	}

	now := s.now().UTC()
	candidate := User{
		ID:        userID,
		Name:      normalizeName(displayName),
		Points:    0,
		Title:     s.titles.TitleFor(0),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&candidate).Error; err != nil {
		s.logError(opGetOrCreateUser, "insert_failed", err, zap.String("user_id", userID))
		return User{}, newServiceError(opGetOrCreateUser, "insert_failed", err)
	}

	var stored User
	if err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&stored).Error; err != nil {
		s.logError(opGetOrCreateUser, "select_failed", err, zap.String("user_id", userID))
		return User{}, newServiceError(opGetOrCreateUser, "select_failed", err)
	}
	return stored, nil
}

// GetUser loads a user without creating it.
func (s *Service) GetUser(ctx context.Context, rawUserID string) (User, error) {
	if s.db == nil {
		return User{}, newServiceError(opGetUser, "missing_database", errMissingDatabase)
	}
	userID, err := NormalizeUserID(rawUserID)
	if err != nil {
		return User{}, newServiceError(opGetUser, "invalid_user_id", err)
	}

	var stored User
	err = s.db.WithContext(ctx).Where("id = ?", userID).Take(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, newServiceError(opGetUser, "not_found", ErrUserNotFound)
	}
	if err != nil {
		s.logError(opGetUser, "select_failed", err, zap.String("user_id", userID))
		return User{}, newServiceError(opGetUser, "select_failed", err)
	}
	return stored, nil
}

// AddPoints atomically increments the user's total and recomputes the title from the new
// total. Unknown users are reported with ErrUserNotFound and nothing is written.
func (s *Service) AddPoints(ctx context.Context, rawUserID string, delta int64) (User, error) {
	if s.db == nil {
		return User{}, newServiceError(opAddPoints, "missing_database", errMissingDatabase)
	}
	if delta < 0 {
		return User{}, newServiceError(opAddPoints, "negative_delta", ErrNegativeDelta)
	}
	userID, err := NormalizeUserID(rawUserID)
	if err != nil {
		return User{}, newServiceError(opAddPoints, "invalid_user_id", err)
	}

	var updated User
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&User{}).
			Where("id = ?", userID).
			Updates(map[string]interface{}{
				"points":     gorm.Expr("points + ?", delta),
				"updated_at": s.now().UTC(),
			})
		if result.Error != nil {
			s.logError(opAddPoints, "update_failed", result.Error, zap.String("user_id", userID))
			return newServiceError(opAddPoints, "update_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return newServiceError(opAddPoints, "not_found", ErrUserNotFound)
		}

		if err := tx.Where("id = ?", userID).Take(&updated).Error; err != nil {
			s.logError(opAddPoints, "select_failed", err, zap.String("user_id", userID))
			return newServiceError(opAddPoints, "select_failed", err)
		}

		title := s.titles.TitleFor(updated.Points)
		if title == updated.Title {
			return nil
		}
		if err := tx.Model(&User{}).Where("id = ?", userID).Update("title", title).Error; err != nil {
			s.logError(opAddPoints, "title_update_failed", err, zap.String("user_id", userID))
			return newServiceError(opAddPoints, "title_update_failed", err)
		}
		s.logger.Info("user title changed",
			zap.String("user_id", userID),
			zap.String("from", updated.Title),
			zap.String("to", title),
			zap.Int64("points", updated.Points))
		updated.Title = title
		return nil
	})
	if txErr != nil {
		return User{}, txErr
	}
	return updated, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("users service error", attrs...)
}
