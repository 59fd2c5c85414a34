package conversation

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
	// ErrMissingUserID is returned when a turn has no owner.
	ErrMissingUserID = errors.New("conversation: user id is required")

	errMissingDatabase = errors.New("conversation: database handle is required")
)

// StoreConfig describes the dependencies of Store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store keeps the short-term conversation memory per user.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore validates the configuration.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// AppendTurn records one message.
func (s *Store) AppendTurn(ctx context.Context, userID string, role Role, message string) (Turn, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Turn{}, ErrMissingUserID
	}
	if _, err := ParseRole(string(role)); err != nil {
		return Turn{}, err
	}
	turn := Turn{
		UserID:    userID,
		Message:   message,
		Role:      role,
		CreatedAt: s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&turn).Error; err != nil {
		s.logger.Error("append conversation turn failed", zap.String("user_id", userID), zap.Error(err))
		return Turn{}, fmt.Errorf("conversation: append turn: %w", err)
	}
	return turn, nil
}

// RecentTurns returns up to limit most recent turns in chronological order.
func (s *Store) RecentTurns(ctx context.Context, userID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		return []Turn{}, nil
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrMissingUserID
	}

	var turns []Turn
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&turns).Error
	if err != nil {
		s.logger.Error("load conversation turns failed", zap.String("user_id", userID), zap.Error(err))
		return nil, fmt.Errorf("conversation: recent turns: %w", err)
	}

	for left, right := 0, len(turns)-1; left < right; left, right = left+1, right-1 {
		turns[left], turns[right] = turns[right], turns[left]
	}
	for index := range turns {
		if role, err := ParseRole(string(turns[index].Role)); err == nil {
			turns[index].Role = role
		}
	}
	return turns, nil
}

// PruneBefore deletes every turn created before cutoff and reports how many were removed.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff.UTC()).
		Delete(&Turn{})
	if result.Error != nil {
		s.logger.Error("prune conversation turns failed", zap.Time("cutoff", cutoff), zap.Error(result.Error))
		return 0, fmt.Errorf("conversation: prune: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		s.logger.Info("conversation turns pruned", zap.Int64("count", result.RowsAffected), zap.Time("cutoff", cutoff))
	}
	return result.RowsAffected, nil
}

// FormatContext renders turns as "{role}: {text}" lines for the persona prompt.
func FormatContext(turns []Turn) string {
	lines := make([]string, 0, len(turns))
	for _, turn := range turns {
		lines = append(lines, fmt.Sprintf("%s: %s", turn.Role, turn.Message))
	}
	return strings.Join(lines, "\n")
}
