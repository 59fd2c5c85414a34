package users

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	maxIdentifierLength = 190
	// DefaultDisplayName is stored when the first contact carries no display name.
	DefaultDisplayName = "ゲスト"
)

// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
var ErrInvalidUserID = errors.New("users: invalid user id")

// User is the persisted gamification state for one LINE user.
type User struct {
	ID        string    `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	Name      string    `gorm:"column:name;size:320;not null;default:''" json:"name"`
	Points    int64     `gorm:"column:points;not null;default:0" json:"points"`
	Title     string    `gorm:"column:title;size:64;not null" json:"title"`
	CreatedAt time.Time `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null" json:"updated_at"`
}

// TableName exposes the table backing users.
func (User) TableName() string {
	return "users"
}

// NormalizeUserID trims the identifier and enforces storage bounds.
func NormalizeUserID(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return trimmed, nil
}

func normalizeName(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return DefaultDisplayName
	}
	return trimmed
}
