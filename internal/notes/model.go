package notes

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	maxIdentifierLength = 190
	// MaxContentLength bounds the note body accepted from clients.
	MaxContentLength = 10000
)

var (
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("notes: invalid user id")
	// ErrInvalidContent indicates an empty or oversized note body.
	ErrInvalidContent = errors.New("notes: invalid content")
)

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Content is a validated note body.
type Content string

// NewContent trims the body and enforces length bounds.
func NewContent(rawInput string) (Content, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidContent)
	}
	if len([]rune(trimmed)) > MaxContentLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidContent, MaxContentLength)
	}
	return Content(trimmed), nil
}

// String returns the note body.
func (c Content) String() string {
	return string(c)
}

// Note is an immutable practice note together with the persona reply it produced.
type Note struct {
	ID             string    `gorm:"column:id;primaryKey;size:64;not null" json:"id"`
	UserID         string    `gorm:"column:user_id;size:190;not null;index:idx_notes_user_created,priority:1" json:"user_id"`
	Content        string    `gorm:"column:content;type:text;not null" json:"content"`
	AnalysisResult *string   `gorm:"column:analysis_result;type:text" json:"analysis_result"`
	CreatedAt      time.Time `gorm:"column:created_at;not null;index:idx_notes_user_created,priority:2" json:"created_at"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "notes"
}
