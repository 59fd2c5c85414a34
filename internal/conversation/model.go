package conversation

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"

	legacyRoleAI = "ai"
)

// ErrInvalidRole is returned for roles outside user/assistant.
var ErrInvalidRole = errors.New("conversation: invalid role")

// ParseRole normalizes stored role strings. The legacy "ai" spelling maps to RoleAssistant.
func ParseRole(raw string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(RoleUser):
		return RoleUser, nil
	case string(RoleAssistant), legacyRoleAI:
		return RoleAssistant, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, raw)
	}
}

// Turn is one message in a user's conversation history.
type Turn struct {
	ID        uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	UserID    string    `gorm:"column:user_id;size:190;not null;index:idx_turns_user_created,priority:1"`
	Message   string    `gorm:"column:message;type:text;not null"`
	Role      Role      `gorm:"column:role;size:16;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null;index:idx_turns_user_created,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Turn) TableName() string {
	return "conversation_turns"
}
