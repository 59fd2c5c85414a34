package assistant

import (
	"context"
	"time"

	"github.com/flatupgym/aika/internal/analysis"
	"github.com/flatupgym/aika/internal/conversation"
	"github.com/flatupgym/aika/internal/notes"
	"github.com/flatupgym/aika/internal/persona"
	"github.com/flatupgym/aika/internal/storage"
	"github.com/flatupgym/aika/internal/users"
)

// UserLedger is the subset of the user service the assistant needs.
type UserLedger interface {
	GetOrCreateUser(ctx context.Context, userID, displayName string) (users.User, error)
	AddPoints(ctx context.Context, userID string, delta int64) (users.User, error)
}

// NoteStore persists practice notes.
type NoteStore interface {
	SaveNote(ctx context.Context, userID notes.UserID, content notes.Content, analysisResult string) (notes.Note, error)
}

// ConversationStore keeps short-term memory.
type ConversationStore interface {
	AppendTurn(ctx context.Context, userID string, role conversation.Role, message string) (conversation.Turn, error)
	RecentTurns(ctx context.Context, userID string, limit int) ([]conversation.Turn, error)
}

// Analyzer runs bounded analysis calls.
type Analyzer interface {
	Analyze(ctx context.Context, request analysis.Request) string
}

// Rewriter produces the persona reply.
type Rewriter interface {
	Rewrite(ctx context.Context, request persona.Request, rawAnalysis string) string
}

// AdmissionGate sheds load once the daily cap is reached. Admit must check and count in one
// step; a false result means nothing was counted.
type AdmissionGate interface {
	Admit(ctx context.Context, kind string, cost int) (bool, error)
}

// ObjectFetcher downloads uploaded media.
type ObjectFetcher interface {
	Fetch(ctx context.Context, key string) (storage.Object, error)
}

// NoteEvent is published after a note has been answered.
type NoteEvent struct {
	UserID    string    `json:"userId"`
	NoteID    string    `json:"noteId"`
	Reply     string    `json:"reply"`
	Points    int64     `json:"points"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
}

// EventPublisher fans note events out to connected clients.
type EventPublisher interface {
	PublishNoteProcessed(event NoteEvent)
}

type noopPublisher struct{}

func (noopPublisher) PublishNoteProcessed(NoteEvent) {}
