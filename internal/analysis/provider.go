package analysis

import (
	"context"
	"errors"
	"io"
)

// MediaKind selects the analysis path and the fallback copy.
type MediaKind string

const (
	KindImage MediaKind = "image"
	KindVideo MediaKind = "video"
	KindText  MediaKind = "text"
)

// FileState mirrors the provider's processing state for staged media.
type FileState string

const (
	FileStateProcessing FileState = "processing"
	FileStateActive     FileState = "active"
	FileStateFailed     FileState = "failed"
)

var (
	// ErrProviderNotConfigured is returned by every call of the unconfigured provider.
	ErrProviderNotConfigured = errors.New("analysis: provider is not configured")
	// ErrStagingFailed reports that the provider rejected staged media.
	ErrStagingFailed = errors.New("analysis: staged media processing failed")
	// ErrStagingTimeout reports that staged media never left the processing state.
	ErrStagingTimeout = errors.New("analysis: staged media still processing after polling")
)

// StagedFile identifies media uploaded to the provider's staging area.
type StagedFile struct {
	Name     string
	URI      string
	MIMEType string
	State    FileState
}

// StageInput is the content handed to Provider.Stage.
type StageInput struct {
	MIMEType    string
	DisplayName string
	Content     io.Reader
}

// Provider is the content-understanding backend.
type Provider interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
	GenerateInline(ctx context.Context, prompt, mimeType string, data []byte) (string, error)
	Stage(ctx context.Context, input StageInput) (StagedFile, error)
	Status(ctx context.Context, name string) (StagedFile, error)
	GenerateStaged(ctx context.Context, prompt string, file StagedFile) (string, error)
	DeleteStaged(ctx context.Context, name string) error
}

type unconfiguredProvider struct{}

// NewUnconfiguredProvider returns a Provider that fails every call, so callers always receive
// fallback copy.
func NewUnconfiguredProvider() Provider {
	return unconfiguredProvider{}
}

func (unconfiguredProvider) GenerateText(context.Context, string) (string, error) {
	return "", ErrProviderNotConfigured
}

func (unconfiguredProvider) GenerateInline(context.Context, string, string, []byte) (string, error) {
	return "", ErrProviderNotConfigured
}

func (unconfiguredProvider) Stage(context.Context, StageInput) (StagedFile, error) {
	return StagedFile{}, ErrProviderNotConfigured
}

func (unconfiguredProvider) Status(context.Context, string) (StagedFile, error) {
	return StagedFile{}, ErrProviderNotConfigured
}

func (unconfiguredProvider) GenerateStaged(context.Context, string, StagedFile) (string, error) {
	return "", ErrProviderNotConfigured
}

func (unconfiguredProvider) DeleteStaged(context.Context, string) error {
	return ErrProviderNotConfigured
}
