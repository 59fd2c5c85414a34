package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

const defaultGeminiModel = "gemini-2.0-flash"

// GeminiConfig configures the Gemini provider.
type GeminiConfig struct {
	APIKey string
	Model  string
	Logger *zap.Logger
}

// GeminiProvider implements Provider on the Gemini generative API and its file API.
type GeminiProvider struct {
	client    *genai.Client
	modelName string
	logger    *zap.Logger
}

// NewGeminiProvider dials the Gemini API.
func NewGeminiProvider(ctx context.Context, cfg GeminiConfig) (*GeminiProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrProviderNotConfigured
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	modelName := strings.TrimSpace(cfg.Model)
	if modelName == "" {
		modelName = defaultGeminiModel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GeminiProvider{client: client, modelName: modelName, logger: logger}, nil
}

// Close releases the underlying client.
func (g *GeminiProvider) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

// GenerateText sends a text-only prompt.
func (g *GeminiProvider) GenerateText(ctx context.Context, prompt string) (string, error) {
	return g.generate(ctx, genai.Text(prompt))
}

// GenerateInline sends the prompt with the media bytes attached inline.
func (g *GeminiProvider) GenerateInline(ctx context.Context, prompt, mimeType string, data []byte) (string, error) {
	return g.generate(ctx, genai.Blob{MIMEType: mimeType, Data: data}, genai.Text(prompt))
}

// Stage uploads media to the file API so it can be referenced by URI.
func (g *GeminiProvider) Stage(ctx context.Context, input StageInput) (StagedFile, error) {
	file, err := g.client.UploadFile(ctx, "", input.Content, &genai.UploadFileOptions{
		DisplayName: input.DisplayName,
		MIMEType:    input.MIMEType,
	})
	if err != nil {
		return StagedFile{}, fmt.Errorf("gemini upload: %w", err)
	}
	g.logger.Debug("gemini file uploaded", zap.String("file", file.Name), zap.String("uri", file.URI))
	return toStagedFile(file), nil
}

// Status reports the processing state of a staged file.
func (g *GeminiProvider) Status(ctx context.Context, name string) (StagedFile, error) {
	file, err := g.client.GetFile(ctx, name)
	if err != nil {
		return StagedFile{}, fmt.Errorf("gemini get file: %w", err)
	}
	return toStagedFile(file), nil
}

// GenerateStaged sends the prompt referencing an active staged file.
func (g *GeminiProvider) GenerateStaged(ctx context.Context, prompt string, file StagedFile) (string, error) {
	return g.generate(ctx, genai.FileData{MIMEType: file.MIMEType, URI: file.URI}, genai.Text(prompt))
}

// DeleteStaged removes a staged file from the file API.
func (g *GeminiProvider) DeleteStaged(ctx context.Context, name string) error {
	if err := g.client.DeleteFile(ctx, name); err != nil {
		return fmt.Errorf("gemini delete file: %w", err)
	}
	return nil
}

func (g *GeminiProvider) generate(ctx context.Context, parts ...genai.Part) (string, error) {
	model := g.client.GenerativeModel(g.modelName)
	resp, err := model.GenerateContent(ctx, parts...)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	return responseText(resp)
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errors.New("gemini generate: no candidates")
	}
	var builder strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			builder.WriteString(string(text))
		}
	}
	return builder.String(), nil
}

func toStagedFile(file *genai.File) StagedFile {
	if file == nil {
		return StagedFile{State: FileStateFailed}
	}
	staged := StagedFile{Name: file.Name, URI: file.URI, MIMEType: file.MIMEType}
	switch file.State {
	case genai.FileStateActive:
		staged.State = FileStateActive
	case genai.FileStateFailed:
		staged.State = FileStateFailed
	default:
		staged.State = FileStateProcessing
	}
	return staged
}

var _ Provider = (*GeminiProvider)(nil)
