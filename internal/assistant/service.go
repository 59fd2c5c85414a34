package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/flatupgym/aika/internal/activitylog"
	"github.com/flatupgym/aika/internal/admission"
	"github.com/flatupgym/aika/internal/analysis"
	"github.com/flatupgym/aika/internal/conversation"
	"github.com/flatupgym/aika/internal/messaging"
	"github.com/flatupgym/aika/internal/notes"
	"github.com/flatupgym/aika/internal/persona"
)

const (
	opNewService      = "assistant.service.new"
	opSubmitNote      = "assistant.submit_note"
	opProcessNote     = "assistant.process_note"
	opAnalyzeMedia    = "assistant.analyze_media"
	opHandleMessage   = "assistant.handle_line_message"
	defaultNotePoints = 5
	defaultWindow     = 5

	// MediaSummary labels every media analysis result.
	MediaSummary = "AIKAからの分析結果"
	// NoteFailureMessage is pushed when background note processing fails.
	NoteFailureMessage = "【申し訳ありません】ノートの処理中にエラーが発生しました。"
	// LineUserContext tells the persona where a message came from.
	LineUserContext = "LINEトーク画面からの投稿"

	inputUserContext = "user_context"
	inputUserText    = "user_text"
)

// Prompts are the instructions sent to the analysis provider and the persona.
type Prompts struct {
	// Text is a format string receiving the user's message.
	Text string
	// Media is used for images and videos.
	Media string
	// NoteQuery is a format string receiving the formatted history and the note body.
	NoteQuery string
	// MessageQuery is a format string receiving the formatted history and the analysis.
	MessageQuery string
}

// DefaultPrompts returns the built-in prompt copy.
func DefaultPrompts() Prompts {
	return Prompts{
		Text:         "ユーザーからのメッセージを分析し、意図や重要なキーワードを抽出してください。\nメッセージ: %s",
		Media:        "専門的な観点（フォームや食材）から、客観的な事実と改善点を1つだけ簡潔に。",
		NoteQuery:    "これまでの会話:\n%s\n\n相談内容: %s",
		MessageQuery: "これまでの会話:\n%s\n\n解析結果: %s",
	}
}

func (p Prompts) withDefaults() Prompts {
	defaults := DefaultPrompts()
	if strings.TrimSpace(p.Text) == "" {
		p.Text = defaults.Text
	}
	if strings.TrimSpace(p.Media) == "" {
		p.Media = defaults.Media
	}
	if strings.TrimSpace(p.NoteQuery) == "" {
		p.NoteQuery = defaults.NoteQuery
	}
	if strings.TrimSpace(p.MessageQuery) == "" {
		p.MessageQuery = defaults.MessageQuery
	}
	return p
}

// NoteSubmission is a practice note posted from the LIFF front end.
type NoteSubmission struct {
	UserID   string
	UserName string
	Content  string
}

// NoteResult is what ProcessNote persisted and sent.
type NoteResult struct {
	NoteID string
	Reply  string
	Points int64
	Title  string
}

// MediaSubmission refers to an object uploaded through a presigned URL.
type MediaSubmission struct {
	UserID   string
	UserName string
	FileKey  string
	MIMEType string
}

// MediaResult is the synchronous analysis response.
type MediaResult struct {
	Summary     string `json:"summary"`
	Details     string `json:"details"`
	RawAnalysis string `json:"raw_analysis"`
}

// Config wires the assistant's collaborators.
type Config struct {
	Users         UserLedger
	Notes         NoteStore
	Conversations ConversationStore
	Analyzer      Analyzer
	Rewriter      Rewriter
	Gate          AdmissionGate
	Messenger     messaging.Messenger
	Objects       ObjectFetcher
	ActivityLog   activitylog.Logger
	Events        EventPublisher
	Runner        *Runner
	Prompts       Prompts
	NotePoints    int64
	Window        int
	Apology       string
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Service runs the note, media and LINE message flows.
type Service struct {
	users         UserLedger
	notes         NoteStore
	conversations ConversationStore
	analyzer      Analyzer
	rewriter      Rewriter
	gate          AdmissionGate
	messenger     messaging.Messenger
	objects       ObjectFetcher
	activity      activitylog.Logger
	events        EventPublisher
	runner        *Runner
	prompts       Prompts
	notePoints    int64
	window        int
	apology       string
	now           func() time.Time
	logger        *zap.Logger
}

// NewService validates required collaborators and applies defaults to the rest.
func NewService(cfg Config) (*Service, error) {
	switch {
	case cfg.Users == nil:
		return nil, newServiceError(opNewService, "missing_users", errors.New("user ledger is required"))
	case cfg.Notes == nil:
		return nil, newServiceError(opNewService, "missing_notes", errors.New("note store is required"))
	case cfg.Conversations == nil:
		return nil, newServiceError(opNewService, "missing_conversations", errors.New("conversation store is required"))
	case cfg.Analyzer == nil:
		return nil, newServiceError(opNewService, "missing_analyzer", errors.New("analyzer is required"))
	case cfg.Rewriter == nil:
		return nil, newServiceError(opNewService, "missing_rewriter", errors.New("rewriter is required"))
	case cfg.Gate == nil:
		return nil, newServiceError(opNewService, "missing_gate", errors.New("admission gate is required"))
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	messenger := cfg.Messenger
	if messenger == nil {
		messenger = messaging.NoopMessenger{Logger: logger}
	}
	activity := cfg.ActivityLog
	if activity == nil {
		activity = activitylog.Discard{}
	}
	events := cfg.Events
	if events == nil {
		events = noopPublisher{}
	}
	runner := cfg.Runner
	if runner == nil {
		runner = NewRunner(RunnerConfig{Logger: logger})
	}
	notePoints := cfg.NotePoints
	if notePoints <= 0 {
		notePoints = defaultNotePoints
	}
	window := cfg.Window
	if window <= 0 {
		window = defaultWindow
	}
	apology := cfg.Apology
	if strings.TrimSpace(apology) == "" {
		apology = persona.DefaultApology
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Service{
		users:         cfg.Users,
		notes:         cfg.Notes,
		conversations: cfg.Conversations,
		analyzer:      cfg.Analyzer,
		rewriter:      cfg.Rewriter,
		gate:          cfg.Gate,
		messenger:     messenger,
		objects:       cfg.Objects,
		activity:      activity,
		events:        events,
		runner:        runner,
		prompts:       cfg.Prompts.withDefaults(),
		notePoints:    notePoints,
		window:        window,
		apology:       apology,
		now:           clock,
		logger:        logger,
	}, nil
}

// SubmitNote admits a note and schedules ProcessNote after the caller has responded. It
// returns ErrAdmissionDenied without side effects when the daily gate is closed.
func (s *Service) SubmitNote(ctx context.Context, submission NoteSubmission) error {
	userID := strings.TrimSpace(submission.UserID)
	if userID == "" || strings.TrimSpace(submission.Content) == "" {
		return newServiceError(opSubmitNote, "validation", ErrInvalidSubmission)
	}
	if _, err := notes.NewContent(submission.Content); err != nil {
		return newServiceError(opSubmitNote, "validation", fmt.Errorf("%w: %v", ErrInvalidSubmission, err))
	}
	if !s.admit(ctx, opSubmitNote, admission.KindNote, userID) {
		return ErrAdmissionDenied
	}
	if _, err := s.users.GetOrCreateUser(ctx, userID, submission.UserName); err != nil {
		return newServiceError(opSubmitNote, "get_user", err)
	}

	submission.UserID = userID
	return s.runner.Go("process_note", func(taskCtx context.Context) {
		if err := s.processNoteSafely(taskCtx, submission); err != nil {
			s.logError(opProcessNote, "failed", err, zap.String("user_id", userID))
			s.NotifyNoteFailure(taskCtx, userID)
		}
	})
}

func (s *Service) processNoteSafely(ctx context.Context, submission NoteSubmission) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = newServiceError(opProcessNote, "panic", fmt.Errorf("%v", recovered))
		}
	}()
	_, err = s.ProcessNote(ctx, submission)
	return err
}

// ProcessNote answers a note in the persona voice, persists it, awards points and notifies the
// user. The user must already exist.
func (s *Service) ProcessNote(ctx context.Context, submission NoteSubmission) (NoteResult, error) {
	userID, err := notes.NewUserID(submission.UserID)
	if err != nil {
		return NoteResult{}, newServiceError(opProcessNote, "validation", err)
	}
	content, err := notes.NewContent(submission.Content)
	if err != nil {
		return NoteResult{}, newServiceError(opProcessNote, "validation", err)
	}

	history, err := s.conversations.RecentTurns(ctx, userID.String(), s.window)
	if err != nil {
		return NoteResult{}, newServiceError(opProcessNote, "history", err)
	}
	formatted := conversation.FormatContext(history)
	reply := s.rewriter.Rewrite(ctx, persona.Request{
		Inputs: map[string]string{
			persona.InputAnalysisResult: content.String(),
			persona.InputTaskType:       persona.TaskTypeFor(content.String()),
			persona.InputUserName:       submission.UserName,
			persona.InputHistory:        formatted,
		},
		Query:  fmt.Sprintf(s.prompts.NoteQuery, formatted, content.String()),
		UserID: userID.String(),
	}, content.String())

	note, err := s.notes.SaveNote(ctx, userID, content, reply)
	if err != nil {
		return NoteResult{}, newServiceError(opProcessNote, "save_note", err)
	}
	if err := s.appendExchange(ctx, userID.String(), content.String(), reply); err != nil {
		return NoteResult{}, newServiceError(opProcessNote, "conversation", err)
	}
	user, err := s.users.AddPoints(ctx, userID.String(), s.notePoints)
	if err != nil {
		return NoteResult{}, newServiceError(opProcessNote, "add_points", err)
	}

	if err := s.messenger.Push(ctx, userID.String(), reply); err != nil {
		s.logError(opProcessNote, "push_failed", err, zap.String("user_id", userID.String()))
	}
	s.activity.Log(ctx, activitylog.Entry{
		UserID:          userID.String(),
		InteractionType: activitylog.InteractionNote,
		UserContent:     content.String(),
		AIResponse:      reply,
		Timestamp:       s.now(),
	})
	s.events.PublishNoteProcessed(NoteEvent{
		UserID:    userID.String(),
		NoteID:    note.ID,
		Reply:     reply,
		Points:    user.Points,
		Title:     user.Title,
		CreatedAt: note.CreatedAt,
	})

	return NoteResult{NoteID: note.ID, Reply: reply, Points: user.Points, Title: user.Title}, nil
}

// NotifyNoteFailure pushes the failure copy to the user.
func (s *Service) NotifyNoteFailure(ctx context.Context, userID string) {
	if err := s.messenger.Push(ctx, userID, NoteFailureMessage); err != nil {
		s.logError(opProcessNote, "failure_push_failed", err, zap.String("user_id", userID))
	}
}

// AnalyzeMedia downloads an uploaded object, analyses it under the configured deadline and
// returns the persona reply alongside the raw analysis.
func (s *Service) AnalyzeMedia(ctx context.Context, submission MediaSubmission) (MediaResult, error) {
	userID := strings.TrimSpace(submission.UserID)
	fileKey := strings.TrimSpace(submission.FileKey)
	if userID == "" || fileKey == "" {
		return MediaResult{}, newServiceError(opAnalyzeMedia, "validation", ErrInvalidSubmission)
	}
	if s.objects == nil {
		return MediaResult{}, newServiceError(opAnalyzeMedia, "storage", ErrStorageUnavailable)
	}
	if !s.admit(ctx, opAnalyzeMedia, admission.KindAnalyze, userID) {
		return MediaResult{}, ErrAdmissionDenied
	}
	user, err := s.users.GetOrCreateUser(ctx, userID, submission.UserName)
	if err != nil {
		return MediaResult{}, newServiceError(opAnalyzeMedia, "get_user", err)
	}

	object, err := s.objects.Fetch(ctx, fileKey)
	if err != nil {
		s.logError(opAnalyzeMedia, "fetch_failed", err, zap.String("file_key", fileKey))
		return MediaResult{}, newServiceError(opAnalyzeMedia, "fetch", fmt.Errorf("%w: %v", ErrFetchFailed, err))
	}
	mimeType := strings.TrimSpace(submission.MIMEType)
	if mimeType == "" {
		mimeType = object.ContentType
	}
	kind, ok := mediaKindFor(mimeType)
	if !ok {
		return MediaResult{}, newServiceError(opAnalyzeMedia, "validation", fmt.Errorf("%w: %q", ErrUnsupportedMedia, mimeType))
	}

	raw := s.analyzer.Analyze(ctx, analysis.Request{
		Kind:        kind,
		MIMEType:    mimeType,
		Data:        object.Data,
		DisplayName: fileKey,
		Prompt:      s.prompts.Media,
	})
	history, err := s.conversations.RecentTurns(ctx, userID, s.window)
	if err != nil {
		return MediaResult{}, newServiceError(opAnalyzeMedia, "history", err)
	}
	formatted := conversation.FormatContext(history)
	details := s.rewriter.Rewrite(ctx, persona.Request{
		Inputs: map[string]string{
			persona.InputAnalysisResult: raw,
			persona.InputTaskType:       taskTypeForKind(kind),
			persona.InputUserName:       user.Name,
			persona.InputHistory:        formatted,
			persona.InputPoints:         fmt.Sprintf("%d", user.Points),
			persona.InputTitle:          user.Title,
		},
		Query:  fmt.Sprintf(s.prompts.MessageQuery, formatted, raw),
		UserID: userID,
	}, raw)

	s.activity.Log(ctx, activitylog.Entry{
		UserID:          userID,
		InteractionType: string(kind),
		UserContent:     "FileKey: " + fileKey,
		AIResponse:      details,
		Timestamp:       s.now(),
	})
	return MediaResult{Summary: MediaSummary, Details: details, RawAnalysis: raw}, nil
}

// HandleLineMessage answers one inbound LINE message with a reply. Failures after admission
// are answered with the apology copy and returned for logging.
func (s *Service) HandleLineMessage(ctx context.Context, message messaging.InboundMessage) error {
	switch message.Kind {
	case messaging.MessageText, messaging.MessageImage, messaging.MessageVideo:
	default:
		return nil
	}
	if strings.TrimSpace(message.UserID) == "" {
		return newServiceError(opHandleMessage, "validation", ErrInvalidSubmission)
	}
	if !s.admit(ctx, opHandleMessage, admission.KindWebhook, message.UserID) {
		if err := s.messenger.Reply(ctx, message.ReplyToken, admission.LimitMessage); err != nil {
			s.logError(opHandleMessage, "reply_failed", err, zap.String("user_id", message.UserID))
		}
		return ErrAdmissionDenied
	}

	answer, err := s.answerLineMessage(ctx, message)
	if err != nil {
		s.logError(opHandleMessage, "failed", err, zap.String("user_id", message.UserID))
		answer = s.apology
	}
	if replyErr := s.messenger.Reply(ctx, message.ReplyToken, answer); replyErr != nil {
		s.logError(opHandleMessage, "reply_failed", replyErr, zap.String("user_id", message.UserID))
		if err == nil {
			err = newServiceError(opHandleMessage, "reply", replyErr)
		}
	}
	return err
}

// DispatchLineMessages answers a webhook batch in the background, in order, on a context that
// outlives the webhook request. It returns ErrRunnerClosed during shutdown.
func (s *Service) DispatchLineMessages(messages []messaging.InboundMessage) error {
	if len(messages) == 0 {
		return nil
	}
	batch := append([]messaging.InboundMessage(nil), messages...)
	return s.runner.Go("line_messages", func(taskCtx context.Context) {
		for _, message := range batch {
			if err := s.HandleLineMessage(taskCtx, message); err != nil && !errors.Is(err, ErrAdmissionDenied) {
				s.logger.Warn("line message handling failed",
					zap.String("user_id", message.UserID),
					zap.String("kind", string(message.Kind)),
					zap.Error(err))
			}
		}
	})
}

func (s *Service) answerLineMessage(ctx context.Context, message messaging.InboundMessage) (string, error) {
	displayName, err := s.messenger.DisplayName(ctx, message.UserID)
	if err != nil {
		s.logger.Debug("display name unavailable", zap.String("user_id", message.UserID), zap.Error(err))
		displayName = ""
	}
	user, err := s.users.GetOrCreateUser(ctx, message.UserID, displayName)
	if err != nil {
		return "", newServiceError(opHandleMessage, "get_user", err)
	}

	request, userContent, err := s.analysisRequestFor(ctx, message)
	if err != nil {
		return "", err
	}
	raw := s.analyzer.Analyze(ctx, request)

	history, err := s.conversations.RecentTurns(ctx, user.ID, s.window)
	if err != nil {
		return "", newServiceError(opHandleMessage, "history", err)
	}
	formatted := conversation.FormatContext(history)
	answer := s.rewriter.Rewrite(ctx, persona.Request{
		Inputs: map[string]string{
			persona.InputAnalysisResult: raw,
			persona.InputTaskType:       string(message.Kind),
			persona.InputUserName:       user.Name,
			persona.InputHistory:        formatted,
			persona.InputPoints:         fmt.Sprintf("%d", user.Points),
			persona.InputTitle:          user.Title,
			inputUserContext:            LineUserContext,
			inputUserText:               message.Text,
		},
		Query:  fmt.Sprintf(s.prompts.MessageQuery, formatted, raw),
		UserID: user.ID,
	}, raw)

	if err := s.appendExchange(ctx, user.ID, userContent, answer); err != nil {
		return "", newServiceError(opHandleMessage, "conversation", err)
	}
	s.activity.Log(ctx, activitylog.Entry{
		UserID:          user.ID,
		InteractionType: string(message.Kind) + " (LINE)",
		UserContent:     userContent,
		AIResponse:      answer,
		Timestamp:       s.now(),
	})
	return answer, nil
}

func (s *Service) analysisRequestFor(ctx context.Context, message messaging.InboundMessage) (analysis.Request, string, error) {
	if message.Kind == messaging.MessageText {
		return analysis.Request{
			Kind:   analysis.KindText,
			Prompt: fmt.Sprintf(s.prompts.Text, message.Text),
		}, message.Text, nil
	}

	content, err := s.messenger.Content(ctx, message.MessageID)
	if err != nil {
		return analysis.Request{}, "", newServiceError(opHandleMessage, "download", err)
	}
	request := analysis.Request{
		Kind:        analysis.KindImage,
		MIMEType:    "image/jpeg",
		Data:        content.Data,
		DisplayName: message.MessageID,
		Prompt:      s.prompts.Media,
	}
	if message.Kind == messaging.MessageVideo {
		request.Kind = analysis.KindVideo
		request.MIMEType = "video/mp4"
	}
	if contentType := strings.TrimSpace(content.MIMEType); contentType != "" {
		request.MIMEType = contentType
	}
	return request, "MediaID: " + message.MessageID, nil
}

// admit counts one unit against the daily cap. Persistence failures are logged; the request
// stays admitted.
func (s *Service) admit(ctx context.Context, operation, kind, userID string) bool {
	admitted, err := s.gate.Admit(ctx, kind, 1)
	if err != nil {
		s.logError(operation, "record_usage", err, zap.String("user_id", userID))
	}
	return admitted
}

func (s *Service) appendExchange(ctx context.Context, userID, userMessage, reply string) error {
	if _, err := s.conversations.AppendTurn(ctx, userID, conversation.RoleUser, userMessage); err != nil {
		return err
	}
	_, err := s.conversations.AppendTurn(ctx, userID, conversation.RoleAssistant, reply)
	return err
}

func mediaKindFor(mimeType string) (analysis.MediaKind, bool) {
	normalized := strings.ToLower(strings.TrimSpace(mimeType))
	switch {
	case strings.HasPrefix(normalized, "image/"):
		return analysis.KindImage, true
	case strings.HasPrefix(normalized, "video/"):
		return analysis.KindVideo, true
	default:
		return "", false
	}
}

func taskTypeForKind(kind analysis.MediaKind) string {
	if kind == analysis.KindVideo {
		return persona.TaskVideoAnalysis
	}
	return persona.TaskImageAnalysis
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
	s.logger.Error("assistant service error", attrs...)
}
