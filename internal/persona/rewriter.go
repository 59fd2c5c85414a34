package persona

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// Input keys understood by the persona workflow.
const (
	InputAnalysisResult = "analysis_result"
	InputUserName       = "user_name"
	InputTaskType       = "task_type"
	InputHistory        = "conversation_history"
	InputPoints         = "points"
	InputTitle          = "title"
)

// Task types sent as InputTaskType.
const (
	TaskNormalChat    = "normal_chat"
	TaskImageAnalysis = "image_analysis"
	TaskVideoAnalysis = "video_analysis"
)

const (
	// DefaultNotice is appended to the raw analysis when the persona call fails.
	DefaultNotice = "\n\n（※通信状況により、AIKAからの特別メッセージが届きにくいみたい。でも内容はしっかり確認したわよ！🔥）"
	// DefaultApology is returned when both the persona call and the analysis are unavailable.
	DefaultApology = "ごめんね、うまくお返事できなかったみたい…💦\nもう一度送ってみてくれるかな？"
)

// RewriterConfig configures Rewriter.
type RewriterConfig struct {
	Client  Client
	Notice  string
	Apology string
	Logger  *zap.Logger
}

// Rewriter turns analysis text into the persona voice and never fails.
type Rewriter struct {
	client  Client
	notice  string
	apology string
	logger  *zap.Logger
}

// NewRewriter applies defaults. A nil Client behaves like StaticClient.
func NewRewriter(cfg RewriterConfig) *Rewriter {
	client := cfg.Client
	if client == nil {
		client = StaticClient{}
	}
	notice := cfg.Notice
	if notice == "" {
		notice = DefaultNotice
	}
	apology := cfg.Apology
	if apology == "" {
		apology = DefaultApology
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Rewriter{client: client, notice: notice, apology: apology, logger: logger}
}

// Rewrite makes one attempt. On failure it returns rawAnalysis followed by the notice, or the
// apology when rawAnalysis is blank.
func (r *Rewriter) Rewrite(ctx context.Context, request Request, rawAnalysis string) string {
	answer, err := r.complete(ctx, request)
	if err == nil {
		return answer
	}
	r.logger.Warn("persona rewrite fell back", zap.String("user_id", request.UserID), zap.Error(err))
	raw := strings.TrimSpace(rawAnalysis)
	if raw == "" {
		return r.apology
	}
	return raw + r.notice
}

// Apology returns the canned apology copy.
func (r *Rewriter) Apology() string {
	return r.apology
}

func (r *Rewriter) complete(ctx context.Context, request Request) (answer string, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			answer = ""
			err = errPanicked
		}
	}()
	answer, err = r.client.Complete(ctx, request)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(answer) == "" {
		return "", ErrEmptyAnswer
	}
	return answer, nil
}

// TaskTypeFor selects the task type for a free-text note: notes about meals (食事) are routed to
// image analysis, everything else is normal chat.
func TaskTypeFor(content string) string {
	if strings.Contains(content, "食事") {
		return TaskImageAnalysis
	}
	return TaskNormalChat
}
