package persona

import (
	"context"
	"errors"
	"testing"
)

type clientFunc func(ctx context.Context, request Request) (string, error)

func (f clientFunc) Complete(ctx context.Context, request Request) (string, error) {
	return f(ctx, request)
}

func TestRewriteReturnsPersonaAnswer(t *testing.T) {
	calls := 0
	rewriter := NewRewriter(RewriterConfig{Client: clientFunc(func(context.Context, Request) (string, error) {
		calls++
		return "ナイスファイト！", nil
	})})
	if got := rewriter.Rewrite(context.Background(), Request{UserID: "U1"}, "raw"); got != "ナイスファイト！" {
		t.Fatalf("unexpected rewrite %q", got)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one attempt, got %d", calls)
	}
}

func TestRewriteFallsBackToRawAnalysis(t *testing.T) {
	calls := 0
	rewriter := NewRewriter(RewriterConfig{Client: clientFunc(func(context.Context, Request) (string, error) {
		calls++
		return "", errors.New("dify down")
	})})
	got := rewriter.Rewrite(context.Background(), Request{}, "  膝を伸ばして  ")
	if got != "膝を伸ばして"+DefaultNotice {
		t.Fatalf("unexpected fallback %q", got)
	}
	if calls != 1 {
		t.Fatalf("expected no retries, got %d attempts", calls)
	}
}

func TestRewriteFallsBackToApology(t *testing.T) {
	rewriter := NewRewriter(RewriterConfig{Client: clientFunc(func(context.Context, Request) (string, error) {
		return "", errors.New("dify down")
	})})
	if got := rewriter.Rewrite(context.Background(), Request{}, ""); got != DefaultApology {
		t.Fatalf("expected apology, got %q", got)
	}
}

func TestRewriteSurvivesPanickingClient(t *testing.T) {
	rewriter := NewRewriter(RewriterConfig{Client: clientFunc(func(context.Context, Request) (string, error) {
		panic("nil map")
	})})
	if got := rewriter.Rewrite(context.Background(), Request{}, "raw"); got != "raw"+DefaultNotice {
		t.Fatalf("unexpected fallback %q", got)
	}
}

func TestRewriteTreatsBlankAnswerAsFailure(t *testing.T) {
	rewriter := NewRewriter(RewriterConfig{
		Client: clientFunc(func(context.Context, Request) (string, error) { return " ", nil }),
		Notice: "（通知）",
	})
	if got := rewriter.Rewrite(context.Background(), Request{}, "raw"); got != "raw（通知）" {
		t.Fatalf("unexpected fallback %q", got)
	}
}

func TestTaskTypeFor(t *testing.T) {
	if got := TaskTypeFor("今日の食事はサラダ"); got != TaskImageAnalysis {
		t.Fatalf("expected image analysis task, got %q", got)
	}
	if got := TaskTypeFor("ミット打ち100回"); got != TaskNormalChat {
		t.Fatalf("expected normal chat task, got %q", got)
	}
}
