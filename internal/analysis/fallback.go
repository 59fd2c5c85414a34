package analysis

import "strings"

const (
	defaultImageFallback = "写真ありがとう！今ちょっと画像がよく見えなかったみたい。でも送ってくれた気持ちはしっかり受け取ったわ！次も期待してるわよ🔥"
	defaultVideoFallback = "動画ありがとう！解析に時間がかかっちゃってるみたい。でもフォームへの意識、ちゃんと伝わってるわ！少し時間をおいてもう一度送ってみて💪"
	defaultTextFallback  = "メッセージありがとう！今ちょっと考えがまとまらないみたい…でもあなたの頑張りはちゃんと見てるわよ！"
)

// Fallbacks holds the persona-consistent copy returned when analysis cannot complete.
type Fallbacks struct {
	Image string
	Video string
	Text  string
}

// DefaultFallbacks returns the built-in copy.
func DefaultFallbacks() Fallbacks {
	return Fallbacks{
		Image: defaultImageFallback,
		Video: defaultVideoFallback,
		Text:  defaultTextFallback,
	}
}

// WithDefaults fills blank entries from DefaultFallbacks.
func (f Fallbacks) WithDefaults() Fallbacks {
	defaults := DefaultFallbacks()
	if strings.TrimSpace(f.Image) == "" {
		f.Image = defaults.Image
	}
	if strings.TrimSpace(f.Video) == "" {
		f.Video = defaults.Video
	}
	if strings.TrimSpace(f.Text) == "" {
		f.Text = defaults.Text
	}
	return f
}

// For returns the copy for kind. Unknown kinds use the text copy.
func (f Fallbacks) For(kind MediaKind) string {
	filled := f.WithDefaults()
	switch kind {
	case KindImage:
		return filled.Image
	case KindVideo:
		return filled.Video
	default:
		return filled.Text
	}
}
