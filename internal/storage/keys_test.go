package storage

import (
	"errors"
	"testing"
	"time"
)

func TestObjectKeyScheme(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	testCases := []struct {
		category string
		fileName string
		want     string
	}{
		{category: "", fileName: "clip.mp4", want: "uploads/1700000000123_clip.mp4"},
		{category: "meals", fileName: "lunch.jpg", want: "meals/1700000000123_lunch.jpg"},
		{category: "uploads", fileName: "../../etc/passwd", want: "uploads/1700000000123_passwd"},
		{category: "uploads", fileName: `C:\Users\me\kick.mov`, want: "uploads/1700000000123_kick.mov"},
	}
	for _, testCase := range testCases {
		got, err := ObjectKey(testCase.category, testCase.fileName, at)
		if err != nil {
			t.Fatalf("ObjectKey(%q, %q) failed: %v", testCase.category, testCase.fileName, err)
		}
		if got != testCase.want {
			t.Fatalf("ObjectKey(%q, %q): got %q want %q", testCase.category, testCase.fileName, got, testCase.want)
		}
	}
}

func TestObjectKeyRejectsInvalidInput(t *testing.T) {
	if _, err := ObjectKey("Bad Category", "a.jpg", time.Now()); !errors.Is(err, ErrInvalidCategory) {
		t.Fatalf("expected ErrInvalidCategory, got %v", err)
	}
	for _, name := range []string{"", "  ", "..", "/"} {
		if _, err := ObjectKey("uploads", name, time.Now()); !errors.Is(err, ErrInvalidFileName) {
			t.Fatalf("file name %q: expected ErrInvalidFileName, got %v", name, err)
		}
	}
}
