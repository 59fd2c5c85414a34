package storage

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
)

// DefaultCategory is used when an upload request names no category.
const DefaultCategory = "uploads"

var (
	// ErrInvalidCategory rejects categories outside [a-z0-9_-]+.
	ErrInvalidCategory = errors.New("storage: invalid category")
	// ErrInvalidFileName rejects empty file names.
	ErrInvalidFileName = errors.New("storage: invalid file name")

	categoryPattern = regexp.MustCompile(`^[a-z0-9_-]+$`)
)

// ObjectKey builds "{category}/{unix_millis}_{filename}". The file name is reduced to its base
// name so clients cannot address other prefixes.
func ObjectKey(category, fileName string, at time.Time) (string, error) {
	category = strings.TrimSpace(category)
	if category == "" {
		category = DefaultCategory
	}
	if !categoryPattern.MatchString(category) {
		return "", fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(fileName), `\`, "/"))
	if base == "" || base == "." || base == "/" || base == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidFileName, fileName)
	}
	return fmt.Sprintf("%s/%d_%s", category, at.UnixMilli(), base), nil
}
