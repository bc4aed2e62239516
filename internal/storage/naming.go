package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"
)

// ExtractTitle returns the first H1 heading in markdown content.
func ExtractTitle(content string) string {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			return strings.TrimSpace(trimmed[2:])
		}
	}
	return ""
}

// Slug converts a title to a URL-friendly slug: lowercase,
// non-alphanumerics collapsed to single dashes.
func Slug(title string) string {
	var b strings.Builder
	prevDash := false
	for _, r := range strings.ToLower(title) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			prevDash = false
		} else if !prevDash {
			b.WriteByte('-')
			prevDash = true
		}
	}
	return strings.Trim(b.String(), "-")
}

// Filename builds a date-prefixed note filename from a title.
func Filename(title string, now time.Time) string {
	date := now.UTC().Format("2006-01-02")
	slug := Slug(title)
	if slug == "" {
		return date + "-untitled.md"
	}
	return date + "-" + slug + ".md"
}

// SuggestPath proposes a new path for a note based on its H1 heading.
// Returns "" when no rename is needed (no title, or already named right).
func SuggestPath(currentPath, content string) string {
	title := ExtractTitle(content)
	if title == "" {
		return ""
	}
	newName := Filename(title, time.Now())
	if filepath.Base(currentPath) == newName {
		return ""
	}
	return filepath.Join(filepath.Dir(currentPath), newName)
}

// UniquePath returns a path under workspace for new content, adding a
// numeric suffix when the natural name is taken.
func UniquePath(workspace, content string) string {
	title := ExtractTitle(content)
	if title == "" {
		title = "untitled"
	}
	base := filepath.Join(workspace, Filename(title, time.Now()))
	if !FileExists(base) {
		return base
	}

	stem := strings.TrimSuffix(filepath.Base(base), ".md")
	for i := 2; i <= 100; i++ {
		candidate := filepath.Join(workspace, fmt.Sprintf("%s-%d.md", stem, i))
		if !FileExists(candidate) {
			return candidate
		}
	}
	ts := time.Now().UTC().Format("150405")
	return filepath.Join(workspace, fmt.Sprintf("%s-%s.md", stem, ts))
}

// RenameNote moves a note, resolving conflicts with a numeric suffix.
// Returns the final path.
func RenameNote(oldPath, newPath string) (string, error) {
	if oldPath == newPath {
		return oldPath, nil
	}

	final := newPath
	if FileExists(newPath) {
		stem := strings.TrimSuffix(filepath.Base(newPath), filepath.Ext(newPath))
		ext := filepath.Ext(newPath)
		dir := filepath.Dir(newPath)
		found := false
		for i := 1; i <= 100; i++ {
			candidate := filepath.Join(dir, fmt.Sprintf("%s-%d%s", stem, i, ext))
			if !FileExists(candidate) {
				final = candidate
				found = true
				break
			}
		}
		if !found {
			return "", fmt.Errorf("rename %s: too many name conflicts", newPath)
		}
	}

	if err := os.Rename(oldPath, final); err != nil {
		return "", fmt.Errorf("rename %s: %w", oldPath, err)
	}
	return final, nil
}
