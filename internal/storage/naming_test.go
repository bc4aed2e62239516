package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestExtractTitle(t *testing.T) {
	cases := []struct {
		content string
		want    string
	}{
		{"# Meeting Notes\n\nSome body", "Meeting Notes"},
		{"preamble\n\n# Second Line Title\n", "Second Line Title"},
		{"  # Indented Title\n", "Indented Title"},
		{"## Not an H1\n", ""},
		{"#NoSpace\n", ""},
		{"no heading at all", ""},
		{"", ""},
	}
	for _, c := range cases {
		if got := ExtractTitle(c.content); got != c.want {
			t.Errorf("ExtractTitle(%q) = %q, want %q", c.content, got, c.want)
		}
	}
}

func TestSlug(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"Meeting Notes", "meeting-notes"},
		{"1:1 with Sarah!", "1-1-with-sarah"},
		{"  spaced  out  ", "spaced-out"},
		{"Q3 Planning (draft)", "q3-planning-draft"},
		{"---", ""},
		{"", ""},
	}
	for _, c := range cases {
		if got := Slug(c.in); got != c.want {
			t.Errorf("Slug(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestFilename(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	if got := Filename("API Redesign", now); got != "2026-03-14-api-redesign.md" {
		t.Errorf("Filename = %q", got)
	}
	if got := Filename("!!!", now); got != "2026-03-14-untitled.md" {
		t.Errorf("Filename for empty slug = %q", got)
	}
}

func TestSuggestPath(t *testing.T) {
	content := "# Sprint Review\n\nnotes"
	got := SuggestPath("/ws/2026-03-14-untitled.md", content)
	if got == "" {
		t.Fatal("expected a suggested path")
	}
	if filepath.Dir(got) != "/ws" {
		t.Errorf("suggestion left the directory: %q", got)
	}
	if !strings.HasSuffix(got, "-sprint-review.md") {
		t.Errorf("suggestion = %q, want *-sprint-review.md", got)
	}

	if got := SuggestPath("/ws/anything.md", "no heading"); got != "" {
		t.Errorf("expected no suggestion without a title, got %q", got)
	}
}

func TestSuggestPathAlreadyNamed(t *testing.T) {
	content := "# Daily Standup\n"
	name := Filename("Daily Standup", time.Now())
	if got := SuggestPath(filepath.Join("/ws", name), content); got != "" {
		t.Errorf("expected no suggestion for already-correct name, got %q", got)
	}
}

func TestUniquePath(t *testing.T) {
	ws := t.TempDir()
	content := "# Standup\n"

	first := UniquePath(ws, content)
	if err := os.WriteFile(first, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	second := UniquePath(ws, content)
	if second == first {
		t.Fatalf("UniquePath reused taken path %q", first)
	}
	if !strings.HasSuffix(second, "-2.md") {
		t.Errorf("second path = %q, want -2.md suffix", second)
	}
}

func TestRenameNote(t *testing.T) {
	ws := t.TempDir()
	oldPath := filepath.Join(ws, "a.md")
	newPath := filepath.Join(ws, "b.md")
	if err := os.WriteFile(oldPath, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	final, err := RenameNote(oldPath, newPath)
	if err != nil {
		t.Fatal(err)
	}
	if final != newPath {
		t.Errorf("final = %q, want %q", final, newPath)
	}
	if FileExists(oldPath) {
		t.Error("old path still exists after rename")
	}
}

func TestRenameNoteConflict(t *testing.T) {
	ws := t.TempDir()
	oldPath := filepath.Join(ws, "a.md")
	newPath := filepath.Join(ws, "b.md")
	for _, p := range []string{oldPath, newPath} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	final, err := RenameNote(oldPath, newPath)
	if err != nil {
		t.Fatal(err)
	}
	if final != filepath.Join(ws, "b-1.md") {
		t.Errorf("final = %q, want b-1.md", final)
	}
	if !FileExists(newPath) {
		t.Error("conflict target was clobbered")
	}
}
