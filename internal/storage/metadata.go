package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// NoteMeta is the sidecar record kept alongside each note under .meta/.
type NoteMeta struct {
	ID      string       `json:"id"`
	Version int          `json:"version"`
	File    FileMeta     `json:"file"`
	Session *SessionMeta `json:"session,omitempty"`
}

type FileMeta struct {
	Name    string    `json:"name"`
	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

// SessionMeta records the most recent editing session for a note.
type SessionMeta struct {
	ID              string    `json:"id"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
	DurationMinutes int       `json:"duration_minutes"`
}

// MetaPath maps a note path to its sidecar path under the workspace
// .meta/ directory, mirroring the note's relative location.
func MetaPath(workspace, notePath string) string {
	rel, err := filepath.Rel(workspace, notePath)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = filepath.Base(notePath)
	}
	return filepath.Join(workspace, ".meta", rel+".json")
}

// NewNoteMeta builds fresh metadata for a note created now.
func NewNoteMeta(notePath string, now time.Time) *NoteMeta {
	stem := strings.TrimSuffix(filepath.Base(notePath), filepath.Ext(notePath))
	return &NoteMeta{
		ID:      fmt.Sprintf("%s-%d", stem, now.Unix()),
		Version: 1,
		File: FileMeta{
			Name:    filepath.Base(notePath),
			Created: now.UTC(),
			Updated: now.UTC(),
		},
	}
}

// LoadMeta reads the sidecar for a note. Returns os.ErrNotExist when
// no sidecar has been written yet.
func LoadMeta(workspace, notePath string) (*NoteMeta, error) {
	data, err := os.ReadFile(MetaPath(workspace, notePath))
	if err != nil {
		return nil, err
	}
	var meta NoteMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse metadata for %s: %w", notePath, err)
	}
	return &meta, nil
}

// SaveMeta writes the sidecar, bumping Updated to now.
func SaveMeta(workspace, notePath string, meta *NoteMeta, now time.Time) error {
	meta.File.Updated = now.UTC()
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata for %s: %w", notePath, err)
	}
	path := MetaPath(workspace, notePath)
	if err := EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	return WriteFileAtomic(path, string(data))
}

// TouchMeta updates the session record and version on an existing
// sidecar, creating one if the note predates metadata tracking.
func TouchMeta(workspace, notePath string, session *SessionMeta, now time.Time) error {
	meta, err := LoadMeta(workspace, notePath)
	if err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		meta = NewNoteMeta(notePath, now)
	} else {
		meta.Version++
	}
	if session != nil {
		meta.Session = session
	}
	return SaveMeta(workspace, notePath, meta, now)
}
