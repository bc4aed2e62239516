package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ProcessedNoteInfo summarizes one processed-output envelope under
// .chronicle/processed/.
type ProcessedNoteInfo struct {
	NotePath      string   `json:"notePath"`
	NoteName      string   `json:"noteName"`
	ProcessedPath string   `json:"processedPath"`
	TLDR          string   `json:"tldr,omitempty"`
	Tags          []string `json:"tags"`
	ActionCount   int      `json:"actionCount"`
	QuestionCount int      `json:"questionCount"`
	ProcessedAt   string   `json:"processedAt,omitempty"`
}

// ListProcessedNotes reads every processing envelope in
// .chronicle/processed/ and returns their summaries, most recently
// processed first. A missing processed directory is an empty list, not
// an error; unreadable or non-JSON entries are skipped.
func ListProcessedNotes(workspace string) ([]ProcessedNoteInfo, error) {
	dir := filepath.Join(workspace, ChronicleDirName, "processed")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read processed dir: %w", err)
	}

	var notes []ProcessedNoteInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		var envelope struct {
			TLDR        string   `json:"tldr"`
			Tags        []string `json:"tags"`
			ActionItems []any    `json:"actionItems"`
			Questions   []any    `json:"questions"`
			ProcessedAt string   `json:"processedAt"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		noteName := strings.TrimSuffix(entry.Name(), ".json")
		notes = append(notes, ProcessedNoteInfo{
			NotePath:      noteName + ".md",
			NoteName:      noteName,
			ProcessedPath: path,
			TLDR:          envelope.TLDR,
			Tags:          envelope.Tags,
			ActionCount:   len(envelope.ActionItems),
			QuestionCount: len(envelope.Questions),
			ProcessedAt:   envelope.ProcessedAt,
		})
	}

	// RFC 3339 timestamps sort lexically; entries without one sink to
	// the end.
	sort.SliceStable(notes, func(i, j int) bool {
		return notes[i].ProcessedAt > notes[j].ProcessedAt
	})
	return notes, nil
}
