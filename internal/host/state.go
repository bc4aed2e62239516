package host

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
)

// State is what the host knows about the editor: the open file, the
// workspace, and the latest processing outcome reported by the agent.
type State struct {
	mu sync.RWMutex

	currentFilePath    string
	currentFileContent string
	workspacePath      string

	lastProcessingResult json.RawMessage
	lastProcessingError  string
}

func NewState() *State {
	return &State{}
}

// SetWorkspace records the open workspace root.
func (s *State) SetWorkspace(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workspacePath = path
}

// Workspace returns the open workspace root, or "".
func (s *State) Workspace() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workspacePath
}

// SetCurrentFile records the open note and its buffer content.
func (s *State) SetCurrentFile(path, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentFilePath = path
	s.currentFileContent = content
}

// ClearCurrentFile marks no note as open.
func (s *State) ClearCurrentFile() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentFilePath = ""
	s.currentFileContent = ""
}

// CurrentFile returns the open note's path and content.
func (s *State) CurrentFile() (path, content string, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.currentFilePath == "" {
		return "", "", false
	}
	return s.currentFilePath, s.currentFileContent, true
}

// RelativePath maps the open note's path under the workspace. Falls
// back to the base name when the note lives elsewhere.
func (s *State) RelativePath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.currentFilePath == "" {
		return ""
	}
	if s.workspacePath != "" {
		if rel, err := filepath.Rel(s.workspacePath, s.currentFilePath); err == nil && !strings.HasPrefix(rel, "..") {
			return filepath.ToSlash(rel)
		}
	}
	return filepath.Base(s.currentFilePath)
}

// SetProcessingResult stores the agent's latest successful result and
// clears any prior error.
func (s *State) SetProcessingResult(result json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastProcessingResult = result
	s.lastProcessingError = ""
}

// SetProcessingError stores the agent's latest failure.
func (s *State) SetProcessingError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastProcessingError = msg
}

// LastProcessing returns the most recent result and error.
func (s *State) LastProcessing() (json.RawMessage, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastProcessingResult, s.lastProcessingError
}
