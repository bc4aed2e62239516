package storage

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	// maxSearchLineLength caps matched line and context length in
	// search results.
	maxSearchLineLength = 200

	// DefaultMaxSearchResults caps a search when the caller does not.
	DefaultMaxSearchResults = 50
)

// searchSkipDirs are never descended into during a workspace search.
var searchSkipDirs = map[string]bool{
	".meta":          true,
	".raw":           true,
	ChronicleDirName: true,
	".git":           true,
	".claude":        true,
	"node_modules":   true,
}

// SearchResult is one matched line with its surrounding context.
type SearchResult struct {
	FilePath      string `json:"filePath"`
	FileName      string `json:"fileName"`
	LineNumber    int    `json:"lineNumber"`
	LineContent   string `json:"lineContent"`
	ContextBefore string `json:"contextBefore"`
	ContextAfter  string `json:"contextAfter"`
}

// SearchNotes scans the workspace's markdown files for query,
// case-insensitive, newest files first. Results carry the matched line
// (1-indexed) plus one line of context either side, each truncated to
// 200 characters. An empty query matches nothing.
func SearchNotes(workspace, query string, maxResults int) ([]SearchResult, error) {
	if query == "" {
		return nil, nil
	}
	info, err := os.Stat(workspace)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("workspace %s is not a directory", workspace)
	}
	if maxResults <= 0 {
		maxResults = DefaultMaxSearchResults
	}
	queryLower := strings.ToLower(query)

	type mdFile struct {
		path  string
		mtime time.Time
	}
	var files []mdFile

	err = filepath.WalkDir(workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		name := d.Name()
		if d.IsDir() {
			if path != workspace && (strings.HasPrefix(name, ".") || searchSkipDirs[name]) {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.EqualFold(filepath.Ext(name), ".md") {
			return nil
		}
		var mtime time.Time
		if fi, err := d.Info(); err == nil {
			mtime = fi.ModTime()
		}
		files = append(files, mdFile{path: path, mtime: mtime})
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Newest first, so the cap keeps the most relevant notes.
	sort.Slice(files, func(i, j int) bool {
		return files[i].mtime.After(files[j].mtime)
	})

	var results []SearchResult
	for _, f := range files {
		if len(results) >= maxResults {
			break
		}
		content, err := ReadFile(f.path)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(workspace, f.path)
		if err != nil {
			rel = f.path
		}

		lines := strings.Split(content, "\n")
		for i, line := range lines {
			if len(results) >= maxResults {
				break
			}
			if !strings.Contains(strings.ToLower(line), queryLower) {
				continue
			}
			results = append(results, SearchResult{
				FilePath:      filepath.ToSlash(rel),
				FileName:      filepath.Base(f.path),
				LineNumber:    i + 1,
				LineContent:   truncateLine(line),
				ContextBefore: contextLine(lines, i-1),
				ContextAfter:  contextLine(lines, i+1),
			})
		}
	}
	return results, nil
}

func contextLine(lines []string, i int) string {
	if i < 0 || i >= len(lines) {
		return ""
	}
	return truncateLine(lines[i])
}

func truncateLine(line string) string {
	line = strings.TrimSpace(line)
	if len(line) > maxSearchLineLength {
		return line[:maxSearchLineLength] + "..."
	}
	return line
}
