// Package gitops versions the workspace: every editing session and
// snapshot becomes a commit, so note history rides on plain git.
package gitops

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const authorName = "Chronicle"
const authorEmail = "chronicle@localhost"

const defaultGitignore = `# Chronicle app state (not content)
.chronicle/state.json

# OS files
.DS_Store
Thumbs.db

# Editor backups
*~
*.swp
*.swo

# Temporary files
*.tmp
*.temp
`

// CommitKind prefixes commit messages so history stays greppable.
type CommitKind string

const (
	KindSession  CommitKind = "session"
	KindProcess  CommitKind = "process"
	KindAnnotate CommitKind = "annotate"
	KindSnapshot CommitKind = "snapshot"
)

var ErrNotARepo = errors.New("workspace is not a git repository")

// IsGitRepo reports whether path holds a git repository.
func IsGitRepo(path string) bool {
	_, err := os.Stat(filepath.Join(path, ".git"))
	return err == nil
}

// InitOrOpen opens workspace's repository, initializing it with a
// default .gitignore and an initial commit when none exists.
func InitOrOpen(workspace string) (*git.Repository, error) {
	if IsGitRepo(workspace) {
		return git.PlainOpen(workspace)
	}

	repo, err := git.PlainInit(workspace, false)
	if err != nil {
		return nil, fmt.Errorf("init repository: %w", err)
	}

	gitignore := filepath.Join(workspace, ".gitignore")
	if _, err := os.Stat(gitignore); os.IsNotExist(err) {
		if err := os.WriteFile(gitignore, []byte(defaultGitignore), 0o644); err != nil {
			return nil, fmt.Errorf("write .gitignore: %w", err)
		}
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, err
	}
	if _, err := wt.Add(".gitignore"); err != nil {
		return nil, fmt.Errorf("stage .gitignore: %w", err)
	}
	if _, err := wt.Commit("Initial commit: Chronicle workspace", &git.CommitOptions{
		Author: signature(),
	}); err != nil {
		return nil, fmt.Errorf("initial commit: %w", err)
	}
	return repo, nil
}

// CommitFiles stages the given workspace-relative files and commits
// them with a "<kind>: <title> (<detail>)" message. Returns the short
// commit hash.
func CommitFiles(workspace string, files []string, kind CommitKind, title, detail string) (string, error) {
	if !IsGitRepo(workspace) {
		return "", ErrNotARepo
	}
	repo, err := git.PlainOpen(workspace)
	if err != nil {
		return "", err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", err
	}

	staged := 0
	for _, f := range files {
		rel := f
		if filepath.IsAbs(f) {
			if r, err := filepath.Rel(workspace, f); err == nil {
				rel = r
			}
		}
		if _, err := os.Stat(filepath.Join(workspace, rel)); err != nil {
			continue
		}
		if _, err := wt.Add(filepath.ToSlash(rel)); err != nil {
			return "", fmt.Errorf("stage %s: %w", rel, err)
		}
		staged++
	}
	if staged == 0 {
		return "", fmt.Errorf("nothing to commit: no staged files exist")
	}

	message := fmt.Sprintf("%s: %s (%s)", kind, title, detail)
	hash, err := wt.Commit(message, &git.CommitOptions{Author: signature()})
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return hash.String()[:7], nil
}

// CommitSnapshot stages everything and commits a "snapshot: <title>".
func CommitSnapshot(workspace, title string) (string, error) {
	if !IsGitRepo(workspace) {
		return "", ErrNotARepo
	}
	repo, err := git.PlainOpen(workspace)
	if err != nil {
		return "", err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", err
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("stage all: %w", err)
	}

	message := fmt.Sprintf("%s: %s", KindSnapshot, title)
	hash, err := wt.Commit(message, &git.CommitOptions{Author: signature()})
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return hash.String()[:7], nil
}

// UncommittedFiles lists workspace-relative paths with uncommitted
// changes, untracked files included.
func UncommittedFiles(workspace string) ([]string, error) {
	if !IsGitRepo(workspace) {
		return nil, nil
	}
	repo, err := git.PlainOpen(workspace)
	if err != nil {
		return nil, err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, err
	}
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}

	var files []string
	for path, st := range status {
		if st.Worktree == git.Unmodified && st.Staging == git.Unmodified {
			continue
		}
		files = append(files, path)
	}
	return files, nil
}

// HistoryEntry is one commit touching a note.
type HistoryEntry struct {
	Hash    string    `json:"hash"`
	Message string    `json:"message"`
	When    time.Time `json:"when"`
}

// NoteHistory returns the commits that touched a workspace-relative
// path, newest first, capped at limit (0 = no cap).
func NoteHistory(workspace, relPath string, limit int) ([]HistoryEntry, error) {
	repo, err := git.PlainOpen(workspace)
	if err != nil {
		return nil, err
	}
	slashed := filepath.ToSlash(relPath)
	iter, err := repo.Log(&git.LogOptions{
		FileName: &slashed,
		Order:    git.LogOrderCommitterTime,
	})
	if err != nil {
		return nil, fmt.Errorf("log %s: %w", relPath, err)
	}
	defer iter.Close()

	var entries []HistoryEntry
	err = iter.ForEach(func(c *object.Commit) error {
		entries = append(entries, HistoryEntry{
			Hash:    c.Hash.String()[:7],
			Message: strings.TrimSpace(c.Message),
			When:    c.Author.When.UTC(),
		})
		if limit > 0 && len(entries) >= limit {
			return errStopIteration
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopIteration) {
		return nil, err
	}
	return entries, nil
}

var errStopIteration = errors.New("stop")

// ShowRevision returns the content of a workspace-relative path at a
// revision. The caller validates the revision string first.
func ShowRevision(workspace, rev, relPath string) (string, error) {
	repo, err := git.PlainOpen(workspace)
	if err != nil {
		return "", err
	}
	hash, err := repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", rev, err)
	}
	commit, err := repo.CommitObject(*hash)
	if err != nil {
		return "", err
	}
	file, err := commit.File(filepath.ToSlash(relPath))
	if err != nil {
		return "", fmt.Errorf("%s at %s: %w", relPath, rev, err)
	}
	return file.Contents()
}

func signature() *object.Signature {
	return &object.Signature{
		Name:  authorName,
		Email: authorEmail,
		When:  time.Now(),
	}
}
