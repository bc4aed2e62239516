package tools

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/chronicle-md/chronicle/internal/gitops"
	"github.com/chronicle-md/chronicle/internal/guard"
	"github.com/chronicle-md/chronicle/internal/storage"
)

// ReadNoteInput defines input for the read_note tool.
type ReadNoteInput struct {
	Path string `json:"path" jsonschema:"Workspace-relative note path"`
}

// ReadNoteOutput defines output for read_note.
type ReadNoteOutput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// WriteNoteInput defines input for the write_note tool.
type WriteNoteInput struct {
	Path    string `json:"path" jsonschema:"Workspace-relative note path"`
	Content string `json:"content" jsonschema:"Full note content to write"`
}

// WriteNoteOutput defines output for write_note.
type WriteNoteOutput struct {
	Path string `json:"path"`
	// SuggestedPath is a rename matching the note's H1 title, when
	// the current name no longer fits. Empty when the name is fine.
	SuggestedPath string `json:"suggested_path,omitempty"`
}

// CommitNoteInput defines input for the commit_note tool.
type CommitNoteInput struct {
	Path            string `json:"path" jsonschema:"Workspace-relative note path"`
	Title           string `json:"title" jsonschema:"Commit title, usually the note heading"`
	DurationMinutes int    `json:"duration_minutes,omitempty" jsonschema:"Editing session length in minutes"`
}

// CommitNoteOutput defines output for commit_note.
type CommitNoteOutput struct {
	Commit string `json:"commit"`
}

// NoteHistoryInput defines input for the note_history tool.
type NoteHistoryInput struct {
	Path  string `json:"path" jsonschema:"Workspace-relative note path"`
	Limit int    `json:"limit,omitempty" jsonschema:"Max entries to return (default 20)"`
}

// NoteHistoryOutput defines output for note_history.
type NoteHistoryOutput struct {
	Path    string                `json:"path"`
	Commits []gitops.HistoryEntry `json:"commits"`
}

// ShowRevisionInput defines input for the show_revision tool.
type ShowRevisionInput struct {
	Path string `json:"path" jsonschema:"Workspace-relative note path"`
	Ref  string `json:"ref" jsonschema:"Git revision, e.g. HEAD~2 or a short hash"`
}

// ShowRevisionOutput defines output for show_revision.
type ShowRevisionOutput struct {
	Path    string `json:"path"`
	Ref     string `json:"ref"`
	Content string `json:"content"`
}

func registerNoteTools(server *mcp.Server, deps *Deps) {
	mcp.AddTool(server, &mcp.Tool{
		Name: "read_note",
		Description: `Read a note from the workspace.
Example: read_note {path: "2026-03-14-standup.md"}`,
	}, makeReadNoteHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name: "write_note",
		Description: `Write full note content to a workspace path. Creates parent
directories as needed. Returns a suggested_path when the filename no
longer matches the note's H1 title.`,
	}, makeWriteNoteHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name: "commit_note",
		Description: `Commit a note and its metadata sidecar to the workspace git
repository as a session commit.
Example: commit_note {path: "note.md", title: "Standup", duration_minutes: 25}`,
	}, makeCommitNoteHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name: "note_history",
		Description: `List the commits that touched a note, newest first.
Example: note_history {path: "note.md", limit: 10}`,
	}, makeNoteHistoryHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name: "show_revision",
		Description: `Read a note's content as of a git revision.
Example: show_revision {path: "note.md", ref: "HEAD~2"}`,
	}, makeShowRevisionHandler(deps))
}

func makeReadNoteHandler(deps *Deps) func(context.Context, *mcp.CallToolRequest, ReadNoteInput) (*mcp.CallToolResult, ReadNoteOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input ReadNoteInput) (*mcp.CallToolResult, ReadNoteOutput, error) {
		abs, rel, err := deps.resolve(input.Path)
		if err != nil {
			return errorResult(err.Error()), ReadNoteOutput{}, nil
		}
		content, err := storage.ReadFile(abs)
		if err != nil {
			return errorResult(fmt.Sprintf("read %s: %v", rel, err)), ReadNoteOutput{}, nil
		}
		return nil, ReadNoteOutput{Path: rel, Content: content}, nil
	}
}

func makeWriteNoteHandler(deps *Deps) func(context.Context, *mcp.CallToolRequest, WriteNoteInput) (*mcp.CallToolResult, WriteNoteOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input WriteNoteInput) (*mcp.CallToolResult, WriteNoteOutput, error) {
		abs, rel, err := deps.resolve(input.Path)
		if err != nil {
			return errorResult(err.Error()), WriteNoteOutput{}, nil
		}
		if err := storage.WriteFileAtomic(abs, input.Content); err != nil {
			return errorResult(fmt.Sprintf("write %s: %v", rel, err)), WriteNoteOutput{}, nil
		}

		out := WriteNoteOutput{Path: rel}
		if suggested := storage.SuggestPath(abs, input.Content); suggested != "" {
			if relSuggested, err := filepath.Rel(deps.Workspace, suggested); err == nil {
				out.SuggestedPath = relSuggested
			}
		}
		return nil, out, nil
	}
}

func makeCommitNoteHandler(deps *Deps) func(context.Context, *mcp.CallToolRequest, CommitNoteInput) (*mcp.CallToolResult, CommitNoteOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input CommitNoteInput) (*mcp.CallToolResult, CommitNoteOutput, error) {
		abs, rel, err := deps.resolve(input.Path)
		if err != nil {
			return errorResult(err.Error()), CommitNoteOutput{}, nil
		}
		if input.Title == "" {
			return errorResult("title is required"), CommitNoteOutput{}, nil
		}

		files := []string{rel}
		metaPath := storage.MetaPath(deps.Workspace, abs)
		if relMeta, err := filepath.Rel(deps.Workspace, metaPath); err == nil {
			files = append(files, relMeta)
		}

		detail := fmt.Sprintf("%dm", input.DurationMinutes)
		hash, err := gitops.CommitFiles(deps.Workspace, files, gitops.KindSession, input.Title, detail)
		if err != nil {
			return errorResult(fmt.Sprintf("commit %s: %v", rel, err)), CommitNoteOutput{}, nil
		}
		return nil, CommitNoteOutput{Commit: hash}, nil
	}
}

func makeNoteHistoryHandler(deps *Deps) func(context.Context, *mcp.CallToolRequest, NoteHistoryInput) (*mcp.CallToolResult, NoteHistoryOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input NoteHistoryInput) (*mcp.CallToolResult, NoteHistoryOutput, error) {
		_, rel, err := deps.resolve(input.Path)
		if err != nil {
			return errorResult(err.Error()), NoteHistoryOutput{}, nil
		}
		limit := input.Limit
		if limit <= 0 {
			limit = 20
		}
		entries, err := gitops.NoteHistory(deps.Workspace, rel, limit)
		if err != nil {
			return errorResult(fmt.Sprintf("history %s: %v", rel, err)), NoteHistoryOutput{}, nil
		}
		return nil, NoteHistoryOutput{Path: rel, Commits: entries}, nil
	}
}

func makeShowRevisionHandler(deps *Deps) func(context.Context, *mcp.CallToolRequest, ShowRevisionInput) (*mcp.CallToolResult, ShowRevisionOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input ShowRevisionInput) (*mcp.CallToolResult, ShowRevisionOutput, error) {
		_, rel, err := deps.resolve(input.Path)
		if err != nil {
			return errorResult(err.Error()), ShowRevisionOutput{}, nil
		}
		ref, err := guard.CheckRef(input.Ref)
		if err != nil {
			return errorResult(err.Error()), ShowRevisionOutput{}, nil
		}
		content, err := gitops.ShowRevision(deps.Workspace, ref, rel)
		if err != nil {
			return errorResult(fmt.Sprintf("show %s at %s: %v", rel, ref, err)), ShowRevisionOutput{}, nil
		}
		return nil, ShowRevisionOutput{Path: rel, Ref: ref, Content: content}, nil
	}
}
