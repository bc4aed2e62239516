package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/chronicle-md/chronicle/internal/automation"
	"github.com/chronicle-md/chronicle/internal/bridge"
)

// GetCurrentFileInput defines input for the get_current_file tool.
type GetCurrentFileInput struct{}

// GetCurrentFileOutput defines output for get_current_file.
type GetCurrentFileOutput struct {
	Path         string          `json:"path,omitempty"`
	RelativePath string          `json:"relative_path,omitempty"`
	Content      string          `json:"content,omitempty"`
	Session      json.RawMessage `json:"session,omitempty"`
}

// GetWorkspacePathInput defines input for the get_workspace_path tool.
type GetWorkspacePathInput struct{}

// GetWorkspacePathOutput defines output for get_workspace_path.
type GetWorkspacePathOutput struct {
	Path string `json:"path"`
}

// ProcessNoteInput defines input for the process_note tool.
type ProcessNoteInput struct {
	Path  string `json:"path" jsonschema:"Workspace-relative note path"`
	Style string `json:"style,omitempty" jsonschema:"Processing style: standard (default), brief, detailed"`
}

// ProcessNoteOutput defines output for process_note.
type ProcessNoteOutput struct {
	Note     string                  `json:"note"`
	Style    string                  `json:"style"`
	Summary  string                  `json:"summary"`
	Markers  automation.MarkerCounts `json:"markers"`
	Tokens   int                     `json:"tokens,omitempty"`
	Duration string                  `json:"duration"`
}

func registerChannelTools(server *mcp.Server, deps *Deps) {
	mcp.AddTool(server, &mcp.Tool{
		Name: "get_current_file",
		Description: `Get the note currently open in the Chronicle editor, including
its content and editing session state. Fails when the editor is not
running or no note is open.`,
	}, makeGetCurrentFileHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_workspace_path",
		Description: "Get the absolute path of the workspace open in the Chronicle editor.",
	}, makeGetWorkspacePathHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name: "process_note",
		Description: `Run AI processing on a note: structured summary, action items,
and entity extraction written to .chronicle/processed/.
Example: process_note {path: "2026-03-14-standup.md", style: "brief"}`,
	}, makeProcessNoteHandler(deps))
}

func makeGetCurrentFileHandler(deps *Deps) func(context.Context, *mcp.CallToolRequest, GetCurrentFileInput) (*mcp.CallToolResult, GetCurrentFileOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input GetCurrentFileInput) (*mcp.CallToolResult, GetCurrentFileOutput, error) {
		if deps.Bridge == nil {
			return errorResult("editor connection not configured"), GetCurrentFileOutput{}, nil
		}
		raw, err := deps.Bridge.Request(ctx, "getCurrentFile", nil)
		if err != nil {
			return errorResult(channelError(err)), GetCurrentFileOutput{}, nil
		}

		var result struct {
			Path         *string         `json:"path"`
			RelativePath *string         `json:"relativePath"`
			Content      *string         `json:"content"`
			Session      json.RawMessage `json:"session"`
			Error        string          `json:"error"`
		}
		if err := json.Unmarshal(raw, &result); err != nil {
			return errorResult(fmt.Sprintf("bad editor response: %v", err)), GetCurrentFileOutput{}, nil
		}
		if result.Error != "" || result.Path == nil {
			msg := result.Error
			if msg == "" {
				msg = "no file currently open"
			}
			return errorResult(msg), GetCurrentFileOutput{}, nil
		}

		out := GetCurrentFileOutput{Path: *result.Path, Session: result.Session}
		if result.RelativePath != nil {
			out.RelativePath = *result.RelativePath
		}
		if result.Content != nil {
			out.Content = *result.Content
		}
		return nil, out, nil
	}
}

func makeGetWorkspacePathHandler(deps *Deps) func(context.Context, *mcp.CallToolRequest, GetWorkspacePathInput) (*mcp.CallToolResult, GetWorkspacePathOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input GetWorkspacePathInput) (*mcp.CallToolResult, GetWorkspacePathOutput, error) {
		if deps.Bridge == nil {
			return errorResult("editor connection not configured"), GetWorkspacePathOutput{}, nil
		}
		raw, err := deps.Bridge.Request(ctx, "getWorkspacePath", nil)
		if err != nil {
			return errorResult(channelError(err)), GetWorkspacePathOutput{}, nil
		}

		var result struct {
			Path  *string `json:"path"`
			Error string  `json:"error"`
		}
		if err := json.Unmarshal(raw, &result); err != nil {
			return errorResult(fmt.Sprintf("bad editor response: %v", err)), GetWorkspacePathOutput{}, nil
		}
		if result.Error != "" || result.Path == nil {
			msg := result.Error
			if msg == "" {
				msg = "no workspace open"
			}
			return errorResult(msg), GetWorkspacePathOutput{}, nil
		}
		return nil, GetWorkspacePathOutput{Path: *result.Path}, nil
	}
}

func makeProcessNoteHandler(deps *Deps) func(context.Context, *mcp.CallToolRequest, ProcessNoteInput) (*mcp.CallToolResult, ProcessNoteOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input ProcessNoteInput) (*mcp.CallToolResult, ProcessNoteOutput, error) {
		if deps.Processor == nil {
			return errorResult("no AI backend configured"), ProcessNoteOutput{}, nil
		}
		_, rel, err := deps.resolve(input.Path)
		if err != nil {
			return errorResult(err.Error()), ProcessNoteOutput{}, nil
		}

		deps.push("processingStarted", map[string]string{"note": rel, "style": input.Style})

		result, err := deps.Processor.Process(ctx, rel, input.Style)
		if err != nil {
			deps.push("processingError", map[string]string{"note": rel, "error": err.Error()})
			return errorResult(fmt.Sprintf("process %s: %v", rel, err)), ProcessNoteOutput{}, nil
		}

		deps.push("processingComplete", result)

		return nil, ProcessNoteOutput{
			Note:     result.Note,
			Style:    result.Style,
			Summary:  result.Summary,
			Markers:  result.Markers,
			Tokens:   result.Tokens,
			Duration: result.Duration.String(),
		}, nil
	}
}

// push forwards a progress event to the editor, quietly doing nothing
// without a bridge.
func (d *Deps) push(event string, data any) {
	if d.Bridge == nil {
		return
	}
	d.Bridge.SendPush(event, data)
}

// channelError maps bridge failures to agent-facing messages.
func channelError(err error) string {
	switch {
	case errors.Is(err, bridge.ErrNotConnected):
		return "Chronicle editor is not running (connection down)"
	case errors.Is(err, bridge.ErrTimeout):
		return "Chronicle editor did not respond in time"
	default:
		return err.Error()
	}
}
