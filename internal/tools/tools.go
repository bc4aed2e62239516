// Package tools exposes Chronicle's MCP tool surface. Every path and
// git ref an agent supplies passes through guard before touching the
// filesystem or repository.
package tools

import (
	"fmt"
	"path/filepath"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/chronicle-md/chronicle/internal/automation"
	"github.com/chronicle-md/chronicle/internal/bridge"
	"github.com/chronicle-md/chronicle/internal/guard"
)

// Deps holds what the tool handlers work against.
type Deps struct {
	// Workspace is the absolute workspace root all paths resolve under.
	Workspace string
	// Bridge is the connection to the host, for state queries and
	// progress pushes. May be nil in host-less operation.
	Bridge *bridge.Conn
	// Processor runs note processing. May be nil when no AI backend
	// is configured.
	Processor *automation.Processor
	Logger    *zap.Logger
}

func (d *Deps) log() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

// resolve is the single chokepoint turning an agent-supplied path into
// a vetted absolute path plus its workspace-relative form.
func (d *Deps) resolve(candidate string) (abs, rel string, err error) {
	abs, err = guard.ResolveWorkspacePath(d.Workspace, candidate)
	if err != nil {
		return "", "", err
	}
	rel, err = filepath.Rel(d.Workspace, abs)
	if err != nil {
		return "", "", fmt.Errorf("relativize %s: %w", abs, err)
	}
	return abs, rel, nil
}

// Register adds every Chronicle tool to the MCP server.
func Register(server *mcp.Server, deps *Deps) {
	registerChannelTools(server, deps)
	registerNoteTools(server, deps)
	registerSearchTools(server, deps)
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: msg},
		},
		IsError: true,
	}
}
