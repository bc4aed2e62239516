package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chronicle-md/chronicle/internal/aichannel"
	"github.com/chronicle-md/chronicle/internal/automation"
	"github.com/chronicle-md/chronicle/internal/bridge"
	"github.com/chronicle-md/chronicle/internal/config"
	"github.com/chronicle-md/chronicle/internal/tools"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run as MCP server",
	Long: `Run as an MCP (Model Context Protocol) server for AI assistants.

This is the primary mode for integration with Claude Code, Claude
Desktop, and other MCP clients. The server connects back to the
Chronicle host over its loopback control channel; note tools keep
working against the workspace even while the host is down.`,
	RunE: runMCPE,
}

var mcpNoHost bool

func init() {
	mcpCmd.Flags().BoolVar(&mcpNoHost, "no-host", false, "Don't connect to the host (workspace tools only)")
}

func runMCP(cmd *cobra.Command, args []string) {
	if err := runMCPE(cmd, args); err != nil {
		logger.Fatal("mcp server failed", zap.Error(err))
	}
}

func runMCPE(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer cancel()

	workspace, err := workspaceDir(cmd)
	if err != nil {
		return err
	}
	log := logger.Named("mcp")

	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}

	provider, err := aichannel.New(aichannel.Config{
		Provider:  cfg.AI.Provider,
		Command:   cfg.AI.Command,
		Model:     cfg.AI.Model,
		Workspace: workspace,
	})
	var processor *automation.Processor
	if err != nil {
		log.Warn("AI provider unavailable", zap.String("provider", cfg.AI.Provider), zap.Error(err))
	} else {
		processor = automation.NewProcessor(workspace, provider, log.Named("automation"))
	}

	var conn *bridge.Conn
	if !mcpNoHost {
		conn = bridge.New(bridge.Options{
			URL:            fmt.Sprintf("ws://127.0.0.1:%d/", cfg.Server.Port),
			RequestTimeout: cfg.Bridge.RequestTimeout,
			IdleTimeout:    cfg.Bridge.IdleTimeout,
			BackoffBase:    cfg.Bridge.BackoffBase,
			BackoffMax:     cfg.Bridge.BackoffMax,
			QueueLimit:     cfg.Bridge.QueueLimit,
			OnRequest:      makeHostRequestHandler(&conn, &processor, log),
			Logger:         log.Named("bridge"),
		})
		defer conn.Close()
		go dialHost(ctx, conn, log)
	}

	server := mcp.NewServer(
		&mcp.Implementation{
			Name:    appName,
			Version: appVersion,
		},
		&mcp.ServerOptions{
			HasTools: true,
			Instructions: `Chronicle workspace server for markdown notes.

Connects to the Chronicle editor when it is running; note and git
tools work directly against the workspace either way.

Available tools:
- get_current_file: Note open in the editor, with session state
- get_workspace_path: Workspace the editor has open
- read_note / write_note: Workspace note access
- process_note: AI processing (summary, actions, entities)
- commit_note: Commit a note with its session metadata
- note_history / show_revision: Git history for a note`,
		},
	)

	tools.Register(server, &tools.Deps{
		Workspace: workspace,
		Bridge:    conn,
		Processor: processor,
		Logger:    log.Named("tools"),
	})

	log.Info("starting mcp server",
		zap.String("workspace", workspace),
		zap.Int("host_port", cfg.Server.Port))

	if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil {
		if ctx.Err() == nil {
			return err
		}
	}
	log.Info("mcp server stopped")
	return nil
}

// dialHost keeps trying the initial connection; once a socket has been
// up, the bridge reconnects on its own.
func dialHost(ctx context.Context, conn *bridge.Conn, log *zap.Logger) {
	for {
		if err := conn.Connect(ctx); err == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

// makeHostRequestHandler serves host-originated requests. The conn and
// processor pointers are captured before the bridge exists, so they are
// dereferenced per request.
func makeHostRequestHandler(conn **bridge.Conn, processor **automation.Processor, log *zap.Logger) bridge.RequestHandler {
	return func(ctx context.Context, method string, params json.RawMessage) (any, error) {
		if method != "triggerProcessing" {
			return nil, fmt.Errorf("unknown method: %s", method)
		}
		proc := *processor
		if proc == nil {
			return nil, fmt.Errorf("no AI backend configured")
		}

		var req struct {
			Style string `json:"style"`
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &req); err != nil {
				return nil, fmt.Errorf("bad params: %w", err)
			}
		}

		c := *conn
		rel, err := currentNotePath(ctx, c)
		if err != nil {
			return nil, err
		}

		go func() {
			c.SendPush("processingStarted", map[string]string{"note": rel, "style": req.Style})
			result, err := proc.Process(context.Background(), rel, req.Style)
			if err != nil {
				log.Warn("triggered processing failed", zap.String("note", rel), zap.Error(err))
				c.SendPush("processingError", map[string]string{"note": rel, "error": err.Error()})
				return
			}
			c.SendPush("processingComplete", result)
		}()

		return map[string]string{"status": "started", "note": rel}, nil
	}
}

// currentNotePath asks the host which note is open and returns its
// workspace-relative path.
func currentNotePath(ctx context.Context, c *bridge.Conn) (string, error) {
	raw, err := c.Request(ctx, "getCurrentFile", nil)
	if err != nil {
		return "", err
	}
	var result struct {
		RelativePath *string `json:"relativePath"`
		Error        string  `json:"error"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("bad getCurrentFile response: %w", err)
	}
	if result.RelativePath == nil {
		if result.Error != "" {
			return "", fmt.Errorf("%s", result.Error)
		}
		return "", fmt.Errorf("no file currently open")
	}
	return *result.RelativePath, nil
}
