package main

import (
	"context"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chronicle-md/chronicle/internal/config"
	"github.com/chronicle-md/chronicle/internal/gitops"
	"github.com/chronicle-md/chronicle/internal/host"
	"github.com/chronicle-md/chronicle/internal/session"
	"github.com/chronicle-md/chronicle/internal/storage"
	"github.com/chronicle-md/chronicle/internal/watcher"
)

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Run the workspace host daemon",
	Long: `Run the Chronicle host: it owns the workspace (git repo, .chronicle/
layout, editing sessions) and serves the loopback control channel that
MCP agents connect to.`,
	RunE: runHost,
}

var hostPort int

func init() {
	hostCmd.Flags().IntVar(&hostPort, "port", 0, "Control channel port (default: from config)")
}

func runHost(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer cancel()

	workspace, err := workspaceDir(cmd)
	if err != nil {
		return err
	}
	log := logger.Named("host")

	if err := storage.InitChronicleDir(workspace); err != nil {
		return err
	}
	configPath := filepath.Join(workspace, config.WorkspaceConfigFile)
	if !storage.FileExists(configPath) {
		if err := config.WriteDefaultConfig(configPath); err != nil {
			return err
		}
		log.Info("wrote default config", zap.String("path", configPath))
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	if hostPort != 0 {
		cfg.Server.Port = hostPort
	}

	if _, err := gitops.InitOrOpen(workspace); err != nil {
		return err
	}

	state := host.NewState()
	state.SetWorkspace(workspace)
	if err := storage.WriteWorkspaceState(workspace, ""); err != nil {
		log.Warn("persist workspace state failed", zap.Error(err))
	}

	tracker := session.NewTracker(session.Config{
		InactivityTimeout: cfg.Session.InactivityTimeout,
		MaxDuration:       cfg.Session.MaxDuration,
	}, log.Named("session"))

	srv := host.NewServer(state, host.Options{
		RequestTimeout: cfg.Bridge.RequestTimeout,
		QueueLimit:     cfg.Bridge.QueueLimit,
		Sessions:       tracker,
		Logger:         log,
	})
	if err := srv.Start(cfg.Server.Port); err != nil {
		return err
	}

	stopSessions := tracker.Run(30*time.Second, func(s *session.Session) {
		log.Info("editing session ended",
			zap.String("note", s.NotePath),
			zap.Int("minutes", s.DurationMinutes))
		if err := storage.WriteWorkspaceState(workspace, s.NotePath); err != nil {
			log.Warn("persist workspace state failed", zap.Error(err))
		}
	})

	w := watcher.New(log.Named("watcher"))
	w.OnUpdate = func(kind watcher.UpdateKind, path string) {
		rel, relErr := filepath.Rel(workspace, path)
		if relErr != nil {
			rel = filepath.Base(path)
		}
		payload := map[string]string{"kind": string(kind), "path": filepath.ToSlash(rel)}
		if err := srv.Broadcast("chronicleUpdated", payload); err != nil {
			log.Warn("broadcast failed", zap.Error(err))
		}
	}
	if err := w.Start(workspace); err != nil {
		srv.Close()
		stopSessions()
		return err
	}

	log.Info("host ready",
		zap.String("workspace", workspace),
		zap.String("addr", srv.Addr()))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		w.Stop()
		stopSessions()
		if s := tracker.End(); s != nil {
			log.Info("closed active session", zap.String("note", s.NotePath))
		}
		return srv.Close()
	})
	return g.Wait()
}
