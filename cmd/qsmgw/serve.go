package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/qsmgw/internal/api"
	"github.com/mattjoyce/qsmgw/internal/config"
	"github.com/mattjoyce/qsmgw/internal/engine"
	"github.com/mattjoyce/qsmgw/internal/events"
	"github.com/mattjoyce/qsmgw/internal/janitor"
	"github.com/mattjoyce/qsmgw/internal/jobs"
	"github.com/mattjoyce/qsmgw/internal/locate"
	"github.com/mattjoyce/qsmgw/internal/lock"
	"github.com/mattjoyce/qsmgw/internal/log"
	"github.com/mattjoyce/qsmgw/internal/options"
	"github.com/mattjoyce/qsmgw/internal/session"
	"github.com/mattjoyce/qsmgw/internal/state"
	"github.com/mattjoyce/qsmgw/internal/storage"
	"github.com/mattjoyce/qsmgw/internal/webhook"
	"github.com/mattjoyce/qsmgw/internal/workspace"
)

const shutdownTimeout = time.Minute

func newServeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := g.loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, path)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config, configPath string) error {
	log.SetupWriter(os.Stdout, cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("qsmgw starting", "version", version, "config", configPath)

	pidLockPath := lock.PathFor(cfg.State.SessionsDir)
	pidLock, err := lock.Acquire(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", pidLockPath, "error", err)
		return err
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLockPath)

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return err
	}
	defer db.Close()
	store := state.NewSessionStore(db)

	recovered, err := store.RecoverInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("recover interrupted sessions: %w", err)
	}
	if recovered > 0 {
		logger.Warn("marked interrupted sessions as failed", "count", recovered)
	}

	hub := events.NewHub(256)
	recorders := []session.Recorder{store, events.NewSessionFeed(hub)}

	var notifier *webhook.Notifier
	if len(cfg.Notify.Endpoints) > 0 {
		notifyCfg, err := webhook.FromGlobalConfig(cfg.Notify)
		if err != nil {
			return fmt.Errorf("notify: %w", err)
		}
		notifier = webhook.New(notifyCfg, log.Get())
		recorders = append(recorders, notifier)
	}

	reg := session.NewRegistry(log.Get(), recorders...)
	restored, err := restoreHistory(ctx, store, reg)
	if err != nil {
		return err
	}
	logger.Info("session history restored", "count", restored)

	ws, err := workspace.NewFSManager(cfg.State.SessionsDir)
	if err != nil {
		logger.Error("failed to initialize sessions root", "dir", cfg.State.SessionsDir, "error", err)
		return err
	}
	locator, err := locate.New(cfg.Locator.Patterns, cfg.Locator.MagicOffset, cfg.Locator.Magic)
	if err != nil {
		return fmt.Errorf("locator: %w", err)
	}
	table, err := options.NewTable(cfg.Options)
	if err != nil {
		return fmt.Errorf("options: %w", err)
	}

	gateway := engine.NewGateway(engine.CommandFactory(engine.CommandConfig{
		Command:   cfg.Engine.Command,
		Args:      cfg.Engine.Args,
		KillGrace: cfg.Engine.KillGrace,
	}, log.WithComponent("engine")), log.Get())

	if cfg.Engine.WarmStart {
		warmCtx, cancel := context.WithTimeout(ctx, cfg.Engine.InitTimeout)
		err := gateway.Warm(warmCtx)
		cancel()
		if err != nil {
			logger.Error("engine failed to initialize", "command", cfg.Engine.Command, "error", err)
			return err
		}
		logger.Info("engine initialized", "command", cfg.Engine.Command)
	}

	mgr, err := jobs.NewManager(jobs.Config{
		Registry:     reg,
		Workspace:    ws,
		Gateway:      gateway,
		Locator:      locator,
		Options:      table,
		Logger:       log.Get(),
		StopWait:     cfg.API.StopWait,
		PollInterval: cfg.API.LogPollInterval,
	})
	if err != nil {
		return err
	}

	apiServer := api.New(api.Config{
		Listen:         cfg.API.Listen,
		MaxUploadBytes: cfg.API.MaxUploadBytes,
	}, mgr, gateway, hub, log.Get())
	jan := janitor.New(cfg.Retention, reg, ws, store, hub, log.Get())

	// The notifier outlives the errgroup so sessions stopped during
	// shutdown are still announced.
	notifyCtx, stopNotify := context.WithCancel(context.Background())
	notifyDone := make(chan struct{})
	if notifier != nil {
		go func() {
			defer close(notifyDone)
			_ = notifier.Run(notifyCtx)
		}()
	} else {
		close(notifyDone)
	}

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		if err := apiServer.Start(gctx); err != nil {
			return fmt.Errorf("api: %w", err)
		}
		return nil
	})
	grp.Go(func() error {
		return jan.Run(gctx)
	})

	logger.Info("qsmgw running (press Ctrl+C to stop)", "listen", cfg.API.Listen)
	runErr := grp.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("component failed", "error", runErr)
	} else {
		runErr = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
		if runErr == nil {
			runErr = err
		}
	}
	stopNotify()
	<-notifyDone
	logger.Info("qsmgw stopped")
	return runErr
}

// restoreHistory loads finished sessions from the store so status and
// download keep working across restarts.
func restoreHistory(ctx context.Context, store *state.SessionStore, reg *session.Registry) (int, error) {
	all, err := store.List(ctx, state.ListFilter{})
	if err != nil {
		return 0, fmt.Errorf("load session history: %w", err)
	}
	n := 0
	for _, s := range all {
		if !s.Status.IsTerminal() {
			continue
		}
		if err := reg.Restore(s); err != nil {
			slog.Warn("skipping session history entry", "session_id", s.ID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}
