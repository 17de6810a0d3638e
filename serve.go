package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/jianglibo/bkoverssh/internal/config"
	"github.com/jianglibo/bkoverssh/internal/scheduler"
	"github.com/jianglibo/bkoverssh/internal/store"
)

// newServeCmd builds the daemon: loads every server's schedules once, then
// ticks the scheduler until SIGINT/SIGTERM.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run as a daemon, executing each server's schedules on their configured cron",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}

	return cmd
}

func runServe(ctx context.Context) error {
	cc := mustCLIContext(ctx)

	if cc.App.SkipCron {
		return fmt.Errorf("serve: skip_cron is set in %s; nothing to schedule", flags.ConfigPath)
	}

	pidPath := filepath.Join(cc.Layout.DataDir, "bkoverssh.pid")

	cleanup, err := writePIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	defer cleanup()

	idx, err := store.Open(ctx, cc.Layout.DBPath, cc.Logger)
	if err != nil {
		return fmt.Errorf("serve: opening index: %w", err)
	}
	defer idx.Close()

	servers, err := config.LoadServers(cc.Layout.ServerConfDir, cc.Logger)
	if err != nil {
		return fmt.Errorf("serve: loading servers: %w", err)
	}

	sched := &scheduler.Scheduler{
		Store:         idx,
		Logger:        cc.Logger,
		RetentionDays: cc.App.ScheduleRetentionDays,
	}

	byPath := make(map[string]config.LoadedServer, len(servers))

	for _, ls := range servers {
		if err := sched.LoadServer(ls.Path, ls.Spec); err != nil {
			return fmt.Errorf("serve: %w", err)
		}

		byPath[ls.Path] = ls
	}

	sched.Dispatch = func(ctx context.Context, serverYmlPath, taskName string) error {
		ls, ok := byPath[serverYmlPath]
		if !ok {
			return fmt.Errorf("serve: unknown server %s for scheduled task %s", serverYmlPath, taskName)
		}

		cc.Logger.Info("scheduled task firing", slog.String("server", ls.Spec.Host), slog.String("task", taskName))

		_, err := runOneServer(ctx, cc, idx, ls)

		return err
	}

	shutdownCtx := shutdownContext(ctx, cc.Logger)

	cc.Logger.Info("serve: daemon started", slog.Int("servers", len(servers)), slog.Duration("tick_interval", time.Minute))

	err = sched.Run(shutdownCtx)
	if err != nil && shutdownCtx.Err() != nil {
		// Cancelled by our own graceful shutdown — not a failure.
		return nil
	}

	return err
}
