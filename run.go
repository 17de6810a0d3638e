package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/jianglibo/bkoverssh/internal/archive"
	"github.com/jianglibo/bkoverssh/internal/config"
	"github.com/jianglibo/bkoverssh/internal/driver"
	"github.com/jianglibo/bkoverssh/internal/errs"
	"github.com/jianglibo/bkoverssh/internal/mail"
	"github.com/jianglibo/bkoverssh/internal/progress"
	"github.com/jianglibo/bkoverssh/internal/store"
	"github.com/jianglibo/bkoverssh/internal/transport"
)

func newRunCmd() *cobra.Command {
	var flagServer string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one sync cycle against every configured server",
		Long:  "Dials every server under the hub's server conf directory (or just --server), pulls its manifest, and transfers every changed file once, then exits.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRunCmd(cmd.Context(), flagServer)
		},
	}

	cmd.Flags().StringVar(&flagServer, "server", "", "path to a single server YAML document (default: every server under the hub's server conf dir)")

	return cmd
}

func runRunCmd(ctx context.Context, onlyServer string) error {
	cc := mustCLIContext(ctx)

	servers, err := loadRunServers(cc, onlyServer)
	if err != nil {
		return err
	}

	idx, err := store.Open(ctx, cc.Layout.DBPath, cc.Logger)
	if err != nil {
		return errs.Wrap(errs.Persistence, "", "", cc.Layout.DBPath, fmt.Errorf("opening index: %w", err))
	}
	defer idx.Close()

	notifier, notify := mail.New(cc.App.MailConf)

	var (
		failed           int
		firstServerErr   error
		totalFailedFiles int
	)

	for _, ls := range servers {
		stats, err := runOneServer(ctx, cc, idx, ls)
		if err != nil {
			failed++
			if firstServerErr == nil {
				firstServerErr = err
			}

			cc.Logger.Error("server run failed", slog.String("server", ls.Spec.Host), slog.Any("err", err))

			Statusf("%s: FAILED: %v\n", ls.Spec.Host, err)

			if notify {
				body := mail.RunSummary(ls.Spec.Host, 0, 1, 0) + "\nerror: " + err.Error()
				if sendErr := notifier.Send("bkoverssh run failed: "+ls.Spec.Host, body, cc.App.MailConf.Recipients); sendErr != nil {
					cc.Logger.Warn("sending failure mail failed", slog.Any("err", sendErr))
				}
			}

			continue
		}

		succeeded := stats.SuccessedSftp + stats.SuccessedRsync
		failedFiles := stats.LengthMismatch + stats.Sha1Mismatch + stats.CopyFailed + stats.RemoteOpenFailed
		totalFailedFiles += failedFiles

		Statusf("%s: %d succeeded, %d failed, %s transferred\n", ls.Spec.Host, succeeded, failedFiles, formatSize(int64(stats.BytesTransferred)))

		if notify {
			body := mail.RunSummary(ls.Spec.Host, succeeded, failedFiles, stats.BytesTransferred)
			if sendErr := notifier.Send("bkoverssh run complete: "+ls.Spec.Host, body, cc.App.MailConf.Recipients); sendErr != nil {
				cc.Logger.Warn("sending completion mail failed", slog.Any("err", sendErr))
			}
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d servers failed: %w", failed, len(servers), firstServerErr)
	}

	if totalFailedFiles > 0 {
		return errs.Wrap(errs.Partial, "", "", "", fmt.Errorf("%d file(s) failed to transfer across %d server(s)", totalFailedFiles, len(servers)))
	}

	return nil
}

func loadRunServers(cc *CLIContext, onlyServer string) ([]config.LoadedServer, error) {
	if onlyServer != "" {
		spec, err := config.LoadServerSpec(onlyServer, cc.Logger)
		if err != nil {
			return nil, errs.Wrap(errs.Config, "", "", onlyServer, err)
		}

		return []config.LoadedServer{{Path: onlyServer, Spec: spec}}, nil
	}

	servers, err := config.LoadServers(cc.Layout.ServerConfDir, cc.Logger)
	if err != nil {
		return nil, errs.Wrap(errs.Config, "", "", cc.Layout.ServerConfDir, fmt.Errorf("loading servers: %w", err))
	}

	return servers, nil
}

// runOneServer dials ls, runs one Driver cycle, and — if configured —
// archives the synced directories afterward.
func runOneServer(ctx context.Context, cc *CLIContext, idx store.IndexStore, ls config.LoadedServer) (driver.Stats, error) {
	dialCtx, cancel := context.WithTimeout(ctx, time.Duration(ls.Spec.ExecTimeoutSecs)*time.Second)
	defer cancel()

	ch, err := transport.Dial(dialCtx, ls.Spec.Host, ls.Spec.Port, ls.Spec.User, ls.Spec.Auth)
	if err != nil {
		return driver.Stats{}, errs.Wrap(errs.Transport, ls.Spec.Host, "", "", fmt.Errorf("dialing: %w", err))
	}
	defer ch.Close()

	d := &driver.Driver{
		Store:           idx,
		Channel:         ch,
		Server:          ls.Spec,
		ServerYmlPath:   ls.Path,
		WorkingLockPath: cc.Layout.WorkingLock,
		Logger:          cc.Logger,
		ProgressFactory: progress.DefaultFactory(cc.Logger, flags.Verbose),
	}

	stats, err := d.Run(ctx)
	if err != nil {
		return stats, err
	}

	if len(cc.App.ArchiveCmd) > 0 {
		dirs := make([]string, len(ls.Spec.Directories))
		for i, dir := range ls.Spec.Directories {
			dirs[i] = dir.LocalDir
		}

		params := archive.Params{ArchiveFileName: ls.Spec.Host + "-" + time.Now().Format("20060102-150405"), FilesAndDirs: dirs}
		if err := archive.Run(ctx, cc.App.ArchiveCmd, params); err != nil {
			cc.Logger.Error("archive command failed", slog.String("server", ls.Spec.Host), slog.Any("err", err))
		}
	}

	return stats, nil
}
