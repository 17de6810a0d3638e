package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jianglibo/bkoverssh/internal/applog"
	"github.com/jianglibo/bkoverssh/internal/config"
	"github.com/jianglibo/bkoverssh/internal/errs"
)

// version is set at build time via ldflags.
var version = "dev"

// CLIFlags holds every persistent flag bound on the root command.
type CLIFlags struct {
	ConfigPath string
	Verbose    bool
	Debug      bool
	Quiet      bool
}

var flags CLIFlags

// skipConfigAnnotation marks commands that don't need the top-level
// AppConf loaded before they run (the remote-side list-files and
// delta-a-file commands are invoked standalone, over SSH, with no
// bk_over_ssh.yml on that host).
const skipConfigAnnotation = "skipConfig"

// CLIContext bundles the resolved hub config, its data layout, and the
// process logger. Built once in PersistentPreRunE.
type CLIContext struct {
	App    *config.AppConf
	Layout config.DataLayout
	Logger *slog.Logger
}

type cliContextKey struct{}

func cliContextFrom(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		return nil
	}

	return cc
}

func mustCLIContext(ctx context.Context) *CLIContext {
	cc := cliContextFrom(ctx)
	if cc == nil {
		panic("BUG: CLIContext not found in context — command is missing skipConfigAnnotation or PersistentPreRunE did not run")
	}

	return cc
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "bkoverssh",
		Short:   "SSH-based fleet backup and sync",
		Long:    "bkoverssh pulls files from a fleet of servers over SSH, tracking per-file state in a local index and falling back to rsync-style delta transfer for large unchanged files.",
		Version: version,
		// Cobra's own error/usage printing is silenced — exitOnError handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[skipConfigAnnotation] == "true" {
				return nil
			}

			return loadConfig(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flags.ConfigPath, "config", config.ConfFileName, "path to the hub config document")
	cmd.PersistentFlags().BoolVarP(&flags.Verbose, "verbose", "v", false, "show info-level output")
	cmd.PersistentFlags().BoolVar(&flags.Debug, "debug", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flags.Quiet, "quiet", "q", false, "suppress informational output")

	cmd.MarkFlagsMutuallyExclusive("verbose", "debug", "quiet")

	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newListFilesCmd())
	cmd.AddCommand(newRsyncCmd())

	return cmd
}

// loadConfig reads bk_over_ssh.yml, resolves the data layout, and stashes
// both plus a logger in the command's context for RunE to pick up. Every
// failure here is a configuration error (spec.md exit code 1) — nothing
// in this function talks to a remote server or the index.
func loadConfig(cmd *cobra.Command) error {
	bootstrap := buildLogger(nil, flags)

	app, err := config.LoadAppConf(flags.ConfigPath, bootstrap)
	if err != nil {
		return errs.Wrap(errs.Config, "", "", flags.ConfigPath, fmt.Errorf("loading config: %w", err))
	}

	logger, _, err := applog.New(app.LogConf, flags.Verbose, flags.Debug, flags.Quiet)
	if err != nil {
		return errs.Wrap(errs.Config, "", "", flags.ConfigPath, fmt.Errorf("building logger: %w", err))
	}

	layout, err := config.ResolveDataLayout(*app)
	if err != nil {
		return errs.Wrap(errs.Config, "", "", flags.ConfigPath, fmt.Errorf("resolving data layout: %w", err))
	}

	cc := &CLIContext{App: app, Layout: layout, Logger: logger}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cmd.SetContext(context.WithValue(ctx, cliContextKey{}, cc))

	return nil
}

// buildLogger returns a bootstrap logger from CLI flags alone, before any
// config file log_conf is available.
func buildLogger(logConf *config.LogConf, f CLIFlags) *slog.Logger {
	lc := config.LogConf{}
	if logConf != nil {
		lc = *logConf
	}

	logger, _, err := applog.New(lc, f.Verbose, f.Debug, f.Quiet)
	if err != nil {
		// applog.New only fails on an unwritable log file path, which the
		// bootstrap call (no log_conf) never sets.
		panic(err)
	}

	return logger
}

func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(exitCode(err))
}

// exitCode maps err to the contract spec.md documents: 0 success, 1
// configuration error, 2 lock busy, 3 transport error, 4 partial failure
// (some files failed), 5 fatal internal error. Errors not classified as
// one of internal/errs's sentinel kinds fall through to 5.
func exitCode(err error) int {
	if err == nil {
		return 0
	}

	var e *errs.E
	if errors.As(err, &e) {
		switch {
		case errors.Is(e.Kind, errs.Config):
			return 1
		case errors.Is(e.Kind, errs.LockBusy):
			return 2
		case errors.Is(e.Kind, errs.Transport):
			return 3
		case errors.Is(e.Kind, errs.Partial):
			return 4
		}
	}

	return 5
}
