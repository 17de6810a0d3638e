// Package applog builds the process-wide slog.Logger (A2): a text handler to
// stderr by default, plus an optional file sink and per-module verbose
// overrides taken from LogConf.
package applog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jianglibo/bkoverssh/internal/config"
)

// New builds a logger writing text-formatted records to stderr (and, if
// logConf.LogFile is set, also appending to that file), at level derived
// from verbose/debug/quiet flags. Modules named in logConf.VerboseModules
// always log at Debug regardless of the base level; modules are tagged on
// child loggers returned by ForModule.
func New(logConf config.LogConf, verbose, debug, quiet bool) (*slog.Logger, func() error, error) {
	level := slog.LevelWarn

	switch {
	case debug:
		level = slog.LevelDebug
	case verbose:
		level = slog.LevelInfo
	case quiet:
		level = slog.LevelError
	}

	var (
		writer  io.Writer = os.Stderr
		closeFn func() error
	)

	if logConf.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(logConf.LogFile), 0o755); err != nil {
			return nil, nil, fmt.Errorf("applog: creating log dir for %s: %w", logConf.LogFile, err)
		}

		f, err := os.OpenFile(logConf.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("applog: opening log file %s: %w", logConf.LogFile, err)
		}

		writer = io.MultiWriter(os.Stderr, f)
		closeFn = f.Close
	}

	handler := slog.NewTextHandler(writer, &slog.HandlerOptions{Level: level})

	var finalHandler slog.Handler = handler
	if len(logConf.VerboseModules) > 0 {
		finalHandler = &moduleOverrideHandler{base: handler, baseLevel: level, modules: toSet(logConf.VerboseModules)}
	}

	logger := slog.New(finalHandler)

	if closeFn == nil {
		closeFn = func() error { return nil }
	}

	return logger, closeFn, nil
}

// ForModule returns a child logger tagging every record with "module", so a
// moduleOverrideHandler further up the chain can recognize it.
func ForModule(logger *slog.Logger, module string) *slog.Logger {
	return logger.With(slog.String("module", module))
}

func toSet(modules []string) map[string]bool {
	set := make(map[string]bool, len(modules))
	for _, m := range modules {
		set[m] = true
	}

	return set
}

// moduleOverrideHandler wraps a base handler, forcing Debug-level records
// through when the record carries a "module" attribute named in modules,
// regardless of the base handler's configured level.
type moduleOverrideHandler struct {
	base      slog.Handler
	baseLevel slog.Level
	modules   map[string]bool
}

// Enabled admits every record at or above Debug: the final decision (whether
// a sub-Debug-threshold record without a matching module attribute should
// really be dropped) is made in Handle, once the record's attributes are
// available.
func (h *moduleOverrideHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= slog.LevelDebug
}

func (h *moduleOverrideHandler) Handle(ctx context.Context, record slog.Record) error {
	if record.Level >= h.baseLevel {
		return h.base.Handle(ctx, record)
	}

	verbose := false

	record.Attrs(func(a slog.Attr) bool {
		if a.Key == "module" && h.modules[a.Value.String()] {
			verbose = true
			return false
		}

		return true
	})

	if !verbose {
		return nil
	}

	return h.base.Handle(ctx, record)
}

func (h *moduleOverrideHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	baseLevel := h.baseLevel

	// A logger from ForModule carries "module" here, not on each record.
	for _, a := range attrs {
		if a.Key == "module" && h.modules[a.Value.String()] {
			baseLevel = slog.LevelDebug
		}
	}

	return &moduleOverrideHandler{base: h.base.WithAttrs(attrs), baseLevel: baseLevel, modules: h.modules}
}

func (h *moduleOverrideHandler) WithGroup(name string) slog.Handler {
	return &moduleOverrideHandler{base: h.base.WithGroup(name), baseLevel: h.baseLevel, modules: h.modules}
}
