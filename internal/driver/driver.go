// Package driver implements ServerSyncDriver (C9): the per-server run
// lifecycle — acquire the working lock, pull every configured directory's
// manifest into the index, submit changed files to a bounded worker pool,
// and reconcile the index once transfers complete.
package driver

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jianglibo/bkoverssh/internal/config"
	"github.com/jianglibo/bkoverssh/internal/errs"
	"github.com/jianglibo/bkoverssh/internal/manifest"
	"github.com/jianglibo/bkoverssh/internal/pathmodel"
	"github.com/jianglibo/bkoverssh/internal/policy"
	"github.com/jianglibo/bkoverssh/internal/progress"
	"github.com/jianglibo/bkoverssh/internal/store"
	"github.com/jianglibo/bkoverssh/internal/transfer"
	"github.com/jianglibo/bkoverssh/internal/transport"
)

// Stats aggregates one run's outcomes across every directory and file.
type Stats struct {
	SuccessedSftp     int
	SuccessedRsync    int
	LengthMismatch    int
	Sha1Mismatch      int
	CopyFailed        int
	RemoteOpenFailed  int
	Skipped           int
	NoLocalPath       int
	BytesTransferred  uint64
}

func (s *Stats) record(res transfer.Result) {
	s.BytesTransferred += res.Bytes

	switch res.Outcome {
	case transfer.OutcomeSuccessed:
		if res.Mode == policy.Rsync {
			s.SuccessedRsync++
		} else {
			s.SuccessedSftp++
		}
	case transfer.OutcomeLengthMismatch:
		s.LengthMismatch++
	case transfer.OutcomeSha1Mismatch:
		s.Sha1Mismatch++
	case transfer.OutcomeCopyFailed:
		s.CopyFailed++
	case transfer.OutcomeRemoteOpenFailed:
		s.RemoteOpenFailed++
	case transfer.OutcomeSkipped:
		s.Skipped++
	case transfer.OutcomeNoLocalPath:
		s.NoLocalPath++
	}
}

// retryable reports whether an Outcome is worth retrying (transport loss,
// a corrupted-in-flight copy); Skipped (cancellation) and NoLocalPath
// (configuration error) are not.
func retryable(o transfer.Outcome) bool {
	switch o {
	case transfer.OutcomeLengthMismatch, transfer.OutcomeSha1Mismatch,
		transfer.OutcomeCopyFailed, transfer.OutcomeRemoteOpenFailed:
		return true
	default:
		return false
	}
}

// Driver runs one server's sync cycle against a shared IndexStore and a
// single authenticated Channel.
type Driver struct {
	Store           store.IndexStore
	Channel         transport.Channel
	Server          config.ServerSpec
	ServerYmlPath   string // identifies this server's directory rows and schedule entries
	WorkingLockPath string
	Logger          *slog.Logger
	ProgressFactory func(label string) progress.Sink // optional; defaults to progress.NoOp
}

func (d *Driver) progressFor(label string) progress.Sink {
	if d.ProgressFactory != nil {
		return d.ProgressFactory(label)
	}

	return progress.NoOp{}
}

// Run executes the full per-server lifecycle described in the driver's
// package doc, returning aggregated Stats. A lock-busy condition, manifest
// retrieval failure, or directory registration failure aborts the run and
// returns a non-nil error; individual file failures never abort the run.
func (d *Driver) Run(ctx context.Context) (Stats, error) {
	release, err := acquireWorkingLock(d.WorkingLockPath)
	if err != nil {
		return Stats{}, errs.Wrap(errs.LockBusy, d.Server.Host, "", d.WorkingLockPath, err)
	}
	defer release()

	runID := uuid.New().String()
	logger := d.Logger.With(slog.String("run_id", runID), slog.String("server", d.Server.Host))
	logger.Info("run starting")

	type dirEntry struct {
		id  int64
		dir config.Directory
	}

	var (
		dirs   []dirEntry
		stats  Stats
	)

	for _, directory := range d.Server.Directories {
		dirKey := d.ServerYmlPath + "|" + directory.RemoteDir

		dirID, err := d.Store.InsertDirectory(ctx, dirKey)
		if err != nil {
			return stats, errs.Wrap(errs.Persistence, d.Server.Host, directory.RemoteDir, "", err)
		}

		if err := d.pullManifest(ctx, dirID, directory); err != nil {
			return stats, err
		}

		dirs = append(dirs, dirEntry{id: dirID, dir: directory})
	}

	type pendingFile struct {
		dir  config.Directory
		item store.FileItem
	}

	dirByID := make(map[int64]config.Directory, len(dirs))
	for _, de := range dirs {
		dirByID[de.id] = de.dir
	}

	var pending []pendingFile

	err = d.Store.IterateFilesByDirectory(ctx,
		func(int64, string) error { return nil },
		func(it store.FileItem) error {
			dir, ok := dirByID[it.DirID]
			if !ok || !it.Changed {
				return nil
			}

			pending = append(pending, pendingFile{dir: dir, item: it})

			return nil
		},
	)
	if err != nil {
		return stats, errs.Wrap(errs.Persistence, d.Server.Host, "", "", err)
	}

	if len(pending) == 0 {
		logger.Info("run complete, nothing changed")
		return stats, nil
	}

	logger.Info("transferring changed files", slog.Int("count", len(pending)))

	limit := d.Server.ParallelFiles
	if limit <= 0 {
		limit = 1
	}

	var statsMu sync.Mutex

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(limit)

	for _, pf := range pending {
		pf := pf

		eg.Go(func() error {
			res := d.transferOneWithRetry(egCtx, pf.dir, pf.item)

			statsMu.Lock()
			stats.record(res)
			statsMu.Unlock()

			if res.Outcome == transfer.OutcomeSuccessed {
				cleared := pf.item
				cleared.Changed = true // UpsertRemoteFileItem recomputes the real action from stored state

				if _, _, err := d.Store.UpsertRemoteFileItem(ctx, cleared, false); err != nil {
					logger.Warn("clearing changed flag failed", slog.String("path", pf.item.Path), slog.Any("err", err))
				}
			}

			return nil
		})
	}

	eg.Wait() //nolint:errcheck // per-file goroutines never return a non-nil error

	logger.Info("run complete",
		slog.Int("sftp", stats.SuccessedSftp), slog.Int("rsync", stats.SuccessedRsync),
		slog.Uint64("bytes", stats.BytesTransferred))

	return stats, nil
}

func (d *Driver) transferOneWithRetry(ctx context.Context, dir config.Directory, item store.FileItem) transfer.Result {
	localPath := pathmodel.JoinLocal(dir.LocalDir, item.Path)
	remotePath := pathmodel.JoinRemote(dir.RemoteDir, item.Path)

	req := transfer.Request{RemotePath: remotePath, LocalPath: localPath, RemoteLength: item.Len, RemoteSha1: item.Sha1}

	executor := &transfer.Executor{
		Channel:    d.Channel,
		RemoteExec: d.Server.RemoteExec,
		BlockSize:  d.Server.BlockSize,
		BufLen:     d.Server.BufLen,
		Logger:     d.Logger,
		Sink:       d.progressFor(localPath),
	}

	retries := d.Server.FileRetries
	backoff := time.Second

	var res transfer.Result

	for attempt := 0; attempt <= retries; attempt++ {
		mode := policy.Decide(localPath, item.Len, d.Server)
		res = executor.Run(ctx, mode, req)

		if !retryable(res.Outcome) {
			return res
		}

		if attempt == retries || ctx.Err() != nil {
			return res
		}

		d.Logger.Warn("retrying file transfer", slog.String("path", localPath),
			slog.String("outcome", res.Outcome.String()), slog.Int("attempt", attempt+1))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return res
		}

		backoff *= 2
	}

	return res
}

// pullManifest requests the remote directory listing and upserts every row
// immediately (not batched — see DESIGN.md's Index entry for why every
// index write commits at once).
func (d *Driver) pullManifest(ctx context.Context, dirID int64, dir config.Directory) error {
	cmd := fmt.Sprintf("%s list-files --dir %s", d.Server.RemoteExec, shellQuote(dir.RemoteDir))

	if !d.Server.SkipSha1 {
		cmd += " --sha1"
	}

	for _, pat := range dir.Includes {
		cmd += " --include " + shellQuote(pat)
	}

	for _, pat := range dir.Excludes {
		cmd += " --exclude " + shellQuote(pat)
	}

	out, err := d.Channel.Exec(ctx, cmd)
	if err != nil {
		return errs.Wrap(errs.Transport, d.Server.Host, dir.RemoteDir, "", err)
	}

	m, parseErr := manifest.Parse(out)

	if err := out.Close(); err != nil {
		return errs.Wrap(errs.Transport, d.Server.Host, dir.RemoteDir, "", err)
	}

	if parseErr != nil {
		return errs.Wrap(errs.Protocol, d.Server.Host, dir.RemoteDir, "", parseErr)
	}

	for _, item := range m.Items {
		fi := store.FileItem{
			DirID: dirID, Path: item.RelativePath, Sha1: item.Sha1, Len: item.Length,
			Modified: item.Modified, HasModified: item.HasModified, Changed: true,
		}

		if _, _, err := d.Store.UpsertRemoteFileItem(ctx, fi, false); err != nil {
			return errs.Wrap(errs.Persistence, d.Server.Host, dir.RemoteDir, item.RelativePath, err)
		}
	}

	return nil
}

// shellQuote wraps s in single quotes for safe inclusion in a command line
// run through the remote shell, escaping any embedded single quote.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// acquireWorkingLock takes an exclusive, non-blocking flock on path,
// creating it if needed. Mirrors the hub binary's own daemon PID-file lock.
func acquireWorkingLock(path string) (release func(), err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("driver: opening working lock %s: %w", path, err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("driver: lock %s held by another process: %w", path, err)
	}

	return func() {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN) //nolint:errcheck // best-effort on close
		f.Close()
	}, nil
}
