// Package transfer executes one file's transfer (C8): the whole-file path
// (stream + IntegrityCopier + atomic rename) and the delta path (local
// signature, remote delta, streamed restore, three-step atomic rename),
// falling back from Rsync to Sftp on any delta-side failure. Every failure
// mode is reported as a typed Result rather than an error return — only
// programmer errors (a broken invariant) propagate as errors.
package transfer

import (
	"context"
	"crypto/sha1" //nolint:gosec // content hash for change detection, not authentication
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/jianglibo/bkoverssh/internal/delta"
	"github.com/jianglibo/bkoverssh/internal/errs"
	"github.com/jianglibo/bkoverssh/internal/integrity"
	"github.com/jianglibo/bkoverssh/internal/policy"
	"github.com/jianglibo/bkoverssh/internal/progress"
	"github.com/jianglibo/bkoverssh/internal/transport"
)

// Outcome is the terminal state of one file's transfer attempt.
type Outcome int

const (
	// OutcomeSuccessed means the file was transferred and verified.
	OutcomeSuccessed Outcome = iota
	// OutcomeLengthMismatch means the copied length differed from the
	// manifest's declared length; the canonical file was not touched.
	OutcomeLengthMismatch
	// OutcomeSha1Mismatch means the copied SHA-1 differed from the
	// manifest's declared hash; the canonical file was not touched.
	OutcomeSha1Mismatch
	// OutcomeCopyFailed means a non-integrity I/O error aborted the copy.
	OutcomeCopyFailed
	// OutcomeRemoteOpenFailed means the remote file/stream could not be opened.
	OutcomeRemoteOpenFailed
	// OutcomeNoLocalPath means localPath resolved to an empty string.
	OutcomeNoLocalPath
	// OutcomeSkipped means the run's context was cancelled mid-transfer.
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccessed:
		return "successed"
	case OutcomeLengthMismatch:
		return "length_mismatch"
	case OutcomeSha1Mismatch:
		return "sha1_mismatch"
	case OutcomeCopyFailed:
		return "copy_failed"
	case OutcomeRemoteOpenFailed:
		return "remote_open_failed"
	case OutcomeNoLocalPath:
		return "no_local_path"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Result reports what happened to one file.
type Result struct {
	Outcome   Outcome
	Mode      policy.SyncType
	LocalPath string
	Bytes     uint64
	Err       error
}

// Request names one file to transfer.
type Request struct {
	RemotePath   string // forward-slash, as the remote command understands it
	LocalPath    string // OS-native
	RemoteLength uint64
	RemoteSha1   string // empty if the server was configured skip_sha1
}

// Executor runs transfers for one server over one Channel.
type Executor struct {
	Channel    transport.Channel
	RemoteExec string
	BlockSize  uint32
	BufLen     int
	Logger     *slog.Logger
	Sink       progress.Sink
}

// Run executes req using mode as the first attempt. A Rsync attempt that
// fails at any step falls back to the whole-file path automatically.
func (e *Executor) Run(ctx context.Context, mode policy.SyncType, req Request) Result {
	if req.LocalPath == "" {
		return Result{Outcome: OutcomeNoLocalPath, Mode: mode}
	}

	if mode == policy.Rsync {
		res, ok := e.runDelta(ctx, req)
		if ok {
			return res
		}

		e.Logger.Warn("delta transfer failed, falling back to whole file",
			slog.String("path", req.LocalPath), slog.Any("err", res.Err))
	}

	return e.runWholeFile(ctx, req)
}

func (e *Executor) sink() progress.Sink {
	if e.Sink != nil {
		return e.Sink
	}

	return progress.NoOp{}
}

// runWholeFile streams the remote file straight to a .partial sibling of
// localPath, verifies it, and renames it over localPath on success.
func (e *Executor) runWholeFile(ctx context.Context, req Request) Result {
	src, err := e.Channel.OpenRemote(ctx, req.RemotePath)
	if err != nil {
		return Result{Outcome: OutcomeRemoteOpenFailed, Mode: policy.Sftp, LocalPath: req.LocalPath, Err: err}
	}
	defer src.Close()

	partial := req.LocalPath + ".partial"
	cr := &cancelReader{ctx: ctx, r: src}

	res, err := integrity.CopyVerified(cr, partial, req.RemoteLength, req.RemoteSha1, e.sink())
	if err != nil {
		os.Remove(partial)

		if ctx.Err() != nil {
			return Result{Outcome: OutcomeSkipped, Mode: policy.Sftp, LocalPath: req.LocalPath}
		}

		return Result{Outcome: OutcomeCopyFailed, Mode: policy.Sftp, LocalPath: req.LocalPath,
			Err: errs.Wrap(errs.IO, "", "", req.LocalPath, err)}
	}

	switch res.Outcome {
	case integrity.OutcomeLengthMismatch:
		os.Remove(partial)
		return Result{Outcome: OutcomeLengthMismatch, Mode: policy.Sftp, LocalPath: req.LocalPath, Bytes: res.Length}
	case integrity.OutcomeSha1Mismatch:
		os.Remove(partial)
		return Result{Outcome: OutcomeSha1Mismatch, Mode: policy.Sftp, LocalPath: req.LocalPath, Bytes: res.Length}
	}

	if err := os.Rename(partial, req.LocalPath); err != nil {
		os.Remove(partial)
		return Result{Outcome: OutcomeCopyFailed, Mode: policy.Sftp, LocalPath: req.LocalPath,
			Err: errs.Wrap(errs.IO, "", "", req.LocalPath, err)}
	}

	e.sink().Finish()

	return Result{Outcome: OutcomeSuccessed, Mode: policy.Sftp, LocalPath: req.LocalPath, Bytes: res.Length}
}

// runDelta attempts the rsync-style path. ok is false if any step failed,
// in which case the caller falls back to runWholeFile; local/remote
// temporaries are always cleaned up before returning.
func (e *Executor) runDelta(ctx context.Context, req Request) (Result, bool) {
	remoteSig := req.RemotePath + ".sig"
	remoteDelta := req.RemotePath + ".delta"
	restorePath := req.LocalPath + ".restore"

	defer os.Remove(restorePath)
	defer e.Channel.RemoveRemote(ctx, remoteSig)
	defer e.Channel.RemoveRemote(ctx, remoteDelta)

	baseline, err := os.Open(req.LocalPath)
	if err != nil {
		return Result{Mode: policy.Rsync, LocalPath: req.LocalPath, Err: err}, false
	}
	defer baseline.Close()

	sig, err := delta.GenerateSignature(baseline, e.BlockSize)
	if err != nil {
		return Result{Mode: policy.Rsync, LocalPath: req.LocalPath, Err: err}, false
	}

	if err := e.uploadSignature(ctx, remoteSig, sig); err != nil {
		return Result{Mode: policy.Rsync, LocalPath: req.LocalPath, Err: err}, false
	}

	if ctx.Err() != nil {
		return Result{Outcome: OutcomeSkipped, Mode: policy.Rsync, LocalPath: req.LocalPath}, true
	}

	cmd := fmt.Sprintf("%s rsync delta-a-file --new-file %s --sig-file %s --out-file %s",
		e.RemoteExec, shellQuote(req.RemotePath), shellQuote(remoteSig), shellQuote(remoteDelta))

	out, err := e.Channel.Exec(ctx, cmd)
	if err != nil {
		return Result{Mode: policy.Rsync, LocalPath: req.LocalPath, Err: err}, false
	}

	io.Copy(io.Discard, out) //nolint:errcheck // stdout is logged by the remote side only

	if err := out.Close(); err != nil {
		return Result{Mode: policy.Rsync, LocalPath: req.LocalPath, Err: err}, false
	}

	deltaStream, err := e.Channel.OpenRemote(ctx, remoteDelta)
	if err != nil {
		return Result{Outcome: OutcomeRemoteOpenFailed, Mode: policy.Rsync, LocalPath: req.LocalPath, Err: err}, false
	}
	defer deltaStream.Close()

	restored, bytesWritten, err := e.restoreDelta(ctx, baseline, sig, deltaStream, restorePath)
	if err != nil {
		return Result{Mode: policy.Rsync, LocalPath: req.LocalPath, Err: err}, false
	}

	if req.RemoteSha1 != "" && !restored.sha1Matches(req.RemoteSha1) {
		return Result{Outcome: OutcomeSha1Mismatch, Mode: policy.Rsync, LocalPath: req.LocalPath, Bytes: bytesWritten}, false
	}

	if err := atomicReplace(req.LocalPath, restorePath); err != nil {
		return Result{Mode: policy.Rsync, LocalPath: req.LocalPath, Err: err}, false
	}

	e.sink().Finish()

	return Result{Outcome: OutcomeSuccessed, Mode: policy.Rsync, LocalPath: req.LocalPath, Bytes: bytesWritten}, true
}

func (e *Executor) uploadSignature(ctx context.Context, remotePath string, sig delta.Signature) error {
	w, err := e.Channel.CreateRemote(ctx, remotePath)
	if err != nil {
		return err
	}
	defer w.Close()

	_, err = sig.WriteTo(w)

	return err
}

type restoredHash struct {
	sha1 string
}

func (r restoredHash) sha1Matches(expected string) bool {
	return strings.EqualFold(expected, r.sha1)
}

// restoreDelta decodes the delta header, restores it to restorePath while
// hashing the output, and returns the computed hash plus byte count.
func (e *Executor) restoreDelta(ctx context.Context, baseline *os.File, sig delta.Signature, deltaStream io.Reader, restorePath string) (restoredHash, uint64, error) {
	cr := &cancelReader{ctx: ctx, r: deltaStream}

	dec, newLen, err := delta.DecodeDeltaHeader(cr)
	if err != nil {
		return restoredHash{}, 0, fmt.Errorf("transfer: decoding delta header: %w", err)
	}

	out, err := os.OpenFile(restorePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return restoredHash{}, 0, fmt.Errorf("transfer: creating %s: %w", restorePath, err)
	}
	defer out.Close()

	tee := newTeeWriter(out, e.sink())

	if err := delta.Restore(dec, newLen, sig, baseline, tee); err != nil {
		return restoredHash{}, 0, fmt.Errorf("transfer: restoring %s: %w", restorePath, err)
	}

	return restoredHash{sha1: tee.sha1()}, tee.total, nil
}

// teeWriter writes through to dst while accumulating a running SHA-1 and
// byte count, and forwarding byte counts to a progress sink.
type teeWriter struct {
	dst   io.Writer
	hash  hash.Hash
	sink  progress.Sink
	total uint64
}

func newTeeWriter(dst io.Writer, sink progress.Sink) *teeWriter {
	return &teeWriter{dst: dst, hash: sha1.New(), sink: sink} //nolint:gosec // see import comment
}

func (t *teeWriter) Write(p []byte) (int, error) {
	n, err := t.dst.Write(p)
	if n > 0 {
		t.hash.Write(p[:n])
		t.total += uint64(n)
		t.sink.Inc(int64(n))
	}

	return n, err
}

func (t *teeWriter) sha1() string {
	return strings.ToUpper(hex.EncodeToString(t.hash.Sum(nil)))
}

// cancelReader wraps an io.Reader, returning ctx.Err() once the context is
// done, so long streaming reads observe cancellation between chunks.
type cancelReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *cancelReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}

	return c.r.Read(p)
}

// atomicReplace implements the three-step replace: move localPath aside,
// move restorePath into place, delete the aside copy. If the middle step
// fails, the aside copy is moved back so localPath is never left missing.
func atomicReplace(localPath, restorePath string) error {
	oldTmp := localPath + ".old.tmp"

	if err := os.Rename(localPath, oldTmp); err != nil {
		return fmt.Errorf("transfer: staging replace of %s: %w", localPath, err)
	}

	if err := os.Rename(restorePath, localPath); err != nil {
		os.Rename(oldTmp, localPath) //nolint:errcheck // best-effort restore of the original
		return fmt.Errorf("transfer: promoting restored %s: %w", localPath, err)
	}

	os.Remove(oldTmp)

	return nil
}

// shellQuote wraps s in single quotes for safe inclusion in a command line
// run through the remote shell, escaping any embedded single quote.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
