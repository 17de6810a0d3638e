// Package integrity implements the streaming copy-with-verification pipeline
// (C3): copy a source into a destination file, verify its length and (if
// known) SHA-1, and only then let the caller promote it to the canonical
// path. Partially written files are never renamed on a mismatch.
package integrity

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jianglibo/bkoverssh/internal/hashreader"
)

// dirPermissions matches the permissions bk_over_ssh's hub data dir uses for
// directories it creates on demand.
const dirPermissions = 0o755

// filePermissions is used for newly created destination files.
const filePermissions = 0o644

// DefaultBufLen is the default streaming buffer size (8 KiB), overridable by
// ServerSpec.buf_len.
const DefaultBufLen = 8 * 1024

// MaxBufLen is the upper bound a caller may configure for buf_len.
const MaxBufLen = 1 << 20

// Outcome is the verification result of CopyVerified.
type Outcome int

const (
	// OutcomeOK means the stream was copied and, if expected values were
	// given, both length and hash matched.
	OutcomeOK Outcome = iota
	// OutcomeLengthMismatch means the copied length differs from expectedLen.
	OutcomeLengthMismatch
	// OutcomeSha1Mismatch means the copied SHA-1 differs from expectedSha1.
	OutcomeSha1Mismatch
)

// Result is returned by CopyVerified.
type Result struct {
	Outcome  Outcome
	Length   uint64
	Sha1     string
	DestPath string
}

// ProgressSink forwards byte counts as they stream through; may be nil.
type ProgressSink = hashreader.ProgressSink

// CopyVerified streams source into destPath (creating destPath's parent
// directories as needed), accumulating length and SHA-1 as it goes. On EOF
// it compares the accumulated length to expectedLen; on mismatch it returns
// OutcomeLengthMismatch without renaming. If expectedSha1 is non-empty, it is
// compared case-insensitively; on mismatch it returns OutcomeSha1Mismatch.
// destPath is written directly — callers that need atomic replacement of an
// existing canonical file should pass a `.partial` path and rename it
// themselves once Result.Outcome == OutcomeOK (see internal/transfer).
func CopyVerified(source io.Reader, destPath string, expectedLen uint64, expectedSha1 string, sink ProgressSink) (Result, error) {
	if err := os.MkdirAll(filepath.Dir(destPath), dirPermissions); err != nil {
		return Result{}, fmt.Errorf("integrity: mkdir parent of %s: %w", destPath, err)
	}

	dst, err := os.OpenFile(destPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePermissions)
	if err != nil {
		return Result{}, fmt.Errorf("integrity: create %s: %w", destPath, err)
	}
	defer dst.Close()

	hr := hashreader.New(source, sink)

	if _, err := io.Copy(dst, hr); err != nil {
		return Result{}, fmt.Errorf("integrity: copy to %s: %w", destPath, err)
	}

	length, sha1, err := hr.Finalize()
	if err != nil {
		return Result{}, fmt.Errorf("integrity: finalize hash for %s: %w", destPath, err)
	}

	res := Result{Length: length, Sha1: sha1, DestPath: destPath, Outcome: OutcomeOK}

	if length != expectedLen {
		res.Outcome = OutcomeLengthMismatch
		return res, nil
	}

	if expectedSha1 != "" && !strings.EqualFold(sha1, expectedSha1) {
		res.Outcome = OutcomeSha1Mismatch
		return res, nil
	}

	return res, nil
}

// ClampBufLen enforces the [1, MaxBufLen] range a server's configured
// buf_len must respect; zero/negative falls back to DefaultBufLen.
func ClampBufLen(n int) int {
	if n <= 0 {
		return DefaultBufLen
	}

	if n > MaxBufLen {
		return MaxBufLen
	}

	return n
}
