// Package transport is the external interface boundary (A4/§6): every core
// component that needs to reach a fleet member programs against Channel,
// never against an ssh.Client directly. SSHChannel is the concrete binding,
// using golang.org/x/crypto/ssh for the authenticated connection and
// github.com/pkg/sftp for remote file access — grounded on rclone's
// sshClient/sshSession abstraction (backend/sftp/ssh.go), adapted from an
// internal-vs-external-binary seam to an interface-vs-real-SSH seam.
package transport

import (
	"context"
	"fmt"
	"io"
)

// Channel is one authenticated connection to a fleet member, multiplexed
// over SSH: Exec runs the remote binary's control subcommands, OpenRemote
// and CreateRemote give streaming read/write access to remote files (the
// sftp subsystem).
type Channel interface {
	// Exec runs command on the remote host (a single already-quoted
	// command line) and returns its standard output as a stream; Close
	// on the returned ReadCloser waits for the remote process to exit
	// and returns a non-nil error if it exited non-zero or was killed.
	Exec(ctx context.Context, command string) (io.ReadCloser, error)

	// OpenRemote opens path on the remote host for reading.
	OpenRemote(ctx context.Context, path string) (io.ReadCloser, error)

	// CreateRemote creates (truncating) path on the remote host for
	// writing, creating parent directories as needed.
	CreateRemote(ctx context.Context, path string) (io.WriteCloser, error)

	// RemoveRemote deletes path on the remote host; used to clean up
	// `.sig`/`.delta` temporaries after a delta transfer.
	RemoveRemote(ctx context.Context, path string) error

	// Close tears down the underlying connection. Safe to call more
	// than once.
	Close() error
}

// ErrRemoteCommandFailed wraps a non-zero remote exit, with stderr attached
// for diagnostics.
type ErrRemoteCommandFailed struct {
	Command  string
	Stderr   string
	ExitErr  error
}

func (e *ErrRemoteCommandFailed) Error() string {
	return fmt.Sprintf("transport: remote command %q failed: %v: %s", e.Command, e.ExitErr, e.Stderr)
}

func (e *ErrRemoteCommandFailed) Unwrap() error {
	return e.ExitErr
}
