// Package policy implements the Sftp-vs-Rsync decision (C7): given one
// file's remote manifest entry and the server's configuration, it picks the
// transfer mode TransferExecutor attempts first.
package policy

import (
	"os"

	"github.com/jianglibo/bkoverssh/internal/config"
)

// SyncType is the chosen transfer mode for one file.
type SyncType int

const (
	// Sftp transfers the whole file.
	Sftp SyncType = iota
	// Rsync transfers only the delta against the existing local baseline.
	Rsync
)

func (t SyncType) String() string {
	switch t {
	case Rsync:
		return "rsync"
	default:
		return "sftp"
	}
}

// Decide returns the transfer mode for a file whose remote length is
// remoteLength and whose local baseline lives at localPath (localPath need
// not exist):
//
//   - no local baseline exists -> Sftp.
//   - remoteLength < server.RsyncValve -> Sftp.
//   - server.UseRsync -> Rsync.
//   - otherwise -> Sftp.
//
// TransferExecutor may still fall back from Rsync to Sftp on any delta-side
// failure; Decide only picks the first attempt.
func Decide(localPath string, remoteLength uint64, server config.ServerSpec) SyncType {
	if !localBaselineExists(localPath) {
		return Sftp
	}

	if remoteLength < server.RsyncValve {
		return Sftp
	}

	if server.UseRsync {
		return Rsync
	}

	return Sftp
}

func localBaselineExists(localPath string) bool {
	info, err := os.Stat(localPath)
	if err != nil {
		return false
	}

	return !info.IsDir()
}
