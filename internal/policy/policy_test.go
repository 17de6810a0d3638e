package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jianglibo/bkoverssh/internal/config"
)

func TestDecideNoLocalBaselineIsSftp(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "does-not-exist")

	server := config.ServerSpec{RsyncValve: 1024, UseRsync: true}

	require.Equal(t, Sftp, Decide(missing, 10*1024*1024, server))
}

func TestDecideBelowRsyncValveIsSftp(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(local, []byte("hello"), 0o644))

	server := config.ServerSpec{RsyncValve: 1024 * 1024, UseRsync: true}

	require.Equal(t, Sftp, Decide(local, 100, server))
}

func TestDecideAboveValveWithRsyncRequestedIsRsync(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(local, []byte("hello"), 0o644))

	server := config.ServerSpec{RsyncValve: 1024, UseRsync: true}

	require.Equal(t, Rsync, Decide(local, 10*1024*1024, server))
}

func TestDecideAboveValveWithoutRsyncRequestIsSftp(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(local, []byte("hello"), 0o644))

	server := config.ServerSpec{RsyncValve: 1024, UseRsync: false}

	require.Equal(t, Sftp, Decide(local, 10*1024*1024, server))
}

func TestDecideLocalBaselineIsDirectoryTreatedAsMissing(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(sub, 0o755))

	server := config.ServerSpec{RsyncValve: 1024, UseRsync: true}

	require.Equal(t, Sftp, Decide(sub, 10*1024*1024, server))
}
