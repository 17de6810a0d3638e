package integrity

import (
	"crypto/sha1" //nolint:gosec // test oracle
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sha1Hex(s string) string {
	sum := sha1.Sum([]byte(s)) //nolint:gosec
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

func TestCopyVerifiedSuccess(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "sub", "a.txt")
	content := "hello"

	res, err := CopyVerified(strings.NewReader(content), dest, uint64(len(content)), sha1Hex(content), nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, res.Outcome)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, string(got))
}

func TestCopyVerifiedLengthMismatch(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "a.txt")

	res, err := CopyVerified(strings.NewReader("hello"), dest, 999, "", nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeLengthMismatch, res.Outcome)

	// the file is still written to destPath (never renamed by this package) —
	// the caller decides what to do with a mismatched `.partial`.
	_, statErr := os.Stat(dest)
	assert.NoError(t, statErr)
}

func TestCopyVerifiedSha1Mismatch(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "a.txt")
	content := "hello"

	res, err := CopyVerified(strings.NewReader(content), dest, uint64(len(content)), "deadbeef", nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSha1Mismatch, res.Outcome)
}

func TestCopyVerifiedNoExpectedHash(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "a.txt")
	content := "no hash expected"

	res, err := CopyVerified(strings.NewReader(content), dest, uint64(len(content)), "", nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, res.Outcome)
}

func TestClampBufLen(t *testing.T) {
	assert.Equal(t, DefaultBufLen, ClampBufLen(0))
	assert.Equal(t, DefaultBufLen, ClampBufLen(-5))
	assert.Equal(t, MaxBufLen, ClampBufLen(MaxBufLen+1))
	assert.Equal(t, 4096, ClampBufLen(4096))
}
