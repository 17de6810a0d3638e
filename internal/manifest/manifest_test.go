package manifest

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWalkFiltersAndOrders(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "b.bin"), make([]byte, 1024), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "ignore.log"), []byte("x"), 0o644))

	m, err := Walk(root, WalkOptions{Excludes: []string{"*.log"}})
	require.NoError(t, err)
	require.Len(t, m.Items, 2)
	assert.Equal(t, "a.txt", m.Items[0].RelativePath)
	assert.Equal(t, "sub/b.bin", m.Items[1].RelativePath)
	assert.NotEmpty(t, m.Items[0].Sha1)
}

func TestWalkSkipSha1(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o644))

	m, err := Walk(root, WalkOptions{SkipSha1: true})
	require.NoError(t, err)
	require.Len(t, m.Items, 1)
	assert.Empty(t, m.Items[0].Sha1)
}

func TestRoundTripWriteParse(t *testing.T) {
	mod := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m := Manifest{Items: []RemoteFileItem{
		{RelativePath: "a.txt", Length: 5, Sha1: "AAF4C61DDCC5E8A2DABEDE0F3B482CD9AEA9434D", Modified: mod, HasModified: true},
		{RelativePath: "sub/b.bin", Length: 1024},
	}}

	var buf bytes.Buffer
	_, err := m.WriteTo(&buf)
	require.NoError(t, err)

	parsed, err := Parse(&buf)
	require.NoError(t, err)
	require.Len(t, parsed.Items, 2)
	assert.Equal(t, m.Items[0].RelativePath, parsed.Items[0].RelativePath)
	assert.Equal(t, m.Items[0].Sha1, parsed.Items[0].Sha1)
	assert.True(t, parsed.Items[0].Modified.Equal(mod))
	assert.Empty(t, parsed.Items[1].Sha1)
	assert.False(t, parsed.Items[1].HasModified)
}

func TestParseRejectsDuplicatePaths(t *testing.T) {
	in := "a.txt\t5\t-\t-\na.txt\t6\t-\t-\n"
	_, err := Parse(bytes.NewBufferString(in))
	require.Error(t, err)
}

func TestParseRejectsAbsolutePath(t *testing.T) {
	in := "/abs.txt\t5\t-\t-\n"
	_, err := Parse(bytes.NewBufferString(in))
	require.Error(t, err)
}

func TestPercentEncodingRoundTrip(t *testing.T) {
	m := Manifest{Items: []RemoteFileItem{{RelativePath: "weird\tname\nhere", Length: 1}}}

	var buf bytes.Buffer
	_, err := m.WriteTo(&buf)
	require.NoError(t, err)

	parsed, err := Parse(&buf)
	require.NoError(t, err)
	assert.Equal(t, "weird\tname\nhere", parsed.Items[0].RelativePath)
}
