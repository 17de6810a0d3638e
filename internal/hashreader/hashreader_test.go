package hashreader

import (
	"crypto/sha1" //nolint:gosec // test oracle, matches production hash choice
	"encoding/hex"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct{ total int64 }

func (f *fakeSink) Inc(n int64) { f.total += n }

func TestReaderHashesAndCounts(t *testing.T) {
	data := "the quick brown fox jumps over the lazy dog"
	sink := &fakeSink{}
	r := New(strings.NewReader(data), sink)

	buf := make([]byte, 7)

	var total int
	for {
		n, err := r.Read(buf)
		total += n

		if err != nil {
			break
		}
	}

	assert.Equal(t, len(data), total)
	assert.Equal(t, int64(len(data)), sink.total)

	length, digest, err := r.Finalize()
	require.NoError(t, err)
	assert.Equal(t, uint64(len(data)), length)

	want := sha1.Sum([]byte(data)) //nolint:gosec
	assert.Equal(t, strings.ToUpper(hex.EncodeToString(want[:])), digest)
}

func TestReaderFinalizeTwiceFails(t *testing.T) {
	r := New(strings.NewReader("abc"), nil)
	_, _ = io.ReadAll(r)

	_, _, err := r.Finalize()
	require.NoError(t, err)

	_, _, err = r.Finalize()
	require.ErrorIs(t, err, ErrAlreadyFinalized)
}

func TestReaderNilSink(t *testing.T) {
	r := New(strings.NewReader("xyz"), nil)
	_, _ = io.ReadAll(r)
	_, _, err := r.Finalize()
	require.NoError(t, err)
}
