package pathmodel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/text/unicode/norm"
)

func TestToWireNormalizesToNFC(t *testing.T) {
	// "e" (U+0065) + combining acute accent (U+0301): the NFD form macOS
	// volumes store an accented filename as on disk.
	decomposed := "café/notes.txt"

	got := ToWire(decomposed)

	assert.Equal(t, norm.NFC.String(decomposed), got)
	assert.NotEqual(t, decomposed, got)
}

func TestToWireIsIdempotentOnAlreadyNormalizedInput(t *testing.T) {
	composed := norm.NFC.String("café/notes.txt")

	assert.Equal(t, composed, ToWire(composed))
}

func TestJoinLocalAndJoinRemoteRoundTripWireForm(t *testing.T) {
	local := JoinLocal("/srv/data", "sub/dir/file.txt")
	remote := JoinRemote("/remote/data", "sub/dir/file.txt")

	assert.Contains(t, local, "file.txt")
	assert.Equal(t, "/remote/data/sub/dir/file.txt", remote)
}
