package delta

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, baseline, newData string, blockSize uint32) []byte {
	t.Helper()

	sig, err := GenerateSignature(strings.NewReader(baseline), blockSize)
	require.NoError(t, err)

	chunks := ComputeDelta([]byte(newData), sig)

	var deltaBuf bytes.Buffer
	require.NoError(t, WriteDelta(&deltaBuf, uint64(len(newData)), chunks))

	dec, newLen, err := DecodeDeltaHeader(&deltaBuf)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(newData)), newLen)

	var out bytes.Buffer
	err = Restore(dec, newLen, sig, strings.NewReader(baseline), &out)
	require.NoError(t, err)

	return out.Bytes()
}

func TestIdenticalStreamsProduceAllCopy(t *testing.T) {
	data := strings.Repeat("0123456789", 200)

	sig, err := GenerateSignature(strings.NewReader(data), 512)
	require.NoError(t, err)

	chunks := ComputeDelta([]byte(data), sig)
	require.Len(t, chunks, 1)
	assert.Equal(t, TagCopy, chunks[0].Tag)
	assert.Equal(t, uint64(len(sig.Blocks)), chunks[0].Count)

	restored := roundTrip(t, data, data, 512)
	assert.Equal(t, data, string(restored))
}

func TestEmptyBaselineProducesAllLiteral(t *testing.T) {
	restored := roundTrip(t, "", "brand new content", 512)
	assert.Equal(t, "brand new content", string(restored))
}

func TestEmptyNewStreamProducesEmptyDelta(t *testing.T) {
	sig, err := GenerateSignature(strings.NewReader("some baseline data"), 512)
	require.NoError(t, err)

	chunks := ComputeDelta(nil, sig)
	assert.Empty(t, chunks)

	restored := roundTrip(t, "some baseline data", "", 512)
	assert.Empty(t, restored)
}

func TestInsertionInMiddleYieldsCopyLiteralCopy(t *testing.T) {
	baseline := strings.Repeat("A", 512) + strings.Repeat("B", 512)
	newData := strings.Repeat("A", 512) + "INSERTED" + strings.Repeat("B", 512)

	sig, err := GenerateSignature(strings.NewReader(baseline), 512)
	require.NoError(t, err)

	chunks := ComputeDelta([]byte(newData), sig)
	require.Len(t, chunks, 3)
	assert.Equal(t, Chunk{Tag: TagCopy, BlockIndex: 0, Count: 1}, chunks[0])
	assert.Equal(t, TagLiteral, chunks[1].Tag)
	assert.Equal(t, "INSERTED", string(chunks[1].Literal))
	assert.Equal(t, Chunk{Tag: TagCopy, BlockIndex: 1, Count: 1}, chunks[2])

	restored := roundTrip(t, baseline, newData, 512)
	assert.Equal(t, newData, string(restored))
}

func TestAppendOnlyTailReusesWholeBaseline(t *testing.T) {
	// Distinct blocks, so each baseline block matches only itself.
	baseline := strings.Repeat("0123456789", 205)[:2048]
	newData := baseline + "tail-appended-bytes"

	sig, err := GenerateSignature(strings.NewReader(baseline), 512)
	require.NoError(t, err)

	chunks := ComputeDelta([]byte(newData), sig)
	require.GreaterOrEqual(t, len(chunks), 2)
	assert.Equal(t, TagCopy, chunks[0].Tag)
	assert.Equal(t, uint64(len(sig.Blocks)), chunks[0].Count)
	assert.Equal(t, TagLiteral, chunks[len(chunks)-1].Tag)

	restored := roundTrip(t, baseline, newData, 512)
	assert.Equal(t, newData, string(restored))
}

func TestShortFinalBlockMatchesOnlyAtTail(t *testing.T) {
	baseline := strings.Repeat("Y", 1000) // block size 512: blocks of 512, 488
	newData := baseline

	sig, err := GenerateSignature(strings.NewReader(baseline), 512)
	require.NoError(t, err)
	require.Len(t, sig.Blocks, 2)

	// Block 1 (488 bytes) can only match the 488-byte window at the tail.
	chunks := ComputeDelta([]byte(newData), sig)
	require.Len(t, chunks, 1)
	assert.Equal(t, Chunk{Tag: TagCopy, BlockIndex: 0, Count: 2}, chunks[0])

	restored := roundTrip(t, baseline, newData, 512)
	assert.Equal(t, newData, string(restored))
}

func TestRepeatedBlocksTieBreakOnLowestIndex(t *testing.T) {
	block := strings.Repeat("Z", 512)
	baseline := block + block + block // three identical blocks
	newData := block

	sig, err := GenerateSignature(strings.NewReader(baseline), 512)
	require.NoError(t, err)

	chunks := ComputeDelta([]byte(newData), sig)
	require.Len(t, chunks, 1)
	assert.Equal(t, TagCopy, chunks[0].Tag)
	assert.Equal(t, uint64(0), chunks[0].BlockIndex)
}

func TestSignatureWireRoundTrip(t *testing.T) {
	sig, err := GenerateSignature(strings.NewReader(strings.Repeat("content", 100)), 512)
	require.NoError(t, err)

	var buf bytes.Buffer
	_, err = sig.WriteTo(&buf)
	require.NoError(t, err)

	parsed, err := ParseSignature(&buf)
	require.NoError(t, err)
	assert.Equal(t, sig, parsed)
}

func TestGenerateSignatureRejectsBlockSizeOutOfRange(t *testing.T) {
	_, err := GenerateSignature(strings.NewReader("x"), 1)
	require.ErrorIs(t, err, ErrBlockSizeOutOfRange)

	_, err = GenerateSignature(strings.NewReader("x"), MaxBlockSize+1)
	require.ErrorIs(t, err, ErrBlockSizeOutOfRange)
}

func TestParseSignatureRejectsBadMagic(t *testing.T) {
	_, err := ParseSignature(strings.NewReader("XXXXnotasignature"))
	require.Error(t, err)
}

func TestChunkDecoderRejectsUnknownTag(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(deltaMagic[:])
	buf.Write([]byte{0, 0, 0, 0, 0, 0, 0, 0})
	buf.WriteByte(0x7f)

	dec, _, err := DecodeDeltaHeader(&buf)
	require.NoError(t, err)

	_, err = dec.Next()
	require.ErrorIs(t, err, ErrUnknownChunkTag)
}

func TestRestoreDetectsLengthMismatch(t *testing.T) {
	baseline := "hello world"

	sig, err := GenerateSignature(strings.NewReader(baseline), 512)
	require.NoError(t, err)

	var deltaBuf bytes.Buffer
	require.NoError(t, WriteDelta(&deltaBuf, 999, ComputeDelta([]byte(baseline), sig)))

	dec, newLen, err := DecodeDeltaHeader(&deltaBuf)
	require.NoError(t, err)

	err = Restore(dec, newLen, sig, strings.NewReader(baseline), io.Discard)
	require.ErrorIs(t, err, ErrRestoreLengthMismatch)
}

func TestLiteralChunksSplitAtMaxSize(t *testing.T) {
	newData := bytes.Repeat([]byte("q"), maxLiteralChunk*2+10)

	chunks := ComputeDelta(newData, Signature{})
	require.Len(t, chunks, 3)

	for _, c := range chunks[:2] {
		assert.Len(t, c.Literal, maxLiteralChunk)
	}

	assert.Len(t, chunks[2].Literal, 10)
}
