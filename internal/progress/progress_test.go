package progress

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNoOpDiscardsUpdates(t *testing.T) {
	var s Sink = NoOp{}

	s.Inc(100)
	s.Finish()
}

func TestLogSinkTracksTotal(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sink := NewLogSink(logger, "/tmp/file", 0)

	sink.Inc(10)
	sink.Inc(20)
	sink.Finish()

	assert.Equal(t, int64(30), sink.total.Load())
}

func TestDefaultFactoryReturnsLogSinkWhenVerbose(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	factory := DefaultFactory(logger, true)
	sink := factory("/tmp/file")

	_, isLogSink := sink.(*LogSink)
	assert.True(t, isLogSink)
}

func TestDefaultFactoryReturnsNoOpWhenNotVerboseAndNotATerminal(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// go test's stderr is never an attached terminal in CI/sandboxed runs.
	if IsTerminal(2) {
		t.Skip("stderr is an attached terminal in this environment")
	}

	factory := DefaultFactory(logger, false)
	sink := factory("/tmp/file")

	_, isNoOp := sink.(NoOp)
	assert.True(t, isNoOp)
}
