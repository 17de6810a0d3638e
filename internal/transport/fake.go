package transport

import (
	"bytes"
	"context"
	"crypto/sha1" //nolint:gosec // test fixture hash, not authentication
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/jianglibo/bkoverssh/internal/delta"
	"github.com/jianglibo/bkoverssh/internal/manifest"
)

// MemChannel is an in-memory Channel fake: a map of remote paths to
// contents, plus just enough command parsing to answer "list-files" and
// "rsync delta-a-file" the way the real remote binary would. It exists so
// internal/driver's end-to-end tests can drive the full pull pipeline
// without a real SSH connection.
type MemChannel struct {
	mu    sync.Mutex
	files map[string][]byte
}

// NewMemChannel returns an empty MemChannel.
func NewMemChannel() *MemChannel {
	return &MemChannel{files: make(map[string][]byte)}
}

// PutFile seeds path with content, as if it already existed on the remote.
func (c *MemChannel) PutFile(path string, content []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.files[path] = append([]byte(nil), content...)
}

// Files returns a snapshot of every path currently stored, for assertions.
func (c *MemChannel) Files() map[string][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string][]byte, len(c.files))
	for k, v := range c.files {
		out[k] = append([]byte(nil), v...)
	}

	return out
}

func (c *MemChannel) get(path string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.files[path]

	return v, ok
}

func (c *MemChannel) set(path string, content []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.files[path] = content
}

func (c *MemChannel) delete(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.files, path)
}

// Exec recognizes two command shapes: "<exec> list-files --dir D [--sha1]"
// and "<exec> rsync delta-a-file --new-file N --sig-file S --out-file O".
func (c *MemChannel) Exec(_ context.Context, command string) (io.ReadCloser, error) {
	fields := strings.Fields(command)
	if len(fields) < 2 {
		return nil, fmt.Errorf("transport: fake exec: malformed command %q", command)
	}

	switch fields[1] {
	case "list-files":
		return c.execListFiles(fields[2:])
	case "rsync":
		if len(fields) < 3 || fields[2] != "delta-a-file" {
			return nil, fmt.Errorf("transport: fake exec: unsupported rsync subcommand in %q", command)
		}

		return c.execDeltaAFile(fields[3:])
	default:
		return nil, fmt.Errorf("transport: fake exec: unsupported command %q", command)
	}
}

func flagValue(args []string, flag string) (string, bool) {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return unquote(args[i+1]), true
		}
	}

	return "", false
}

// unquote strips a single layer of shell single-quoting, mirroring how a
// real remote shell would unquote an Exec command's arguments before the
// recipient binary ever sees them.
func unquote(s string) string {
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		return strings.ReplaceAll(s[1:len(s)-1], `'\''`, "'")
	}

	return s
}

func hasFlag(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}

	return false
}

func (c *MemChannel) execListFiles(args []string) (io.ReadCloser, error) {
	dir, ok := flagValue(args, "--dir")
	if !ok {
		return nil, fmt.Errorf("transport: fake exec: list-files missing --dir")
	}

	withSha1 := hasFlag(args, "--sha1")
	prefix := strings.TrimSuffix(dir, "/") + "/"

	c.mu.Lock()
	var items []manifest.RemoteFileItem

	for path, content := range c.files {
		if !strings.HasPrefix(path, prefix) {
			continue
		}

		rel := strings.TrimPrefix(path, prefix)

		item := manifest.RemoteFileItem{RelativePath: rel, Length: uint64(len(content))}

		if withSha1 {
			sum := sha1.Sum(content) //nolint:gosec
			item.Sha1 = fmt.Sprintf("%X", sum)
		}

		items = append(items, item)
	}
	c.mu.Unlock()

	sort.Slice(items, func(i, j int) bool { return items[i].RelativePath < items[j].RelativePath })

	var buf bytes.Buffer
	if _, err := (manifest.Manifest{Items: items}).WriteTo(&buf); err != nil {
		return nil, err
	}

	return io.NopCloser(&buf), nil
}

func (c *MemChannel) execDeltaAFile(args []string) (io.ReadCloser, error) {
	newFile, ok := flagValue(args, "--new-file")
	if !ok {
		return nil, fmt.Errorf("transport: fake exec: delta-a-file missing --new-file")
	}

	sigFile, ok := flagValue(args, "--sig-file")
	if !ok {
		return nil, fmt.Errorf("transport: fake exec: delta-a-file missing --sig-file")
	}

	outFile, ok := flagValue(args, "--out-file")
	if !ok {
		return nil, fmt.Errorf("transport: fake exec: delta-a-file missing --out-file")
	}

	newContent, ok := c.get(newFile)
	if !ok {
		return nil, fmt.Errorf("transport: fake exec: new-file %s not found", newFile)
	}

	sigBytes, ok := c.get(sigFile)
	if !ok {
		return nil, fmt.Errorf("transport: fake exec: sig-file %s not found", sigFile)
	}

	sig, err := delta.ParseSignature(bytes.NewReader(sigBytes))
	if err != nil {
		return nil, fmt.Errorf("transport: fake exec: parsing signature: %w", err)
	}

	chunks := delta.ComputeDelta(newContent, sig)

	var out bytes.Buffer
	if err := delta.WriteDelta(&out, uint64(len(newContent)), chunks); err != nil {
		return nil, err
	}

	c.set(outFile, out.Bytes())

	return io.NopCloser(strings.NewReader("delta size=" + strconv.Itoa(out.Len()) + "\n")), nil
}

// OpenRemote returns the stored content for path.
func (c *MemChannel) OpenRemote(_ context.Context, path string) (io.ReadCloser, error) {
	content, ok := c.get(path)
	if !ok {
		return nil, fmt.Errorf("transport: fake: remote file %s not found", path)
	}

	return io.NopCloser(bytes.NewReader(content)), nil
}

// memWriteCloser buffers writes, committing them to the MemChannel on Close.
type memWriteCloser struct {
	c    *MemChannel
	path string
	buf  bytes.Buffer
}

func (w *memWriteCloser) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *memWriteCloser) Close() error {
	w.c.set(w.path, append([]byte(nil), w.buf.Bytes()...))
	return nil
}

// CreateRemote returns a writer that commits to path on Close.
func (c *MemChannel) CreateRemote(_ context.Context, path string) (io.WriteCloser, error) {
	return &memWriteCloser{c: c, path: path}, nil
}

// RemoveRemote deletes path.
func (c *MemChannel) RemoveRemote(_ context.Context, path string) error {
	c.delete(path)
	return nil
}

// Close is a no-op: MemChannel owns no real resources.
func (c *MemChannel) Close() error { return nil }

var _ Channel = (*MemChannel)(nil)
