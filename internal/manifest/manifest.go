// Package manifest produces and parses the per-directory listing of
// RemoteFileItem rows (C4): the remote side walks its configured directory
// applying include/exclude globs and emits one line per file; the hub side
// parses those lines back into RemoteFileItem values.
package manifest

import (
	"bufio"
	"crypto/sha1" //nolint:gosec // content hash for change detection, not authentication
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jianglibo/bkoverssh/internal/pathmodel"
)

// RemoteFileItem is one file entry in a directory's manifest.
type RemoteFileItem struct {
	RelativePath string // wire form, forward-slash, never empty, never absolute
	Length       uint64
	Sha1         string // empty when skip_sha1 or not yet computed
	Modified     time.Time
	HasModified  bool
}

// Manifest is the ordered, deterministic (by path) listing for one directory.
type Manifest struct {
	Items []RemoteFileItem
}

// WalkOptions configures Walk.
type WalkOptions struct {
	Includes []string // glob patterns matched against the wire-form relative path
	Excludes []string
	SkipSha1 bool
}

// Walk enumerates files under root, following symlinks whose target resolves
// inside root (loops broken by a set of visited resolved symlink targets) and applying include/
// exclude globs. Directories contribute no rows. Result is sorted by path.
func Walk(root string, opts WalkOptions) (Manifest, error) {
	visited := map[string]bool{}

	var items []RemoteFileItem

	err := walkDir(root, root, visited, opts, &items)
	if err != nil {
		return Manifest{}, err
	}

	sort.Slice(items, func(i, j int) bool { return items[i].RelativePath < items[j].RelativePath })

	return Manifest{Items: items}, nil
}

func walkDir(root, dir string, visited map[string]bool, opts WalkOptions, items *[]RemoteFileItem) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("manifest: read dir %s: %w", dir, err)
	}

	for _, entry := range entries {
		full := filepath.Join(dir, entry.Name())

		info, err := entry.Info()
		if err != nil {
			return fmt.Errorf("manifest: stat %s: %w", full, err)
		}

		if info.Mode()&fs.ModeSymlink != 0 {
			resolved, ok, err := resolveSymlinkWithinRoot(root, full)
			if err != nil {
				return err
			}

			if !ok {
				continue // target escapes root: skip, as if it did not exist
			}

			key := inodeKey(resolved)
			if visited[key] {
				continue // loop
			}

			visited[key] = true

			target, err := os.Stat(resolved)
			if err != nil {
				return fmt.Errorf("manifest: stat symlink target %s: %w", resolved, err)
			}

			if target.IsDir() {
				if err := walkDir(root, resolved, visited, opts, items); err != nil {
					return err
				}

				continue
			}

			info = target
			full = resolved
		}

		if info.IsDir() {
			if err := walkDir(root, full, visited, opts, items); err != nil {
				return err
			}

			continue
		}

		rel, err := pathmodel.RelativeTo(root, full)
		if err != nil {
			return fmt.Errorf("manifest: relative path of %s: %w", full, err)
		}

		if !included(rel, opts.Includes, opts.Excludes) {
			continue
		}

		item := RemoteFileItem{
			RelativePath: rel,
			Length:       uint64(info.Size()),
			Modified:     info.ModTime(),
			HasModified:  true,
		}

		if !opts.SkipSha1 {
			sum, err := hashFile(full)
			if err != nil {
				return fmt.Errorf("manifest: hash %s: %w", full, err)
			}

			item.Sha1 = sum
		}

		*items = append(*items, item)
	}

	return nil
}

func resolveSymlinkWithinRoot(root, linkPath string) (string, bool, error) {
	resolved, err := filepath.EvalSymlinks(linkPath)
	if err != nil {
		return "", false, fmt.Errorf("manifest: resolve symlink %s: %w", linkPath, err)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", false, fmt.Errorf("manifest: abs root %s: %w", root, err)
	}

	rel, err := filepath.Rel(absRoot, resolved)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false, nil
	}

	return resolved, true, nil
}

func inodeKey(path string) string {
	// os.SameFile needs two FileInfos; a resolved absolute path is already a
	// stable, loop-safe key since EvalSymlinks returns a canonical path.
	return path
}

func included(relWire string, includes, excludes []string) bool {
	for _, pat := range excludes {
		if globMatch(pat, relWire) {
			return false
		}
	}

	if len(includes) == 0 {
		return true
	}

	for _, pat := range includes {
		if globMatch(pat, relWire) {
			return true
		}
	}

	return false
}

// globMatch matches pat against either the full relative path or just its
// base name, so a pattern like "*.tar" matches files in any subdirectory.
func globMatch(pat, relWire string) bool {
	if ok, _ := filepath.Match(pat, relWire); ok {
		return true
	}

	ok, _ := filepath.Match(pat, filepath.Base(relWire))

	return ok
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha1.New() //nolint:gosec
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return fmt.Sprintf("%X", h.Sum(nil)), nil
}

// percentEncode escapes tabs and newlines so a single manifest line never
// spans more than one physical line and never gains a spurious field.
func percentEncode(s string) string {
	s = strings.ReplaceAll(s, "%", "%25")
	s = strings.ReplaceAll(s, "\t", "%09")
	s = strings.ReplaceAll(s, "\n", "%0A")

	return s
}

func percentDecode(s string) string {
	s = strings.ReplaceAll(s, "%0A", "\n")
	s = strings.ReplaceAll(s, "%09", "\t")
	s = strings.ReplaceAll(s, "%25", "%")

	return s
}

// WriteTo serializes the manifest as tab-separated lines:
// <relative_path>\t<length>\t<sha1 or ->\t<iso-8601 modified or ->\n
func (m Manifest) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)

	var total int64

	for _, it := range m.Items {
		sha1Field := "-"
		if it.Sha1 != "" {
			sha1Field = it.Sha1
		}

		modField := "-"
		if it.HasModified {
			modField = it.Modified.UTC().Format(time.RFC3339Nano)
		}

		n, err := fmt.Fprintf(bw, "%s\t%d\t%s\t%s\n", percentEncode(it.RelativePath), it.Length, sha1Field, modField)
		total += int64(n)

		if err != nil {
			return total, err
		}
	}

	return total, bw.Flush()
}

// Parse reads the tab-separated manifest line format back into a Manifest.
func Parse(r io.Reader) (Manifest, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	var items []RemoteFileItem

	lineNo := 0

	for scanner.Scan() {
		lineNo++

		line := scanner.Text()
		if line == "" {
			continue
		}

		fields := strings.Split(line, "\t")
		if len(fields) != 4 {
			return Manifest{}, fmt.Errorf("manifest: line %d: expected 4 fields, got %d", lineNo, len(fields))
		}

		length, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return Manifest{}, fmt.Errorf("manifest: line %d: bad length %q: %w", lineNo, fields[1], err)
		}

		item := RemoteFileItem{
			RelativePath: percentDecode(fields[0]),
			Length:       length,
		}

		if fields[2] != "-" {
			item.Sha1 = fields[2]
		}

		if fields[3] != "-" {
			t, err := time.Parse(time.RFC3339Nano, fields[3])
			if err != nil {
				return Manifest{}, fmt.Errorf("manifest: line %d: bad modified %q: %w", lineNo, fields[3], err)
			}

			item.Modified = t
			item.HasModified = true
		}

		if item.RelativePath == "" {
			return Manifest{}, fmt.Errorf("manifest: line %d: empty relative_path", lineNo)
		}

		if filepath.IsAbs(item.RelativePath) || strings.HasPrefix(item.RelativePath, "/") {
			return Manifest{}, fmt.Errorf("manifest: line %d: relative_path must not be absolute: %q", lineNo, item.RelativePath)
		}

		items = append(items, item)
	}

	if err := scanner.Err(); err != nil {
		return Manifest{}, fmt.Errorf("manifest: scan: %w", err)
	}

	seen := make(map[string]bool, len(items))
	for _, it := range items {
		if seen[it.RelativePath] {
			return Manifest{}, fmt.Errorf("manifest: duplicate relative_path %q", it.RelativePath)
		}

		seen[it.RelativePath] = true
	}

	return Manifest{Items: items}, nil
}
