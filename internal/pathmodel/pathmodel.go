// Package pathmodel normalizes the local/remote path pairs that every other
// component derives a file's on-disk and on-wire location from.
package pathmodel

import (
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ToWire converts an OS-local relative path to the forward-slash,
// NFC-normalized form used on the wire (manifest lines, signature/delta
// remote paths, index keys). NFC normalization is applied here, not at the
// filesystem-read call sites, so a macOS volume's NFD-decomposed filenames
// (e.g. an accented character stored as two runes) still compare equal to
// the same name normalized elsewhere on the wire; the raw OS name is used
// for the actual os.Open/os.Stat call, never the normalized one.
func ToWire(relative string) string {
	normalized := norm.NFC.String(relative)

	if filepath.Separator == '/' {
		return normalized
	}

	return strings.ReplaceAll(normalized, string(filepath.Separator), "/")
}

// FromWire converts a forward-slash wire path to the OS-local form.
func FromWire(wire string) string {
	if filepath.Separator == '/' {
		return wire
	}

	return strings.ReplaceAll(wire, "/", string(filepath.Separator))
}

// JoinLocal joins a local base directory with a wire-form relative path,
// producing an OS-native absolute path.
func JoinLocal(localDir, wireRelative string) string {
	return filepath.Join(localDir, filepath.FromSlash(wireRelative))
}

// JoinRemote joins a remote base directory (always forward-slash, as the
// remote host may not be the local OS) with a wire-form relative path.
func JoinRemote(remoteDir, wireRelative string) string {
	return path.Join(remoteDir, wireRelative)
}

// StripVerbatimPrefix removes the Windows `\\?\` verbatim prefix, if any,
// from a path so that downstream joins/comparisons don't fail on a prefix
// that os.MkdirAll and friends already ignore.
func StripVerbatimPrefix(p string) string {
	const verbatimPrefix = `\\?\`
	if strings.HasPrefix(p, verbatimPrefix) {
		return p[len(verbatimPrefix):]
	}

	return p
}

// RelativeTo computes the wire-form path of full relative to base. Both must
// be OS-native absolute paths. Returns an error only when filepath.Rel does;
// a full path outside base yields a ".."-prefixed result, not an error.
func RelativeTo(base, full string) (string, error) {
	rel, err := filepath.Rel(base, full)
	if err != nil {
		return "", err
	}

	return ToWire(rel), nil
}
