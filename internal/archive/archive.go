// Package archive expands and runs archive_cmd (A7): the command template a
// hub runs after a directory's transfers complete, to package or rotate the
// synced tree. Plain os/exec is used deliberately — this runs an
// operator-supplied external command, which is exactly the stdlib's job and
// not a concern any retrieved repo's third-party stack addresses (see
// DESIGN.md).
package archive

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Tokens substituted into an archive_cmd template.
const (
	TokenArchiveFileName = "archive_file_name"
	TokenFilesAndDirs    = "files_and_dirs"
)

// Params supplies the values for Expand's token substitution.
type Params struct {
	ArchiveFileName string
	FilesAndDirs    []string
}

// Expand substitutes Params into each templated argument of cmd. A token is
// written as "{{token}}"; FilesAndDirs substitutes as a single
// space-joined argument unless the token is the entire argument, in which
// case it expands to one argument per path.
func Expand(cmdTemplate []string, p Params) []string {
	out := make([]string, 0, len(cmdTemplate))

	for _, arg := range cmdTemplate {
		switch arg {
		case "{{" + TokenArchiveFileName + "}}":
			out = append(out, p.ArchiveFileName)
		case "{{" + TokenFilesAndDirs + "}}":
			out = append(out, p.FilesAndDirs...)
		default:
			replaced := strings.ReplaceAll(arg, "{{"+TokenArchiveFileName+"}}", p.ArchiveFileName)
			replaced = strings.ReplaceAll(replaced, "{{"+TokenFilesAndDirs+"}}", strings.Join(p.FilesAndDirs, " "))
			out = append(out, replaced)
		}
	}

	return out
}

// Run expands cmdTemplate with p and executes it, returning combined
// stdout+stderr on failure for diagnostics. An empty cmdTemplate is a no-op.
func Run(ctx context.Context, cmdTemplate []string, p Params) error {
	if len(cmdTemplate) == 0 {
		return nil
	}

	args := Expand(cmdTemplate, p)

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)

	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("archive: running %q: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}

	return nil
}
