package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/jianglibo/bkoverssh/internal/manifest"
)

// newListFilesCmd builds the remote-side manifest producer: invoked over
// SSH by a hub's Driver, it walks --dir on the host it runs on and writes
// the resulting manifest to stdout. It never touches bk_over_ssh.yml, so it
// skips the usual config-loading PersistentPreRunE.
func newListFilesCmd() *cobra.Command {
	var (
		dir      string
		sha1     bool
		includes []string
		excludes []string
	)

	cmd := &cobra.Command{
		Use:           "list-files",
		Short:         "Walk a directory and print its manifest (remote-side, invoked over SSH)",
		Annotations:   map[string]string{skipConfigAnnotation: "true"},
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(_ *cobra.Command, _ []string) error {
			m, err := manifest.Walk(dir, manifest.WalkOptions{Includes: includes, Excludes: excludes, SkipSha1: !sha1})
			if err != nil {
				return err
			}

			_, err = m.WriteTo(os.Stdout)

			return err
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "directory to walk")
	cmd.Flags().BoolVar(&sha1, "sha1", false, "compute a SHA-1 digest per file")
	cmd.Flags().StringArrayVar(&includes, "include", nil, "glob pattern a file's wire path must match (repeatable)")
	cmd.Flags().StringArrayVar(&excludes, "exclude", nil, "glob pattern to exclude (repeatable)")

	cmd.MarkFlagRequired("dir") //nolint:errcheck // only fails on an unknown flag name

	return cmd
}
