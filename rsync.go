package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/jianglibo/bkoverssh/internal/delta"
)

// newRsyncCmd groups the remote-side delta subcommands, invoked over SSH by
// a hub's TransferExecutor against a baseline it already holds.
func newRsyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "rsync",
		Short:         "Remote-side delta transfer helpers (invoked over SSH)",
		Annotations:   map[string]string{skipConfigAnnotation: "true"},
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.AddCommand(newDeltaAFileCmd())

	return cmd
}

// newDeltaAFileCmd computes the delta of --new-file against the signature
// at --sig-file (previously uploaded by the hub) and writes it to
// --out-file, for the hub to download.
func newDeltaAFileCmd() *cobra.Command {
	var newFile, sigFile, outFile string

	cmd := &cobra.Command{
		Use:           "delta-a-file",
		Short:         "Compute a file's delta against an uploaded signature",
		Annotations:   map[string]string{skipConfigAnnotation: "true"},
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runDeltaAFile(newFile, sigFile, outFile)
		},
	}

	cmd.Flags().StringVar(&newFile, "new-file", "", "path of the current file content")
	cmd.Flags().StringVar(&sigFile, "sig-file", "", "path of the signature uploaded by the hub")
	cmd.Flags().StringVar(&outFile, "out-file", "", "path to write the computed delta to")

	cmd.MarkFlagRequired("new-file") //nolint:errcheck
	cmd.MarkFlagRequired("sig-file") //nolint:errcheck
	cmd.MarkFlagRequired("out-file") //nolint:errcheck

	return cmd
}

func runDeltaAFile(newFile, sigFile, outFile string) error {
	sigF, err := os.Open(sigFile)
	if err != nil {
		return err
	}
	defer sigF.Close()

	sig, err := delta.ParseSignature(sigF)
	if err != nil {
		return err
	}

	newData, err := os.ReadFile(newFile)
	if err != nil {
		return err
	}

	chunks := delta.ComputeDelta(newData, sig)

	out, err := os.Create(outFile)
	if err != nil {
		return err
	}
	defer out.Close()

	return delta.WriteDelta(out, uint64(len(newData)), chunks)
}
