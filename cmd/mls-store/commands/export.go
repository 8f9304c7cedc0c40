package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tangowhisky-dev/mls-store/pkg/store/backup"
)

func exportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the whole store to an archive file",
		Long: `Export writes every group's state and epoch records to an archive file.

Blobs are copied exactly as the backend stores them: on a sealed store the
archive contains ciphertext and can only be imported into a store sealed
with the same key. Archives of unsealed stores are cleartext and need
separate protection.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Create(out)
			if err != nil {
				return fmt.Errorf("create archive: %w", err)
			}
			exportID, err := backup.Export(cmd.Context(), rawBackend, f)
			if err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("close archive: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %s (id=%s)\n", out, exportID)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "archive file to write")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}
