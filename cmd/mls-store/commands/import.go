package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tangowhisky-dev/mls-store/pkg/store/backup"
)

func importCmd() *cobra.Command {
	var in string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Replay an archive file into the store",
		Long: `Import replays an archive into the store, replacing existing records.

Records are written exactly as archived: an archive taken from a sealed
store must be imported into a store sealed with the same key.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(in)
			if err != nil {
				return fmt.Errorf("open archive: %w", err)
			}
			defer func() { _ = f.Close() }()
			if err := backup.Import(cmd.Context(), rawBackend, f); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %s\n", in)
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "archive file to read")
	_ = cmd.MarkFlagRequired("in")
	return cmd
}
