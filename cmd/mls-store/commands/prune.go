package commands

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
)

func pruneCmd() *cobra.Command {
	keep := -1
	cmd := &cobra.Command{
		Use:   "prune <group-id-hex>",
		Short: "Delete all but the N highest epochs of a group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			groupID, err := hex.DecodeString(args[0])
			if err != nil {
				return fmt.Errorf("group id must be hex: %w", err)
			}
			if keep < 0 {
				keep = cfg.Retention.Keep
			}
			return engine.Prune(cmd.Context(), groupID, keep)
		},
	}
	cmd.Flags().IntVar(&keep, "keep", -1, "epochs to keep (default from retention.keep)")
	return cmd
}
