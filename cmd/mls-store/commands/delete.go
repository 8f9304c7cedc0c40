package commands

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
)

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <group-id-hex>",
		Short: "Delete a group's state and all its epochs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			groupID, err := hex.DecodeString(args[0])
			if err != nil {
				return fmt.Errorf("group id must be hex: %w", err)
			}
			return engine.DeleteGroup(cmd.Context(), groupID)
		},
	}
}
