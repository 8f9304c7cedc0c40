package commands

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
)

func groupsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "groups",
		Short: "List every stored group ID (hex)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := engine.ListGroups(cmd.Context())
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(id))
			}
			return nil
		},
	}
}
