package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func keyCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "key",
		Short: "Print the server's public key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := opts.client().publicKey(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
}
