package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func updateCmd(opts *options) *cobra.Command {
	var file string
	var encrypt bool

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Submit an update request read from a JSON file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readInput(cmd, file)
			if err != nil {
				return err
			}
			pending, err := opts.client().update(cmd.Context(), body, encrypt)
			if err != nil {
				return err
			}
			if pending {
				fmt.Fprintln(cmd.OutOrStdout(), "accepted, waiting for verification")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "applied")
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "-", "update request JSON, - for stdin")
	cmd.Flags().BoolVar(&encrypt, "encrypt", true, "seal the request to the server key")
	return cmd
}
