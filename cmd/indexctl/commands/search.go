package commands

import (
	"encoding/json"
	"errors"
	"net/url"

	"github.com/spf13/cobra"
)

func searchCmd(opts *options) *cobra.Command {
	var emails, phones []string

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Look up identities by email or phone",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(emails) == 0 && len(phones) == 0 {
				return errors.New("at least one --email or --phone is required")
			}
			query := url.Values{}
			for _, e := range emails {
				query.Add("email", e)
			}
			for _, p := range phones {
				query.Add("phone", p)
			}

			resp, err := opts.client().search(cmd.Context(), query)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(resp)
		},
	}

	cmd.Flags().StringSliceVar(&emails, "email", nil, "email address to look up (repeatable)")
	cmd.Flags().StringSliceVar(&phones, "phone", nil, "phone number to look up (repeatable)")
	return cmd
}
