package commands

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/audax/qabel-index/internal/sealbox"
)

func sealCmd() *cobra.Command {
	var keyHex, in, out string

	cmd := &cobra.Command{
		Use:   "seal",
		Short: "Encrypt a payload for a recipient key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := sealbox.DecodeKey(keyHex)
			if err != nil {
				return err
			}
			plaintext, err := readInput(cmd, in)
			if err != nil {
				return err
			}
			sealed, err := sealbox.Seal(plaintext, key)
			if err != nil {
				return err
			}
			if out == "" || out == "-" {
				_, err = cmd.OutOrStdout().Write(sealed)
				return err
			}
			return os.WriteFile(out, sealed, 0o600)
		},
	}

	cmd.Flags().StringVar(&keyHex, "key", "", "recipient public key (hex)")
	cmd.Flags().StringVar(&in, "in", "-", "input file, - for stdin")
	cmd.Flags().StringVar(&out, "out", "-", "output file, - for stdout")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}
