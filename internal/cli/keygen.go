package cli

import (
	"github.com/jmerrifield20/provenance-ledger/internal/secrets"
	"github.com/spf13/cobra"
)

// NewKeygenCommand creates the keygen command.
func NewKeygenCommand(rootOpts *RootOptions) *cobra.Command {
	var n int

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a random HMAC key",
		Long: `Print a random key as a PROVLEDGER_KEY assignment, suitable for an
env file. Keep it secret: anyone holding it can forge records.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := secrets.Generate(cmd.OutOrStdout(), rootOpts.Rand, n); err != nil {
				return rootOpts.formatter(cmd).Fail(ExitCommandError, ErrCodeCommand, err.Error(), nil)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&n, "bytes", secrets.DefaultKeyBytes, "number of random bytes (1-64)")
	return cmd
}
