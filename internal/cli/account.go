package cli

import (
	"github.com/spf13/cobra"
)

// NewAccountCmd создаёт группу команд для аккаунтов.
func NewAccountCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage provisioned accounts",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "erase EMAIL",
		Short: "Erase stored credentials and account records for EMAIL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := clientFn().EraseAccount(cmd.Context(), args[0]); err != nil {
				return err
			}
			outputFn().Success("Account erased: " + args[0])
			return nil
		},
	})

	return cmd
}
