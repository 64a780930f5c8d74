package main

import "github.com/spf13/cobra"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "importctl",
		Short:         "Manage ERP import tasks",
		SilenceUsage:  true,
	}
	cmd.AddCommand(
		newMigrateCmd(),
		newSubmitCmd(),
		newRetryCmd(),
		newListCmd(),
		newShowCmd(),
		newFailuresCmd(),
		newCancelCmd(),
		newWorkCmd(),
		newTypesCmd(),
	)
	return cmd
}
