package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var rmCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm [flags] VM [VM...]",
		Short: "Delete VM(s) (--force to stop running VMs first)",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runRM,
	}
	cmd.Flags().Bool("force", false, "force delete running VMs")
	return cmd
}()

func runRM(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	op, _, _, err := initOperator()
	if err != nil {
		return err
	}
	force, _ := cmd.Flags().GetBool("force")

	return batchVMCmd(ctx, "rm", "deleted", func(ctx context.Context, id string) error {
		if force && op.IsRunning(id) {
			if err := op.Stop(ctx, id, true); err != nil {
				return err
			}
		}
		return op.DeleteVM(ctx, id)
	}, args)
}
