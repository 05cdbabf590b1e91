package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var stopCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop [flags] VM [VM...]",
		Short: "Stop running VM(s)",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runStop,
	}
	cmd.Flags().Bool("force", false, "skip the graceful powerdown tier")
	return cmd
}()

func runStop(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	op, _, _, err := initOperator()
	if err != nil {
		return err
	}
	force, _ := cmd.Flags().GetBool("force")

	return batchVMCmd(ctx, "stop", "stopped", func(ctx context.Context, id string) error {
		return op.Stop(ctx, id, force)
	}, args)
}
