package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blawesom/vm-manager/operator"
)

var startCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start [flags] VM [VM...]",
		Short: "Start created/stopped VM(s)",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runStart,
	}
	cmd.Flags().String("disk", "", "explicit root disk image path")
	cmd.Flags().Int("cpu", 0, "vCPU count override")
	cmd.Flags().String("memory", "", "memory size override")
	return cmd
}()

func runStart(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	op, _, _, err := initOperator()
	if err != nil {
		return err
	}

	opts := operator.StartOptions{}
	opts.DiskPath, _ = cmd.Flags().GetString("disk")
	opts.CPUCount, _ = cmd.Flags().GetInt("cpu")
	if memStr, _ := cmd.Flags().GetString("memory"); memStr != "" {
		ram, err := parseGB(memStr)
		if err != nil {
			return fmt.Errorf("invalid --memory %q: %w", memStr, err)
		}
		opts.RAMGB = ram
	}

	return batchVMCmd(ctx, "start", "started", func(ctx context.Context, id string) error {
		return op.Start(ctx, id, opts)
	}, args)
}
