package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/blawesom/vm-manager/types"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect VM",
	Short: "Show detailed VM info (JSON)",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

func runInspect(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	op, st, nm, err := initOperator()
	if err != nil {
		return err
	}

	vm, err := st.GetVM(ctx, args[0])
	if err != nil {
		return fmt.Errorf("inspect: %w", err)
	}

	out := struct {
		types.VM
		LiveProcess bool              `json:"live_process"`
		Allocation  *types.Allocation `json:"allocation,omitempty"`
	}{
		VM:          vm,
		LiveProcess: op.IsRunning(vm.ID),
	}
	if a, ok := nm.Lookup(vm.ID); ok {
		out.Allocation = &a
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
	return nil
}
