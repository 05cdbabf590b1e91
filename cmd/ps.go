package cmd

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/blawesom/vm-manager/operator"
	"github.com/blawesom/vm-manager/types"
)

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List VMs with status",
	RunE:  runPS,
}

func runPS(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	op, st, _, err := initOperator()
	if err != nil {
		return err
	}

	vms, err := st.ListVMs(ctx, "")
	if err != nil {
		return fmt.Errorf("ps: %w", err)
	}
	if len(vms) == 0 {
		fmt.Println("No VMs found.")
		return nil
	}

	sort.Slice(vms, func(i, j int) bool { return vms[i].CreatedAt.Before(vms[j].CreatedAt) })

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tSTATE\tTEMPLATE\tIP\tCREATED")
	for _, vm := range vms {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			vm.ID,
			vm.Name,
			reconcileState(op, &vm),
			vm.TemplateName,
			vm.LocalIP,
			vm.CreatedAt.Local().Format(time.DateTime),
		)
	}
	w.Flush() //nolint:errcheck,gosec
	return nil
}

// reconcileState checks actual process liveness to flag stale "running" records.
func reconcileState(op *operator.Operator, vm *types.VM) string {
	if vm.State == types.VMStateRunning && !op.IsRunning(vm.ID) {
		return "stopped (stale)"
	}
	return string(vm.State)
}
