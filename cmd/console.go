package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blawesom/vm-manager/utils"
)

const consoleTailBytes = 64 * 1024

var consoleCmd = &cobra.Command{
	Use:   "console VM",
	Short: "Show the tail of a VM's hypervisor/serial log",
	Args:  cobra.ExactArgs(1),
	RunE:  runConsole,
}

func runConsole(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	_, st, _, err := initOperator()
	if err != nil {
		return err
	}

	// Resolve through the store so a typo'd id errors instead of
	// printing an empty file.
	vm, err := st.GetVM(ctx, args[0])
	if err != nil {
		return fmt.Errorf("console: %w", err)
	}

	logPath := conf.VMProcessLog(vm.ID)
	if !utils.FileExists(logPath) {
		return fmt.Errorf("console: no log for VM %s, has it been started?", vm.ID)
	}
	fmt.Print(utils.TailFile(logPath, consoleTailBytes))
	return nil
}
