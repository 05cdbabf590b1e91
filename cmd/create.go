package cmd

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	"github.com/blawesom/vm-manager/types"
)

var createCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create [flags] TEMPLATE",
		Short: "Create a VM record from a sizing template",
		Args:  cobra.ExactArgs(1),
		RunE:  runCreate,
	}
	cmd.Flags().String("name", "", "VM name")
	return cmd
}()

func runCreate(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	st, err := initStore()
	if err != nil {
		return err
	}
	templateName := args[0]

	// The template must exist up front so a typo doesn't surface at start.
	tpl, err := st.GetTemplate(ctx, templateName)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}

	vmName, _ := cmd.Flags().GetString("name")
	vm := types.VM{
		ID:           uuid.New().String(),
		Name:         vmName,
		TemplateName: tpl.Name,
		State:        types.VMStateCreated,
	}
	if err := st.CreateVM(ctx, vm); err != nil {
		return fmt.Errorf("create: %w", err)
	}

	logger := log.WithFunc("cmd.create")
	logger.Infof(ctx, "VM created: %s (template: %s, cpu=%d memory=%s)", vm.ID, tpl.Name, tpl.CPUCount, formatGB(tpl.RAMGB))
	logger.Infof(ctx, "start with: vman start %s", vm.ID)
	return nil
}
