package cmd

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	"github.com/blawesom/vm-manager/types"
)

var templateCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Manage VM sizing templates",
	}
	cmd.AddCommand(templateAddCmd, templateListCmd)
	return cmd
}()

var templateAddCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add [flags] NAME",
		Short: "Add or replace a sizing template",
		Args:  cobra.ExactArgs(1),
		RunE:  runTemplateAdd,
	}
	cmd.Flags().Int("cpu", 1, "vCPU count")
	cmd.Flags().String("memory", "1G", "memory size")
	return cmd
}()

var templateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sizing templates",
	RunE:  runTemplateList,
}

func runTemplateAdd(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	st, err := initStore()
	if err != nil {
		return err
	}

	cpu, _ := cmd.Flags().GetInt("cpu")
	memStr, _ := cmd.Flags().GetString("memory")
	ramGB, err := parseGB(memStr)
	if err != nil {
		return fmt.Errorf("invalid --memory %q: %w", memStr, err)
	}
	if cpu <= 0 {
		return fmt.Errorf("invalid --cpu %d", cpu)
	}

	t := types.VMTemplate{Name: args[0], CPUCount: cpu, RAMGB: ramGB}
	if err := st.PutTemplate(ctx, t); err != nil {
		return fmt.Errorf("template add: %w", err)
	}
	log.WithFunc("cmd.template").Infof(ctx, "template %s: cpu=%d memory=%s", t.Name, t.CPUCount, formatGB(t.RAMGB))
	return nil
}

func runTemplateList(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	st, err := initStore()
	if err != nil {
		return err
	}

	templates, err := st.ListTemplates(ctx)
	if err != nil {
		return fmt.Errorf("template list: %w", err)
	}
	if len(templates) == 0 {
		fmt.Println("No templates found.")
		return nil
	}
	sort.Slice(templates, func(i, j int) bool { return templates[i].Name < templates[j].Name })

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tCPU\tMEMORY")
	for _, t := range templates {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\n", t.Name, t.CPUCount, formatGB(t.RAMGB))
	}
	w.Flush() //nolint:errcheck,gosec
	return nil
}
