package cmd

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	"github.com/blawesom/vm-manager/types"
	"github.com/blawesom/vm-manager/utils"
)

var diskCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "disk",
		Short: "Manage hot-plug disk images",
	}
	cmd.AddCommand(diskCreateCmd, diskListCmd, diskRMCmd, diskAttachCmd, diskDetachCmd)
	return cmd
}()

var diskCreateCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new disk image",
		Args:  cobra.NoArgs,
		RunE:  runDiskCreate,
	}
	cmd.Flags().String("size", "", "disk size (default from config)")
	return cmd
}()

var diskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List disk images",
	RunE:  runDiskList,
}

var diskRMCmd = &cobra.Command{
	Use:   "rm DISK [DISK...]",
	Short: "Delete detached disk image(s)",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDiskRM,
}

var diskAttachCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attach [flags] VM DISK",
		Short: "Hot-plug a disk into a running VM",
		Args:  cobra.ExactArgs(2),
		RunE:  runDiskAttach,
	}
	cmd.Flags().String("slot", string(types.SlotSecond), "guest device slot (second, third, fourth)")
	return cmd
}()

var diskDetachCmd = &cobra.Command{
	Use:   "detach VM DISK",
	Short: "Hot-unplug a disk from a running VM",
	Args:  cobra.ExactArgs(2),
	RunE:  runDiskDetach,
}

func runDiskCreate(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	op, _, _, err := initOperator()
	if err != nil {
		return err
	}

	sizeGB := 0
	if sizeStr, _ := cmd.Flags().GetString("size"); sizeStr != "" {
		sizeGB, err = parseGB(sizeStr)
		if err != nil {
			return fmt.Errorf("invalid --size %q: %w", sizeStr, err)
		}
	}

	d, err := op.CreateDisk(ctx, sizeGB)
	if err != nil {
		return fmt.Errorf("disk create: %w", err)
	}
	log.WithFunc("cmd.disk").Infof(ctx, "disk created: %s (%s) at %s", d.ID, formatGB(d.SizeGB), conf.DiskPath(d.ID))
	return nil
}

func runDiskList(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	_, st, _, err := initOperator()
	if err != nil {
		return err
	}

	disks, err := st.ListDisks(ctx, "")
	if err != nil {
		return fmt.Errorf("disk list: %w", err)
	}
	if len(disks) == 0 {
		fmt.Println("No disks found.")
		return nil
	}
	sort.Slice(disks, func(i, j int) bool { return disks[i].CreatedAt.Before(disks[j].CreatedAt) })

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSIZE\tSTATE\tVM\tSLOT\tCREATED")
	for _, d := range disks {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			d.ID,
			formatGB(d.SizeGB),
			d.State,
			d.VMID,
			d.Slot,
			d.CreatedAt.Local().Format(time.DateTime),
		)
	}
	w.Flush() //nolint:errcheck,gosec
	return nil
}

func runDiskRM(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	op, _, _, err := initOperator()
	if err != nil {
		return err
	}
	logger := log.WithFunc("cmd.disk")

	for _, id := range args {
		if err := op.DeleteDisk(ctx, id); err != nil {
			return fmt.Errorf("disk rm %s: %w", id, err)
		}
		logger.Infof(ctx, "disk deleted: %s", id)
	}
	return nil
}

func runDiskAttach(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	op, _, _, err := initOperator()
	if err != nil {
		return err
	}

	slotStr, _ := cmd.Flags().GetString("slot")
	slot := types.DeviceSlot(slotStr)
	if _, err := slot.DriveID(); err != nil {
		return err
	}

	path := resolveDiskRef(args[1])
	if err := op.AttachDisk(ctx, args[0], path, slot); err != nil {
		return fmt.Errorf("disk attach: %w", err)
	}
	log.WithFunc("cmd.disk").Infof(ctx, "attached %s to %s at slot %s", path, args[0], slot)
	return nil
}

func runDiskDetach(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	op, _, _, err := initOperator()
	if err != nil {
		return err
	}

	path := resolveDiskRef(args[1])
	if err := op.DetachDisk(ctx, args[0], path); err != nil {
		return fmt.Errorf("disk detach: %w", err)
	}
	log.WithFunc("cmd.disk").Infof(ctx, "detached %s from %s", path, args[0])
	return nil
}

// resolveDiskRef accepts either a managed disk id or a raw image path.
func resolveDiskRef(ref string) string {
	if utils.FileExists(ref) {
		return ref
	}
	return conf.DiskPath(ref)
}
