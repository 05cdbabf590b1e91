package operator

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/projecteru2/core/log"

	"github.com/blawesom/vm-manager/operator/qmp"
	"github.com/blawesom/vm-manager/types"
	"github.com/blawesom/vm-manager/utils"
)

const (
	detachTimeout      = 5 * time.Second
	detachPollInterval = 500 * time.Millisecond
)

// CreateDisk provisions a new hot-plug disk image and its record. The
// image file is rolled back if the record cannot be persisted.
func (o *Operator) CreateDisk(ctx context.Context, sizeGB int) (types.Disk, error) {
	if sizeGB <= 0 {
		sizeGB = o.conf.DefaultDiskSizeGB
	}
	d := types.Disk{
		ID:     uuid.New().String(),
		SizeGB: sizeGB,
		State:  types.DiskStateAvailable,
	}
	path := o.conf.DiskPath(d.ID)
	if err := o.ctrl.CreateDisk(ctx, path, sizeGB); err != nil {
		return types.Disk{}, err
	}
	if err := o.store.CreateDisk(ctx, d); err != nil {
		if delErr := o.ctrl.DeleteDisk(ctx, path); delErr != nil {
			log.WithFunc("operator.CreateDisk").Warnf(ctx, "roll back image %s: %v", path, delErr)
		}
		return types.Disk{}, err
	}
	log.WithFunc("operator.CreateDisk").Infof(ctx, "created disk %s (%dG) at %s", d.ID, sizeGB, path)
	return d, nil
}

// DeleteDisk removes a disk record and its backing image. Attached
// disks are refused at the store level.
func (o *Operator) DeleteDisk(ctx context.Context, diskID string) error {
	if err := o.store.DeleteDisk(ctx, diskID); err != nil {
		return err
	}
	path := o.conf.DiskPath(diskID)
	if err := o.ctrl.DeleteDisk(ctx, path); err != nil {
		// The record is gone; a missing image is fine.
		log.WithFunc("operator.DeleteDisk").Warnf(ctx, "remove image %s: %v", path, err)
	}
	return nil
}

// AttachDisk hot-plugs a disk image into a running VM at the given
// slot.
//
// The plug is a two-phase protocol exchange: register the block
// backend, then attach the front-end device. A failed second phase
// rolls back the first so no half-attached backend leaks. Attaching a
// disk the VM already has is refused before any state changes.
func (o *Operator) AttachDisk(ctx context.Context, vmID, diskPath string, slot types.DeviceSlot) error {
	logger := log.WithFunc("operator.AttachDisk")

	o.locks.Lock(vmID)
	defer o.locks.Unlock(vmID)

	pid := o.livePID(vmID)
	if pid == 0 {
		return fmt.Errorf("attach to VM %q: %w", vmID, ErrVMNotRunning)
	}
	if !o.ctrl.DiskExists(diskPath) {
		return fmt.Errorf("%w: %s", ErrDiskNotFound, diskPath)
	}
	driveID, err := slot.DriveID()
	if err != nil {
		return err
	}

	m := o.ctrl.Monitor(o.conf.VMSocketPath(vmID))

	devices, err := qmp.QueryBlock(ctx, m)
	if err != nil {
		return fmt.Errorf("attach to VM %q: %w", vmID, err)
	}
	for _, dev := range devices {
		if dev.File() == diskPath {
			return fmt.Errorf("disk %s on VM %q: %w", diskPath, vmID, ErrAlreadyAttached)
		}
	}

	if err := qmp.BlockdevAdd(ctx, m, driveID, diskPath); err != nil {
		return fmt.Errorf("attach %s to VM %q: %w", diskPath, vmID, err)
	}
	deviceID := "virtio-" + driveID
	if err := qmp.DeviceAdd(ctx, m, driveID, deviceID); err != nil {
		if delErr := qmp.BlockdevDel(ctx, m, driveID); delErr != nil {
			logger.Warnf(ctx, "roll back backend %s on VM %s: %v", driveID, vmID, delErr)
		}
		return fmt.Errorf("attach %s to VM %q: %w", diskPath, vmID, err)
	}

	o.persistAttach(ctx, vmID, diskPath, slot)
	logger.Infof(ctx, "attached %s to VM %s at slot %s", diskPath, vmID, slot)
	return nil
}

// DetachDisk unplugs a disk from a running VM.
//
// Device removal is asynchronous on the hypervisor side, so the
// front-end delete is followed by a bounded poll for the device to
// disappear before the backend is released.
func (o *Operator) DetachDisk(ctx context.Context, vmID, diskPath string) error {
	logger := log.WithFunc("operator.DetachDisk")

	o.locks.Lock(vmID)
	defer o.locks.Unlock(vmID)

	if o.livePID(vmID) == 0 {
		return fmt.Errorf("detach from VM %q: %w", vmID, ErrVMNotRunning)
	}

	m := o.ctrl.Monitor(o.conf.VMSocketPath(vmID))

	devices, err := qmp.QueryBlock(ctx, m)
	if err != nil {
		return fmt.Errorf("detach from VM %q: %w", vmID, err)
	}
	var deviceID, nodeName string
	for _, dev := range devices {
		if dev.File() == diskPath {
			deviceID = dev.Device
			nodeName = dev.Inserted.NodeName
			break
		}
	}
	if deviceID == "" {
		return fmt.Errorf("disk %s on VM %q: %w", diskPath, vmID, ErrNotAttached)
	}

	if err := qmp.DeviceDel(ctx, m, deviceID); err != nil {
		return fmt.Errorf("detach %s from VM %q: %w", diskPath, vmID, err)
	}

	// Wait for the guest to release the device before deleting the
	// backend, otherwise blockdev-del reports it busy.
	waitErr := utils.WaitFor(ctx, detachTimeout, detachPollInterval, func() (bool, error) {
		devs, err := qmp.QueryBlock(ctx, m)
		if err != nil {
			return false, err
		}
		for _, dev := range devs {
			if dev.Device == deviceID {
				return false, nil
			}
		}
		return true, nil
	})
	if waitErr != nil {
		return fmt.Errorf("detach %s from VM %q: device removal did not complete: %w", diskPath, vmID, qmp.ErrProtocol)
	}

	if err := qmp.BlockdevDel(ctx, m, nodeName); err != nil {
		return fmt.Errorf("detach %s from VM %q: %w", diskPath, vmID, err)
	}

	o.persistDetach(ctx, diskPath)
	logger.Infof(ctx, "detached %s from VM %s", diskPath, vmID)
	return nil
}

// persistAttach records ownership on the disk record, if one exists.
// Attaching an unmanaged image by raw path is allowed and skips the
// record update.
func (o *Operator) persistAttach(ctx context.Context, vmID, diskPath string, slot types.DeviceSlot) {
	id := diskIDFromPath(diskPath)
	if err := o.store.UpdateDisk(ctx, id, func(d *types.Disk) error {
		d.State = types.DiskStateAttached
		d.VMID = vmID
		d.Slot = slot
		return nil
	}); err != nil {
		log.WithFunc("operator.persistAttach").Debugf(ctx, "disk record %s: %v", id, err)
	}
}

func (o *Operator) persistDetach(ctx context.Context, diskPath string) {
	id := diskIDFromPath(diskPath)
	if err := o.store.UpdateDisk(ctx, id, func(d *types.Disk) error {
		d.State = types.DiskStateAvailable
		d.VMID = ""
		d.Slot = ""
		return nil
	}); err != nil {
		log.WithFunc("operator.persistDetach").Debugf(ctx, "disk record %s: %v", id, err)
	}
}

// diskIDFromPath recovers a managed disk id from its image path.
func diskIDFromPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".img")
}
