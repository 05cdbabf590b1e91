package operator

import (
	"context"
	"fmt"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/blawesom/vm-manager/types"
	"github.com/blawesom/vm-manager/utils"
)

// StartOptions tunes one start request. Zero CPU/RAM fall back to the
// VM's template sizing, then to minimal defaults.
type StartOptions struct {
	// DiskPath overrides root disk resolution with an explicit image.
	DiskPath string
	CPUCount int
	RAMGB    int
}

// Start launches the hypervisor process for a VM.
//
// Root disk resolution order: explicit path → existing image in the VM
// directory → an independent copy of the configured boot image → a
// fresh empty disk of the default size. Network allocation failure is
// non-fatal: the VM starts on the isolated user-mode path instead.
func (o *Operator) Start(ctx context.Context, vmID string, opts StartOptions) error {
	logger := log.WithFunc("operator.Start")

	o.locks.Lock(vmID)
	defer o.locks.Unlock(vmID)

	vm, err := o.store.GetVM(ctx, vmID)
	if err != nil {
		return err
	}
	if o.livePID(vmID) != 0 {
		return fmt.Errorf("VM %q: %w", vmID, ErrAlreadyRunning)
	}

	diskPath, err := o.resolveRootDisk(ctx, vmID, opts.DiskPath)
	if err != nil {
		o.markError(ctx, vmID)
		return err
	}

	cpu, ram := o.resolveSizing(ctx, &vm, opts)

	spec := &LaunchSpec{
		VMID:       vmID,
		DiskPath:   diskPath,
		CPUCount:   cpu,
		RAMGB:      ram,
		SocketPath: o.conf.VMSocketPath(vmID),
		PIDFile:    o.conf.VMPIDFile(vmID),
		LogPath:    o.conf.VMProcessLog(vmID),
	}

	if alloc, allocErr := o.net.Allocate(ctx, vmID); allocErr != nil {
		// Not fatal: the guest still boots, just without bridged connectivity.
		logger.Warnf(ctx, "network allocation for %s: %v, continuing with user-mode networking", vmID, allocErr)
	} else {
		spec.Net = alloc
		spec.HasNet = true
	}

	pid, err := o.ctrl.Launch(ctx, spec)
	if err != nil {
		// Launch already cleaned its partial artifacts; release the rest.
		if relErr := o.net.Release(ctx, vmID); relErr != nil {
			logger.Warnf(ctx, "release network for %s: %v", vmID, relErr)
		}
		o.markError(ctx, vmID)
		return fmt.Errorf("start VM %q: %w", vmID, err)
	}

	o.setHandle(vmID, pid, spec.SocketPath)

	now := time.Now()
	if err := o.store.UpdateVM(ctx, vmID, func(v *types.VM) error {
		v.State = types.VMStateRunning
		v.PID = pid
		v.SocketPath = spec.SocketPath
		v.StartedAt = &now
		if spec.HasNet {
			v.LocalIP = spec.Net.IP
			v.MAC = spec.Net.MAC
		}
		return nil
	}); err != nil {
		// The store doesn't know the VM is running — kill the orphan so
		// the next start retries from a clean slate.
		logger.Warnf(ctx, "persist running state for %s: %v, rolling back launch", vmID, err)
		o.killAndCleanup(ctx, vmID, pid, spec.SocketPath)
		return fmt.Errorf("persist state for VM %q: %w", vmID, err)
	}

	logger.Infof(ctx, "started VM %s (pid=%d cpu=%d ram=%dG disk=%s)", vmID, pid, cpu, ram, diskPath)
	return nil
}

// resolveRootDisk picks or creates the root disk image for a VM.
func (o *Operator) resolveRootDisk(ctx context.Context, vmID, explicit string) (string, error) {
	if explicit != "" {
		if !o.ctrl.DiskExists(explicit) {
			return "", fmt.Errorf("%w: %s", ErrDiskNotFound, explicit)
		}
		return explicit, nil
	}

	root := o.conf.VMRootDisk(vmID)
	if o.ctrl.DiskExists(root) {
		return root, nil
	}

	if img := o.conf.DefaultBootImage; img != "" && utils.FileExists(img) {
		// Each VM gets its own copy — never a shared backing file.
		if err := o.ctrl.CopyImage(ctx, img, root); err != nil {
			return "", err
		}
		return root, nil
	}

	if err := o.ctrl.CreateDisk(ctx, root, o.conf.DefaultDiskSizeGB); err != nil {
		return "", err
	}
	return root, nil
}

func (o *Operator) resolveSizing(ctx context.Context, vm *types.VM, opts StartOptions) (cpu, ram int) {
	cpu, ram = opts.CPUCount, opts.RAMGB
	if cpu > 0 && ram > 0 {
		return cpu, ram
	}
	if vm.TemplateName != "" {
		if tpl, err := o.store.GetTemplate(ctx, vm.TemplateName); err == nil {
			if cpu <= 0 {
				cpu = tpl.CPUCount
			}
			if ram <= 0 {
				ram = tpl.RAMGB
			}
		} else {
			log.WithFunc("operator.resolveSizing").Warnf(ctx, "template %q for VM %s: %v", vm.TemplateName, vm.ID, err)
		}
	}
	if cpu <= 0 {
		cpu = 1
	}
	if ram <= 0 {
		ram = 1
	}
	return cpu, ram
}

func (o *Operator) markError(ctx context.Context, vmID string) {
	if err := o.store.UpdateVM(ctx, vmID, func(v *types.VM) error {
		v.State = types.VMStateError
		return nil
	}); err != nil {
		log.WithFunc("operator.markError").Warnf(ctx, "mark VM %s error: %v", vmID, err)
	}
}
