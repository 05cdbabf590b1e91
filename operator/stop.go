package operator

import (
	"context"
	"syscall"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/blawesom/vm-manager/operator/qmp"
	"github.com/blawesom/vm-manager/types"
	"github.com/blawesom/vm-manager/utils"
)

const (
	exitPollInterval = 500 * time.Millisecond
	killWaitTimeout  = 5 * time.Second
)

// Stop shuts down a VM. Idempotent: stopping a VM that is not running
// is a logged no-op, never an error: retried and duplicate stop calls
// are expected.
//
// Tiered shutdown: a QMP system_powerdown with a grace period, then
// SIGTERM with a shorter one, then SIGKILL. force skips the graceful
// tier. Whatever tier ends the process, cleanup always runs: PID file
// and socket removed, network released, state persisted as stopped.
func (o *Operator) Stop(ctx context.Context, vmID string, force bool) error {
	logger := log.WithFunc("operator.Stop")

	o.locks.Lock(vmID)
	defer o.locks.Unlock(vmID)

	pid := o.livePID(vmID)
	if pid == 0 {
		logger.Warnf(ctx, "VM %s is not running, stop is a no-op", vmID)
		// Still reconcile a stale "running" record and stray artifacts.
		o.finishStop(ctx, vmID, true)
		return nil
	}

	sock := o.conf.VMSocketPath(vmID)

	if !force {
		// Tier 1: ask the guest OS to power down cleanly.
		if err := qmp.SystemPowerdown(ctx, o.ctrl.Monitor(sock)); err != nil {
			logger.Warnf(ctx, "powerdown %s over control socket: %v, escalating", vmID, err)
		} else if o.waitExit(ctx, pid, sock, time.Duration(o.conf.GracefulTimeoutSeconds)*time.Second) {
			logger.Infof(ctx, "VM %s powered down gracefully", vmID)
			o.finishStop(ctx, vmID, false)
			return nil
		} else {
			logger.Warnf(ctx, "VM %s ignored powerdown within %ds, escalating", vmID, o.conf.GracefulTimeoutSeconds)
		}
	}

	// Tier 2: terminate the hypervisor process.
	if o.ctrl.Alive(pid, sock) {
		if err := o.ctrl.Signal(pid, syscall.SIGTERM); err != nil {
			logger.Warnf(ctx, "SIGTERM VM %s (pid %d): %v", vmID, pid, err)
		}
		if o.waitExit(ctx, pid, sock, time.Duration(o.conf.TermTimeoutSeconds)*time.Second) {
			logger.Infof(ctx, "VM %s stopped via SIGTERM", vmID)
			o.finishStop(ctx, vmID, false)
			return nil
		}
	}

	// Tier 3: kill. Reached when still alive or force was requested.
	if o.ctrl.Alive(pid, sock) || force {
		if err := o.ctrl.Signal(pid, syscall.SIGKILL); err != nil {
			logger.Warnf(ctx, "SIGKILL VM %s (pid %d): %v", vmID, pid, err)
		}
		if !o.waitExit(ctx, pid, sock, killWaitTimeout) {
			logger.Warnf(ctx, "VM %s (pid %d) survived SIGKILL", vmID, pid)
		} else {
			logger.Infof(ctx, "VM %s force-killed", vmID)
		}
	}

	o.finishStop(ctx, vmID, false)
	return nil
}

// waitExit polls until the process is gone or the tier duration elapses.
func (o *Operator) waitExit(ctx context.Context, pid int, sock string, timeout time.Duration) bool {
	err := utils.WaitFor(ctx, timeout, exitPollInterval, func() (bool, error) {
		return !o.ctrl.Alive(pid, sock), nil
	})
	return err == nil
}

// finishStop is the unconditional tail of every stop path: runtime
// artifacts removed, network released, record updated. Each step is
// best-effort so an already-dead VM never turns into an error.
func (o *Operator) finishStop(ctx context.Context, vmID string, staleOnly bool) {
	logger := log.WithFunc("operator.finishStop")

	o.ctrl.CleanupRuntime(vmID)
	o.clearHandle(vmID)

	if err := o.net.Release(ctx, vmID); err != nil {
		logger.Warnf(ctx, "release network for %s: %v", vmID, err)
	}

	now := time.Now()
	if err := o.store.UpdateVM(ctx, vmID, func(v *types.VM) error {
		if staleOnly && v.State != types.VMStateRunning {
			// Stop of a never-started or already-stopped VM: leave the
			// record alone.
			return nil
		}
		v.State = types.VMStateStopped
		v.PID = 0
		v.SocketPath = ""
		v.LocalIP = ""
		v.StoppedAt = &now
		return nil
	}); err != nil {
		logger.Warnf(ctx, "persist stopped state for %s: %v", vmID, err)
	}
}

// killAndCleanup tears down a freshly launched process whose running
// state could not be persisted.
func (o *Operator) killAndCleanup(ctx context.Context, vmID string, pid int, sock string) {
	if err := o.ctrl.Signal(pid, syscall.SIGKILL); err != nil {
		log.WithFunc("operator.killAndCleanup").Warnf(ctx, "kill pid %d: %v", pid, err)
	}
	_ = utils.WaitFor(ctx, killWaitTimeout, exitPollInterval, func() (bool, error) {
		return !o.ctrl.Alive(pid, sock), nil
	})
	o.finishStop(ctx, vmID, true)
}
