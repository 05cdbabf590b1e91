// Package operator is the process lifecycle manager: it turns
// declarative start/stop/attach/detach requests into hypervisor process
// and control-protocol actions, and is the sole writer of VM state
// transitions into and out of running.
package operator

import (
	"context"
	"fmt"
	"sync"

	"github.com/im7mortal/kmutex"

	"github.com/blawesom/vm-manager/config"
	"github.com/blawesom/vm-manager/network"
	"github.com/blawesom/vm-manager/store"
	"github.com/blawesom/vm-manager/utils"
)

// handle tracks the runtime artifacts of one VM owned by this operator:
// process id and control socket, passed explicitly instead of being
// looked up from ambient state.
type handle struct {
	pid        int
	socketPath string
}

// Operator exposes the lifecycle operations consumed by the API layer.
// Operations against the same VM id are mutually exclusive; operations
// against different ids proceed independently.
type Operator struct {
	conf  *config.Config
	store *store.Store
	net   *network.Manager
	ctrl  Controller

	// locks serializes per-VM operations without a global lock.
	locks *kmutex.Kmutex

	mu      sync.Mutex
	handles map[string]*handle
}

// New builds an Operator. The controller variant, real or dry-run, is
// chosen here at construction time.
func New(conf *config.Config, st *store.Store, nm *network.Manager) (*Operator, error) {
	if conf == nil {
		return nil, fmt.Errorf("config is nil")
	}
	var ctrl Controller = newHostController(conf)
	if conf.DryRun {
		ctrl = newDryRunController(conf)
	}
	if !conf.DryRun {
		if err := conf.EnsureDirs(); err != nil {
			return nil, fmt.Errorf("ensure dirs: %w", err)
		}
	}
	return &Operator{
		conf:    conf,
		store:   st,
		net:     nm,
		ctrl:    ctrl,
		locks:   kmutex.New(),
		handles: make(map[string]*handle),
	}, nil
}

// Controller exposes the underlying controller, mainly for status
// surfaces that need liveness checks.
func (o *Operator) Controller() Controller { return o.ctrl }

func (o *Operator) setHandle(vmID string, pid int, socketPath string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handles[vmID] = &handle{pid: pid, socketPath: socketPath}
}

func (o *Operator) clearHandle(vmID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.handles, vmID)
}

func (o *Operator) getHandle(vmID string) (handle, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.handles[vmID]
	if !ok {
		return handle{}, false
	}
	return *h, true
}

// livePID verifies a VM against the live process, not the stored flag,
// so stale records never fool a precondition check. Returns 0 when no
// verified process exists.
func (o *Operator) livePID(vmID string) int {
	sock := o.conf.VMSocketPath(vmID)
	if h, ok := o.getHandle(vmID); ok && o.ctrl.Alive(h.pid, h.socketPath) {
		return h.pid
	}
	// Fall back to the PID record so a restarted manager can still
	// control VMs launched by a previous instance.
	if pid, err := utils.ReadPIDFile(o.conf.VMPIDFile(vmID)); err == nil && o.ctrl.Alive(pid, sock) {
		return pid
	}
	return 0
}

// IsRunning reports ground-truth liveness for a VM.
func (o *Operator) IsRunning(vmID string) bool { return o.livePID(vmID) != 0 }

// DeleteVM removes a stopped VM's record and working directory.
// Running VMs are refused — stop first.
func (o *Operator) DeleteVM(ctx context.Context, vmID string) error {
	o.locks.Lock(vmID)
	defer o.locks.Unlock(vmID)

	if o.livePID(vmID) != 0 {
		return fmt.Errorf("delete VM %q: %w", vmID, store.ErrVMRunning)
	}
	if err := o.store.DeleteVM(ctx, vmID); err != nil {
		return err
	}
	return o.ctrl.RemoveVMDir(vmID)
}
