package operator

import (
	"context"
	"syscall"

	"github.com/blawesom/vm-manager/operator/qmp"
	"github.com/blawesom/vm-manager/types"
)

// LaunchSpec describes one hypervisor process to launch.
type LaunchSpec struct {
	VMID       string
	DiskPath   string // root disk image
	CPUCount   int
	RAMGB      int
	SocketPath string // QMP control socket
	PIDFile    string
	LogPath    string // process stdout/stderr

	// Net selects the network backend. HasNet false or Mode user means
	// QEMU's isolated user-mode networking.
	Net    types.Allocation
	HasNet bool
}

// Controller is the VM process controller: every operation that touches
// the host OS goes through it. Two variants exist, hostController
// performing real OS work and dryRunController tracking the same
// contracts in memory, selected at construction time.
type Controller interface {
	// CreateDisk creates a qcow2 image of the given size at path.
	CreateDisk(ctx context.Context, path string, sizeGB int) error
	// DeleteDisk removes a disk image.
	DeleteDisk(ctx context.Context, path string) error
	// DiskExists reports whether a backing file is present at path.
	DiskExists(path string) bool
	// CopyImage duplicates a boot image so the VM owns an independent copy.
	CopyImage(ctx context.Context, src, dst string) error

	// Launch starts the hypervisor detached, records its PID, and waits
	// for the control socket to become connectable. On failure every
	// partial artifact is cleaned up before the error is returned.
	Launch(ctx context.Context, spec *LaunchSpec) (int, error)
	// Alive reports whether pid is a live hypervisor process serving
	// socketPath. Distinguishes VMs sharing one binary.
	Alive(pid int, socketPath string) bool
	// Signal delivers sig to pid. An already-dead process is not an error.
	Signal(pid int, sig syscall.Signal) error
	// Monitor returns the control-protocol monitor for socketPath.
	Monitor(socketPath string) qmp.Monitor

	// CleanupRuntime removes the PID file and control socket of a VM.
	// Best-effort, called from every stop path.
	CleanupRuntime(vmID string)
	// RemoveVMDir deletes a VM's working directory and everything in it.
	RemoveVMDir(vmID string) error
}
