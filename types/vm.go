package types

import "time"

// VMState represents the lifecycle state of a VM.
type VMState string

const (
	VMStateCreated VMState = "created" // record exists, QEMU process never started
	VMStateRunning VMState = "running" // QEMU process alive, QMP socket connectable
	VMStateStopped VMState = "stopped" // QEMU process has exited
	VMStateError   VMState = "error"   // start or stop failed
)

// VMTemplate is a named sizing preset referenced by VMs at creation time.
type VMTemplate struct {
	Name     string `json:"name"`
	CPUCount int    `json:"cpu_count"`
	RAMGB    int    `json:"ram_gb"`
}

// VM is the persisted record for a single virtual machine.
//
// PID and SocketPath are non-zero iff State == VMStateRunning; the
// operator is the sole writer of transitions into and out of running.
type VM struct {
	ID           string  `json:"id"`
	Name         string  `json:"name,omitempty"`
	TemplateName string  `json:"template_name"`
	State        VMState `json:"state"`

	// Network — populated by the operator from the network manager's
	// allocation while the VM has live connectivity.
	LocalIP string `json:"local_ip,omitempty"`
	MAC     string `json:"mac,omitempty"`

	// Runtime — populated only while State == VMStateRunning.
	PID        int    `json:"pid,omitempty"`
	SocketPath string `json:"socket_path,omitempty"` // QMP unix socket

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
}

// Running reports whether the record claims a live process. Callers that
// need ground truth must verify the PID against the host as well.
func (v *VM) Running() bool { return v.State == VMStateRunning }
