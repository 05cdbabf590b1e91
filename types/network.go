package types

// AllocationMode tells the operator which QEMU network backend to build.
type AllocationMode string

const (
	// AllocationBridged means a real tap interface attached to the shared
	// bridge was created for the VM.
	AllocationBridged AllocationMode = "bridged"
	// AllocationUserMode means no host interface exists; the VM falls back
	// to QEMU's isolated user-mode networking. Returned when the network
	// manager runs dry or lacks privileges.
	AllocationUserMode AllocationMode = "user"
)

// Allocation is the address/interface triple assigned to one VM by the
// network manager. It exists only while the VM has live (or recently
// torn down) connectivity and is released on stop.
type Allocation struct {
	VMID    string         `json:"vm_id"`
	IP      string         `json:"ip"`
	MAC     string         `json:"mac"`
	TapName string         `json:"tap_name"`
	Mode    AllocationMode `json:"mode"`
}

// NetworkConfig is the snapshot returned to the API layer.
type NetworkConfig struct {
	VLANID       int      `json:"vlan_id"`
	BridgeName   string   `json:"bridge_name"`
	Subnet       string   `json:"subnet"`
	Gateway      string   `json:"gateway"`
	DNS          []string `json:"dns"`
	AllocatedIPs []string `json:"allocated_ips"`
}
