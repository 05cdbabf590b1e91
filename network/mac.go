package network

import (
	"crypto/sha256"
	"fmt"
)

// macPrefix is the QEMU/KVM locally-administered OUI. Guests and host
// tooling both recognize it as virtual.
const macPrefix = "52:54:00"

// DeriveMAC derives a hardware address deterministically from the VM id:
// the same VM always gets the same MAC across restarts, and distinct ids
// map to distinct addresses within the prefix namespace.
func DeriveMAC(vmID string) string {
	sum := sha256.Sum256([]byte(vmID))
	return fmt.Sprintf("%s:%02x:%02x:%02x", macPrefix, sum[0], sum[1], sum[2])
}

// tapName derives the host interface name for a VM. Linux interface
// names are capped at 15 characters, so only an id prefix is used.
func tapName(vmID string) string {
	const max = 8
	if len(vmID) > max {
		vmID = vmID[:max]
	}
	return "tap-" + vmID
}
