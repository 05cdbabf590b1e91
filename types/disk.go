package types

import (
	"fmt"
	"time"
)

// DiskState represents the lifecycle state of a hot-plug disk.
type DiskState string

const (
	DiskStateAvailable DiskState = "available" // backing file exists, no owner
	DiskStateAttached  DiskState = "attached"  // hot-plugged into a running VM
	DiskStateError     DiskState = "error"
)

// DeviceSlot is the guest-visible slot a disk is attached to. The first
// slot is reserved for the root disk, so hot-plug slots start at second.
type DeviceSlot string

const (
	SlotSecond DeviceSlot = "second"
	SlotThird  DeviceSlot = "third"
	SlotFourth DeviceSlot = "fourth"
)

// slotDrives maps guest slots to QMP block backend node names.
// drive0 is the root disk and is never hot-plugged.
var slotDrives = map[DeviceSlot]string{
	SlotSecond: "drive1",
	SlotThird:  "drive2",
	SlotFourth: "drive3",
}

// DriveID resolves the slot to its QMP block backend node name.
func (s DeviceSlot) DriveID() (string, error) {
	id, ok := slotDrives[s]
	if !ok {
		return "", fmt.Errorf("unknown device slot %q", s)
	}
	return id, nil
}

// Disk is the persisted record for a hot-plug disk image.
//
// VMID is non-empty iff State == DiskStateAttached.
type Disk struct {
	ID     string     `json:"id"`
	SizeGB int        `json:"size_gb"`
	State  DiskState  `json:"state"`
	Slot   DeviceSlot `json:"slot,omitempty"`  // set while attached
	VMID   string     `json:"vm_id,omitempty"` // owning VM while attached

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
