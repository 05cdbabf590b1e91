package qmp

import (
	"context"
	"encoding/json"
	"fmt"
)

// SystemPowerdown asks the guest OS to shut down cleanly (ACPI).
func SystemPowerdown(ctx context.Context, m Monitor) error {
	_, err := m.Execute(ctx, "system_powerdown", nil)
	return err
}

// BlockdevAdd registers a qcow2 block backend bound to a disk file.
// Phase 1 of a hot-plug.
func BlockdevAdd(ctx context.Context, m Monitor, nodeName, filename string) error {
	_, err := m.Execute(ctx, "blockdev-add", map[string]any{
		"node-name": nodeName,
		"driver":    "qcow2",
		"file": map[string]any{
			"driver":   "file",
			"filename": filename,
		},
	})
	return err
}

// BlockdevDel releases a block backend. Used on detach and to roll back
// phase 1 when phase 2 of an attach fails.
func BlockdevDel(ctx context.Context, m Monitor, nodeName string) error {
	_, err := m.Execute(ctx, "blockdev-del", map[string]any{
		"node-name": nodeName,
	})
	return err
}

// DeviceAdd attaches a virtio-blk front end bound to a registered
// backend. Phase 2 of a hot-plug.
func DeviceAdd(ctx context.Context, m Monitor, driveID, deviceID string) error {
	_, err := m.Execute(ctx, "device_add", map[string]any{
		"driver": "virtio-blk-pci",
		"drive":  driveID,
		"id":     deviceID,
	})
	return err
}

// DeviceDel requests removal of a front-end device. Removal is
// asynchronous — callers poll QueryBlock until the device disappears.
func DeviceDel(ctx context.Context, m Monitor, deviceID string) error {
	_, err := m.Execute(ctx, "device_del", map[string]any{
		"id": deviceID,
	})
	return err
}

// BlockDevice is one entry of a query-block response.
type BlockDevice struct {
	Device   string `json:"device"`
	Qdev     string `json:"qdev"`
	Inserted *struct {
		File     string `json:"file"`
		NodeName string `json:"node-name"`
	} `json:"inserted"`
}

// File returns the backing file of the device, or "" if ejected.
func (b *BlockDevice) File() string {
	if b.Inserted == nil {
		return ""
	}
	return b.Inserted.File
}

// QueryBlock lists the block devices currently known to the hypervisor.
func QueryBlock(ctx context.Context, m Monitor) ([]BlockDevice, error) {
	ret, err := m.Execute(ctx, "query-block", nil)
	if err != nil {
		return nil, err
	}
	var devices []BlockDevice
	if err := json.Unmarshal(ret, &devices); err != nil {
		return nil, fmt.Errorf("%w: decode query-block: %v", ErrProtocol, err)
	}
	return devices, nil
}
