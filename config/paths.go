package config

import (
	"path/filepath"

	"github.com/blawesom/vm-manager/utils"
)

// EnsureDirs creates the static directories under the storage root.
// Per-VM directories are created on demand via EnsureVMDir.
func (c *Config) EnsureDirs() error {
	return utils.EnsureDirs(
		c.VMsDir(),
		c.DisksDir(),
		c.dbDir(),
	)
}

// EnsureVMDir creates a VM's working directory.
func (c *Config) EnsureVMDir(vmID string) error {
	return utils.EnsureDirs(c.VMDir(vmID))
}

// Derived path helpers. Layout:
//
//	{root}/vms/{id}/root.qcow2  root disk image
//	{root}/vms/{id}/qemu.pid    PID record
//	{root}/vms/{id}/qmp.sock    QMP control socket
//	{root}/vms/{id}/qemu.log    process stdout/stderr
//	{root}/disks/{id}.img       hot-plug disk images
//	{root}/db/index.json        state store

func (c *Config) VMsDir() string { return filepath.Join(c.RootDir, "vms") }
func (c *Config) dbDir() string  { return filepath.Join(c.RootDir, "db") }

func (c *Config) VMDir(vmID string) string        { return filepath.Join(c.VMsDir(), vmID) }
func (c *Config) VMPIDFile(vmID string) string    { return filepath.Join(c.VMDir(vmID), "qemu.pid") }
func (c *Config) VMSocketPath(vmID string) string { return filepath.Join(c.VMDir(vmID), "qmp.sock") }
func (c *Config) VMProcessLog(vmID string) string { return filepath.Join(c.VMDir(vmID), "qemu.log") }
func (c *Config) VMRootDisk(vmID string) string   { return filepath.Join(c.VMDir(vmID), "root.qcow2") }

func (c *Config) DisksDir() string           { return filepath.Join(c.RootDir, "disks") }
func (c *Config) DiskPath(diskID string) string { return filepath.Join(c.DisksDir(), diskID+".img") }

// IndexFile and IndexLock are the state store paths.
func (c *Config) IndexFile() string { return filepath.Join(c.dbDir(), "index.json") }
func (c *Config) IndexLock() string { return filepath.Join(c.dbDir(), "index.lock") }
