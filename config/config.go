package config

import (
	"strings"

	coretypes "github.com/projecteru2/core/types"
)

// ObserveIntervalCeiling is the hard upper bound, in seconds, on the
// coherence observer's cycle interval. Configured values are clamped.
const ObserveIntervalCeiling = 5

// Config holds global vman configuration.
type Config struct {
	// RootDir is the storage root: per-VM working directories, disk
	// images, and the state store all live under it.
	// Env: VMAN_ROOT_DIR. Default: /var/lib/vman.
	RootDir string `json:"root_dir" mapstructure:"root_dir"`
	// DryRun simulates every side-effecting operation: no processes,
	// sockets, or network interfaces are created. State transitions and
	// error contracts are preserved.
	// Env: VMAN_DRY_RUN.
	DryRun bool `json:"dry_run" mapstructure:"dry_run"`
	// QemuBinary is the path or name of the QEMU system executable.
	// Default: "qemu-system-x86_64".
	QemuBinary string `json:"qemu_binary" mapstructure:"qemu_binary"`
	// QemuImgBinary is the path or name of the qemu-img executable.
	// Default: "qemu-img".
	QemuImgBinary string `json:"qemu_img_binary" mapstructure:"qemu_img_binary"`
	// DefaultBootImage is an optional qcow2 image copied into the VM
	// directory when a VM is started without a root disk. Each VM gets
	// an independent copy. Empty means start from an empty disk.
	DefaultBootImage string `json:"default_boot_image" mapstructure:"default_boot_image"`
	// DefaultDiskSizeGB is the size of root disks created from scratch.
	// Default: 10.
	DefaultDiskSizeGB int `json:"default_disk_size_gb" mapstructure:"default_disk_size_gb"`

	// GracefulTimeoutSeconds is how long to wait for a guest to respond
	// to a QMP system_powerdown before escalating to SIGTERM. Default: 30.
	GracefulTimeoutSeconds int `json:"graceful_timeout_seconds" mapstructure:"graceful_timeout_seconds"`
	// TermTimeoutSeconds is the SIGTERM→SIGKILL window. Default: 10.
	TermTimeoutSeconds int `json:"term_timeout_seconds" mapstructure:"term_timeout_seconds"`
	// StartupTimeoutSeconds is how long start waits for the QMP socket
	// to become connectable. Default: 10.
	StartupTimeoutSeconds int `json:"startup_timeout_seconds" mapstructure:"startup_timeout_seconds"`

	// ObserveIntervalSeconds is the coherence observer cycle interval,
	// clamped to ObserveIntervalCeiling. Default: 5.
	ObserveIntervalSeconds int `json:"observe_interval_seconds" mapstructure:"observe_interval_seconds"`

	// Networking. The gateway defaults to the first host of the subnet.
	VLANID     int    `json:"vlan_id" mapstructure:"vlan_id"`
	BridgeName string `json:"bridge_name" mapstructure:"bridge_name"`
	Subnet     string `json:"subnet" mapstructure:"subnet"`
	Gateway    string `json:"gateway" mapstructure:"gateway"`
	// DNS is a comma or semicolon separated list of DNS server addresses.
	DNS string `json:"dns" mapstructure:"dns"`

	// PoolSize bounds concurrent batch operations (start/stop of many
	// VMs). Defaults to runtime.NumCPU() if zero.
	PoolSize int `json:"pool_size" mapstructure:"pool_size"`

	// Log configuration, uses eru core's ServerLogConfig.
	Log coretypes.ServerLogConfig `json:"log" mapstructure:"log"`
}

// DefaultConfig returns a Config with every default filled in.
func DefaultConfig() *Config {
	return &Config{
		RootDir:                "/var/lib/vman",
		QemuBinary:             "qemu-system-x86_64",
		QemuImgBinary:          "qemu-img",
		DefaultDiskSizeGB:      10,
		GracefulTimeoutSeconds: 30,
		TermTimeoutSeconds:     10,
		StartupTimeoutSeconds:  10,
		ObserveIntervalSeconds: ObserveIntervalCeiling,
		VLANID:                 100,
		BridgeName:             "br-vman",
		Subnet:                 "192.168.100.0/24",
		DNS:                    "8.8.8.8,8.8.4.4",
	}
}

// DNSServers parses the DNS string into a slice of server addresses.
func (c *Config) DNSServers() []string {
	if c.DNS == "" {
		return nil
	}
	raw := strings.ReplaceAll(c.DNS, ";", ",")
	var servers []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			servers = append(servers, s)
		}
	}
	return servers
}
