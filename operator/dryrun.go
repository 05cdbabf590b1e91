package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"syscall"

	"github.com/projecteru2/core/log"

	"github.com/blawesom/vm-manager/config"
	"github.com/blawesom/vm-manager/operator/qmp"
	"github.com/blawesom/vm-manager/utils"
)

// dryRunController satisfies every Controller contract (state
// transitions, idempotence, error conditions) against in-memory state
// only. No process, socket, or file is created.
type dryRunController struct {
	conf *config.Config

	mu      sync.Mutex
	disks   map[string]struct{}       // simulated backing files
	procs   map[int]string            // pid → socket path
	socks   map[string]*simMonitor    // socket path → monitor
	nextPID int
}

// compile-time interface check.
var _ Controller = (*dryRunController)(nil)

func newDryRunController(conf *config.Config) *dryRunController {
	return &dryRunController{
		conf:    conf,
		disks:   make(map[string]struct{}),
		procs:   make(map[int]string),
		socks:   make(map[string]*simMonitor),
		nextPID: 40000,
	}
}

func (c *dryRunController) CreateDisk(ctx context.Context, path string, sizeGB int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.disks[path]; ok {
		return fmt.Errorf("%w: %s already exists", ErrDiskCreationFailed, path)
	}
	c.disks[path] = struct{}{}
	log.WithFunc("operator.CreateDisk").Infof(ctx, "dry-run: would create disk %s (%dG)", path, sizeGB)
	return nil
}

func (c *dryRunController) DeleteDisk(ctx context.Context, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.disks[path]; !ok {
		return fmt.Errorf("%w: %s", ErrDiskNotFound, path)
	}
	delete(c.disks, path)
	log.WithFunc("operator.DeleteDisk").Infof(ctx, "dry-run: would delete disk %s", path)
	return nil
}

func (c *dryRunController) DiskExists(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.disks[path]; ok {
		return true
	}
	// Pre-existing real files (an explicit disk path) still count.
	return utils.FileExists(path)
}

func (c *dryRunController) CopyImage(ctx context.Context, src, dst string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disks[dst] = struct{}{}
	log.WithFunc("operator.CopyImage").Infof(ctx, "dry-run: would copy %s → %s", src, dst)
	return nil
}

func (c *dryRunController) Launch(ctx context.Context, spec *LaunchSpec) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pid := c.nextPID
	c.nextPID++
	c.procs[pid] = spec.SocketPath

	m := newSimMonitor()
	m.insert("drive0", "drive0", spec.DiskPath)
	c.socks[spec.SocketPath] = m

	log.WithFunc("operator.Launch").Infof(ctx,
		"dry-run: would launch %s (cpu=%d ram=%dG disk=%s) as pid %d",
		spec.VMID, spec.CPUCount, spec.RAMGB, spec.DiskPath, pid)
	return pid, nil
}

func (c *dryRunController) Alive(pid int, socketPath string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	sock, ok := c.procs[pid]
	return ok && sock == socketPath
}

// Signal simulates process death: any termination signal ends the
// simulated process immediately.
func (c *dryRunController) Signal(pid int, sig syscall.Signal) error {
	if sig != syscall.SIGTERM && sig != syscall.SIGKILL {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.killLocked(pid)
	return nil
}

func (c *dryRunController) killLocked(pid int) {
	if sock, ok := c.procs[pid]; ok {
		delete(c.procs, pid)
		delete(c.socks, sock)
	}
}

func (c *dryRunController) Monitor(socketPath string) qmp.Monitor {
	// Resolved per call: the simulated process may die between calls.
	return monitorFunc(func(ctx context.Context, command string, args map[string]any) (json.RawMessage, error) {
		c.mu.Lock()
		m, ok := c.socks[socketPath]
		c.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("%w: no monitor at %s", qmp.ErrProtocol, socketPath)
		}
		ret, err := m.Execute(ctx, command, args)
		if err == nil && command == "system_powerdown" {
			// The simulated guest honors ACPI instantly.
			c.mu.Lock()
			for pid, sock := range c.procs {
				if sock == socketPath {
					c.killLocked(pid)
					break
				}
			}
			c.mu.Unlock()
		}
		return ret, err
	})
}

func (c *dryRunController) CleanupRuntime(string) {}

func (c *dryRunController) RemoveVMDir(vmID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.disks, c.conf.VMRootDisk(vmID))
	return nil
}

// monitorFunc adapts a function to qmp.Monitor.
type monitorFunc func(ctx context.Context, command string, args map[string]any) (json.RawMessage, error)

func (f monitorFunc) Execute(ctx context.Context, command string, args map[string]any) (json.RawMessage, error) {
	return f(ctx, command, args)
}

// simMonitor is an in-memory QMP monitor tracking block backends and
// front-end devices the way a live QEMU would report them.
type simMonitor struct {
	mu      sync.Mutex
	nodes   map[string]string // node name → backing file
	devices map[string]string // device id → node name
}

func newSimMonitor() *simMonitor {
	return &simMonitor{
		nodes:   make(map[string]string),
		devices: make(map[string]string),
	}
}

func (m *simMonitor) insert(deviceID, node, file string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[node] = file
	m.devices[deviceID] = node
}

func (m *simMonitor) Execute(_ context.Context, command string, args map[string]any) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch command {
	case "system_powerdown":
		return json.RawMessage(`{}`), nil

	case "blockdev-add":
		node, _ := args["node-name"].(string)
		if _, ok := m.nodes[node]; ok {
			return nil, fmt.Errorf("%w: Duplicate nodes with node-name '%s'", qmp.ErrProtocol, node)
		}
		file, _ := args["file"].(map[string]any)
		filename, _ := file["filename"].(string)
		m.nodes[node] = filename
		return json.RawMessage(`{}`), nil

	case "blockdev-del":
		node, _ := args["node-name"].(string)
		if _, ok := m.nodes[node]; !ok {
			return nil, fmt.Errorf("%w: Failed to find node with node-name='%s'", qmp.ErrProtocol, node)
		}
		for _, n := range m.devices {
			if n == node {
				return nil, fmt.Errorf("%w: Node '%s' is busy", qmp.ErrProtocol, node)
			}
		}
		delete(m.nodes, node)
		return json.RawMessage(`{}`), nil

	case "device_add":
		drive, _ := args["drive"].(string)
		id, _ := args["id"].(string)
		if _, ok := m.nodes[drive]; !ok {
			return nil, fmt.Errorf("%w: Property 'drive' can't find node '%s'", qmp.ErrProtocol, drive)
		}
		if _, ok := m.devices[id]; ok {
			return nil, fmt.Errorf("%w: Duplicate device ID '%s'", qmp.ErrProtocol, id)
		}
		m.devices[id] = drive
		return json.RawMessage(`{}`), nil

	case "device_del":
		id, _ := args["id"].(string)
		if _, ok := m.devices[id]; !ok {
			return nil, fmt.Errorf("%w: Device '%s' not found", qmp.ErrProtocol, id)
		}
		delete(m.devices, id)
		return json.RawMessage(`{}`), nil

	case "query-block":
		type inserted struct {
			File     string `json:"file"`
			NodeName string `json:"node-name"`
		}
		type blockDev struct {
			Device   string    `json:"device"`
			Inserted *inserted `json:"inserted"`
		}
		var out []blockDev
		for id, node := range m.devices {
			out = append(out, blockDev{
				Device:   id,
				Inserted: &inserted{File: m.nodes[node], NodeName: node},
			})
		}
		data, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", qmp.ErrProtocol, err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("%w: unsupported command %q", qmp.ErrProtocol, command)
}
