// Package network owns bridge lifecycle and per-VM address/interface
// allocation. It is a leaf: nothing here depends on the operator or the
// observer.
package network

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/projecteru2/core/log"

	"github.com/blawesom/vm-manager/config"
	"github.com/blawesom/vm-manager/types"
)

// Manager allocates addresses and host interfaces for VMs out of one
// configured subnet. Pool state is shared mutable state reached from
// concurrent start/stop calls; every mutation happens under mu.
type Manager struct {
	vlanID     int
	bridgeName string
	subnet     *net.IPNet
	gateway    net.IP
	dns        []string
	dryRun     bool

	mu          sync.Mutex
	allocations map[string]types.Allocation // vmID → allocation
	inUse       map[string]string           // ip → vmID
	bridgeReady bool
}

// New parses the configured subnet and gateway. The gateway defaults to
// the first host address of the subnet.
func New(conf *config.Config) (*Manager, error) {
	_, subnet, err := net.ParseCIDR(conf.Subnet)
	if err != nil {
		return nil, fmt.Errorf("parse subnet %q: %w", conf.Subnet, err)
	}

	gateway := net.ParseIP(conf.Gateway)
	if conf.Gateway == "" {
		gateway = uint32ToIP(ipToUint32(subnet.IP) + 1)
	}
	if gateway == nil || !subnet.Contains(gateway) {
		return nil, fmt.Errorf("gateway %q not inside subnet %s", conf.Gateway, subnet)
	}

	return &Manager{
		vlanID:      conf.VLANID,
		bridgeName:  conf.BridgeName,
		subnet:      subnet,
		gateway:     gateway.To4(),
		dns:         conf.DNSServers(),
		dryRun:      conf.DryRun,
		allocations: make(map[string]types.Allocation),
		inUse:       make(map[string]string),
	}, nil
}

// EnsureBridge creates the shared bridge with the gateway address and
// NAT rules. Idempotent. Callers must treat failure as non-fatal: VMs
// fall back to user-mode networking when no bridge is available.
func (m *Manager) EnsureBridge(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureBridgeLocked(ctx)
}

func (m *Manager) ensureBridgeLocked(ctx context.Context) error {
	logger := log.WithFunc("network.EnsureBridge")
	if m.dryRun {
		logger.Debugf(ctx, "dry-run: would ensure bridge %s", m.bridgeName)
		return nil
	}
	if m.bridgeReady {
		return nil
	}
	if err := ensureBridgeLink(m.bridgeName, m.gateway, m.subnet); err != nil {
		return err
	}
	if err := enableNAT(m.subnet.String(), m.bridgeName); err != nil {
		// Bridge works without NAT; guests just lose egress beyond the host.
		logger.Warnf(ctx, "NAT setup for %s: %v", m.bridgeName, err)
	}
	m.bridgeReady = true
	logger.Infof(ctx, "bridge %s ready (gateway %s)", m.bridgeName, m.gateway)
	return nil
}

// Allocate picks the next free address from the pool, derives the MAC
// from vmID, and creates a tap interface bound to the bridge. Calling
// it again for a VM that already holds an allocation returns the
// existing one.
//
// When real resources cannot be acquired (dry-run, or bridge/tap
// creation failing for lack of privilege) a pseudo-allocation with
// Mode == AllocationUserMode is returned so VM start can proceed over
// QEMU's isolated user-mode path.
func (m *Manager) Allocate(ctx context.Context, vmID string) (types.Allocation, error) {
	logger := log.WithFunc("network.Allocate")

	m.mu.Lock()
	defer m.mu.Unlock()

	if a, ok := m.allocations[vmID]; ok {
		return a, nil
	}

	ip, err := m.nextFreeIPLocked()
	if err != nil {
		return types.Allocation{}, err
	}

	a := types.Allocation{
		VMID:    vmID,
		IP:      ip,
		MAC:     DeriveMAC(vmID),
		TapName: tapName(vmID),
		Mode:    types.AllocationBridged,
	}

	switch {
	case m.dryRun:
		a.Mode = types.AllocationUserMode
		logger.Debugf(ctx, "dry-run: pseudo-allocation %s → %s", vmID, a.IP)
	default:
		if err := m.ensureBridgeLocked(ctx); err != nil {
			logger.Warnf(ctx, "bridge unavailable, falling back to user-mode for %s: %v", vmID, err)
			a.Mode = types.AllocationUserMode
		} else if err := createTap(a.TapName, m.bridgeName); err != nil {
			logger.Warnf(ctx, "tap creation failed, falling back to user-mode for %s: %v", vmID, err)
			a.Mode = types.AllocationUserMode
		}
	}

	m.allocations[vmID] = a
	m.inUse[a.IP] = vmID
	logger.Infof(ctx, "allocated %s (%s, %s) to VM %s", a.IP, a.MAC, a.Mode, vmID)
	return a, nil
}

// nextFreeIPLocked scans the subnet for the first host address that is
// neither reserved (network, gateway, broadcast) nor allocated.
func (m *Manager) nextFreeIPLocked() (string, error) {
	netAddr := ipToUint32(m.subnet.IP)
	ones, bits := m.subnet.Mask.Size()
	broadcast := netAddr | (1<<(bits-ones) - 1)
	gw := ipToUint32(m.gateway)

	for n := netAddr + 1; n < broadcast; n++ {
		if n == gw {
			continue
		}
		ip := uint32ToIP(n).String()
		if _, taken := m.inUse[ip]; !taken {
			return ip, nil
		}
	}
	return "", fmt.Errorf("%w: subnet %s", ErrPoolExhausted, m.subnet)
}

// Release tears down the VM's tap interface and returns its address to
// the pool. Idempotent: releasing a VM with no allocation is a no-op,
// since the operator's stop sequence and a retried cleanup may both call it.
func (m *Manager) Release(ctx context.Context, vmID string) error {
	logger := log.WithFunc("network.Release")

	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.allocations[vmID]
	if !ok {
		logger.Debugf(ctx, "no allocation for VM %s, nothing to release", vmID)
		return nil
	}

	if a.Mode == types.AllocationBridged && !m.dryRun {
		if err := deleteTap(a.TapName); err != nil {
			logger.Warnf(ctx, "tear down tap %s: %v", a.TapName, err)
		}
	}

	delete(m.allocations, vmID)
	delete(m.inUse, a.IP)
	logger.Infof(ctx, "released %s from VM %s", a.IP, vmID)
	return nil
}

// Lookup returns the live allocation for a VM, if any.
func (m *Manager) Lookup(vmID string) (types.Allocation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.allocations[vmID]
	return a, ok
}

// Config returns a snapshot of the network configuration for the API layer.
func (m *Manager) Config() types.NetworkConfig {
	m.mu.Lock()
	defer m.mu.Unlock()

	ips := make([]string, 0, len(m.inUse))
	for ip := range m.inUse {
		ips = append(ips, ip)
	}
	sort.Strings(ips)

	return types.NetworkConfig{
		VLANID:       m.vlanID,
		BridgeName:   m.bridgeName,
		Subnet:       m.subnet.String(),
		Gateway:      m.gateway.String(),
		DNS:          append([]string(nil), m.dns...),
		AllocatedIPs: ips,
	}
}

func ipToUint32(ip net.IP) uint32 {
	ip = ip.To4()
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}

func uint32ToIP(n uint32) net.IP {
	return net.IPv4(byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
}
