package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/blawesom/vm-manager/config"
	"github.com/blawesom/vm-manager/types"
)

// testManager builds a dry-run Manager so no netlink calls happen.
func testManager(t *testing.T, subnet string) *Manager {
	t.Helper()
	conf := config.DefaultConfig()
	conf.DryRun = true
	conf.Subnet = subnet
	m, err := New(conf)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func TestAllocateReleaseRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := testManager(t, "192.168.100.0/24")

	a, err := m.Allocate(ctx, "vm-1")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	// .1 is the default gateway, so the first VM gets .2.
	if a.IP != "192.168.100.2" {
		t.Errorf("expected 192.168.100.2, got %s", a.IP)
	}
	if a.MAC == "" || a.TapName == "" {
		t.Errorf("incomplete allocation: %+v", a)
	}

	got, ok := m.Lookup("vm-1")
	if !ok || got.IP != a.IP {
		t.Errorf("lookup mismatch: %+v ok=%v", got, ok)
	}

	if err := m.Release(ctx, "vm-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, ok := m.Lookup("vm-1"); ok {
		t.Error("allocation still present after release")
	}

	// The freed address is reusable.
	b, err := m.Allocate(ctx, "vm-2")
	if err != nil {
		t.Fatalf("reallocate: %v", err)
	}
	if b.IP != a.IP {
		t.Errorf("expected reuse of %s, got %s", a.IP, b.IP)
	}
}

func TestAllocateIdempotent(t *testing.T) {
	ctx := context.Background()
	m := testManager(t, "192.168.100.0/24")

	a, err := m.Allocate(ctx, "vm-1")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	b, err := m.Allocate(ctx, "vm-1")
	if err != nil {
		t.Fatalf("second allocate: %v", err)
	}
	if a.IP != b.IP || a.MAC != b.MAC {
		t.Errorf("repeated allocate changed the allocation: %+v vs %+v", a, b)
	}

	cfg := m.Config()
	if len(cfg.AllocatedIPs) != 1 {
		t.Errorf("expected 1 allocated IP, got %v", cfg.AllocatedIPs)
	}
}

func TestDoubleReleaseNoOp(t *testing.T) {
	ctx := context.Background()
	m := testManager(t, "192.168.100.0/24")

	if _, err := m.Allocate(ctx, "vm-1"); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := m.Release(ctx, "vm-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := m.Release(ctx, "vm-1"); err != nil {
		t.Errorf("second release should be a no-op, got %v", err)
	}
	if err := m.Release(ctx, "never-allocated"); err != nil {
		t.Errorf("release of unknown VM should be a no-op, got %v", err)
	}
}

func TestPoolExhaustion(t *testing.T) {
	ctx := context.Background()
	// /29 has 8 addresses; network, broadcast, and gateway are reserved,
	// leaving 5 usable.
	m := testManager(t, "10.0.0.0/29")

	for i := 0; i < 5; i++ {
		if _, err := m.Allocate(ctx, fmt.Sprintf("vm-%d", i)); err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
	}
	if _, err := m.Allocate(ctx, "vm-overflow"); !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("expected ErrPoolExhausted, got %v", err)
	}

	// A release makes room again.
	if err := m.Release(ctx, "vm-0"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := m.Allocate(ctx, "vm-overflow"); err != nil {
		t.Errorf("allocate after release: %v", err)
	}
}

func TestReservedAddressesNeverAllocated(t *testing.T) {
	ctx := context.Background()
	m := testManager(t, "10.0.0.0/29")

	reserved := map[string]bool{
		"10.0.0.0": true, // network
		"10.0.0.1": true, // gateway
		"10.0.0.7": true, // broadcast
	}
	for i := 0; i < 5; i++ {
		a, err := m.Allocate(ctx, fmt.Sprintf("vm-%d", i))
		if err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
		if reserved[a.IP] {
			t.Errorf("reserved address %s was allocated", a.IP)
		}
	}
}

func TestDeriveMACDeterministic(t *testing.T) {
	a := DeriveMAC("vm-1")
	b := DeriveMAC("vm-1")
	c := DeriveMAC("vm-2")
	if a != b {
		t.Errorf("MAC not deterministic: %s vs %s", a, b)
	}
	if a == c {
		t.Errorf("distinct VMs got the same MAC: %s", a)
	}
	if len(a) != 17 || a[:9] != macPrefix+":" {
		t.Errorf("malformed MAC %q", a)
	}
}

func TestConcurrentAllocateUniqueIPs(t *testing.T) {
	ctx := context.Background()
	m := testManager(t, "192.168.100.0/24")

	const n = 50
	ips := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := m.Allocate(ctx, fmt.Sprintf("vm-%d", i))
			if err != nil {
				t.Errorf("allocate %d: %v", i, err)
				return
			}
			ips[i] = a.IP
		}(i)
	}
	wg.Wait()

	seen := make(map[string]int)
	for i, ip := range ips {
		if ip == "" {
			continue
		}
		if prev, dup := seen[ip]; dup {
			t.Errorf("IP %s allocated to both vm-%d and vm-%d", ip, prev, i)
		}
		seen[ip] = i
	}
}

func TestGatewayDefaultsToFirstHost(t *testing.T) {
	conf := config.DefaultConfig()
	conf.DryRun = true
	conf.Subnet = "10.10.0.0/16"
	conf.Gateway = ""
	m, err := New(conf)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if got := m.Config().Gateway; got != "10.10.0.1" {
		t.Errorf("expected gateway 10.10.0.1, got %s", got)
	}
}

func TestGatewayOutsideSubnetRejected(t *testing.T) {
	conf := config.DefaultConfig()
	conf.DryRun = true
	conf.Subnet = "10.0.0.0/24"
	conf.Gateway = "192.168.1.1"
	if _, err := New(conf); err == nil {
		t.Error("expected error for gateway outside subnet")
	}
}

func TestUserModeFallbackInDryRun(t *testing.T) {
	ctx := context.Background()
	m := testManager(t, "192.168.100.0/24")

	a, err := m.Allocate(ctx, "vm-1")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if a.Mode != types.AllocationUserMode {
		t.Errorf("dry-run allocation should be user-mode, got %s", a.Mode)
	}
}
