package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/blawesom/vm-manager/lock/flock"
	"github.com/blawesom/vm-manager/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return New(filepath.Join(dir, "index.json"), flock.New(filepath.Join(dir, "index.lock")))
}

// --- VMs ---

func TestVMLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	vm := types.VM{ID: "vm-1", Name: "alpha", TemplateName: "small", State: types.VMStateCreated}
	if err := s.CreateVM(ctx, vm); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateVM(ctx, vm); !errors.Is(err, ErrExists) {
		t.Errorf("duplicate create: expected ErrExists, got %v", err)
	}

	got, err := s.GetVM(ctx, "vm-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "alpha" || got.State != types.VMStateCreated {
		t.Errorf("unexpected record: %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt not set on create")
	}

	if err := s.UpdateVM(ctx, "vm-1", func(v *types.VM) error {
		v.State = types.VMStateRunning
		v.PID = 1234
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = s.GetVM(ctx, "vm-1")
	if got.State != types.VMStateRunning || got.PID != 1234 {
		t.Errorf("update not persisted: %+v", got)
	}

	if err := s.DeleteVM(ctx, "vm-1"); !errors.Is(err, ErrVMRunning) {
		t.Errorf("delete running: expected ErrVMRunning, got %v", err)
	}

	if err := s.UpdateVM(ctx, "vm-1", func(v *types.VM) error {
		v.State = types.VMStateStopped
		return nil
	}); err != nil {
		t.Fatalf("stop update: %v", err)
	}
	if err := s.DeleteVM(ctx, "vm-1"); err != nil {
		t.Fatalf("delete stopped: %v", err)
	}
	if _, err := s.GetVM(ctx, "vm-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("get deleted: expected ErrNotFound, got %v", err)
	}
}

func TestGetVMNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetVM(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListVMsStateFilter(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, vm := range []types.VM{
		{ID: "a", State: types.VMStateRunning},
		{ID: "b", State: types.VMStateStopped},
		{ID: "c", State: types.VMStateRunning},
	} {
		if err := s.CreateVM(ctx, vm); err != nil {
			t.Fatalf("create %s: %v", vm.ID, err)
		}
	}

	all, err := s.ListVMs(ctx, "")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 VMs, got %d", len(all))
	}

	running, err := s.ListVMs(ctx, types.VMStateRunning)
	if err != nil {
		t.Fatalf("list running: %v", err)
	}
	if len(running) != 2 {
		t.Errorf("expected 2 running VMs, got %d", len(running))
	}
}

// --- Disks ---

func TestDiskLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	d := types.Disk{ID: "disk-1", SizeGB: 10, State: types.DiskStateAvailable}
	if err := s.CreateDisk(ctx, d); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := s.UpdateDisk(ctx, "disk-1", func(d *types.Disk) error {
		d.State = types.DiskStateAttached
		d.VMID = "vm-1"
		d.Slot = types.SlotSecond
		return nil
	}); err != nil {
		t.Fatalf("attach update: %v", err)
	}

	if err := s.DeleteDisk(ctx, "disk-1"); err == nil {
		t.Error("delete attached disk should be refused")
	}

	if err := s.UpdateDisk(ctx, "disk-1", func(d *types.Disk) error {
		d.State = types.DiskStateAvailable
		d.VMID = ""
		d.Slot = ""
		return nil
	}); err != nil {
		t.Fatalf("detach update: %v", err)
	}
	if err := s.DeleteDisk(ctx, "disk-1"); err != nil {
		t.Fatalf("delete available: %v", err)
	}
}

// --- Templates ---

func TestTemplates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.PutTemplate(ctx, types.VMTemplate{Name: "small", CPUCount: 1, RAMGB: 1}); err != nil {
		t.Fatalf("put: %v", err)
	}
	// Put replaces.
	if err := s.PutTemplate(ctx, types.VMTemplate{Name: "small", CPUCount: 2, RAMGB: 4}); err != nil {
		t.Fatalf("replace: %v", err)
	}

	tpl, err := s.GetTemplate(ctx, "small")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if tpl.CPUCount != 2 || tpl.RAMGB != 4 {
		t.Errorf("replace not applied: %+v", tpl)
	}

	list, err := s.ListTemplates(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("expected 1 template, got %d", len(list))
	}
}

// --- Persistence ---

func TestStateSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	indexPath := filepath.Join(dir, "index.json")
	lockPath := filepath.Join(dir, "index.lock")

	s1 := New(indexPath, flock.New(lockPath))
	if err := s1.CreateVM(ctx, types.VM{ID: "vm-1", State: types.VMStateCreated}); err != nil {
		t.Fatalf("create: %v", err)
	}

	s2 := New(indexPath, flock.New(lockPath))
	vm, err := s2.GetVM(ctx, "vm-1")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if vm.State != types.VMStateCreated {
		t.Errorf("unexpected state after reopen: %s", vm.State)
	}
}
