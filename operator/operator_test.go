package operator

import (
	"context"
	"errors"
	"testing"

	"github.com/blawesom/vm-manager/config"
	"github.com/blawesom/vm-manager/lock/flock"
	"github.com/blawesom/vm-manager/network"
	"github.com/blawesom/vm-manager/store"
	"github.com/blawesom/vm-manager/types"
)

// newTestOperator wires a dry-run operator against a real store in a
// temp dir. No process, socket, or network interface is touched.
func newTestOperator(t *testing.T) (*Operator, *store.Store, *config.Config) {
	t.Helper()

	conf := config.DefaultConfig()
	conf.RootDir = t.TempDir()
	conf.DryRun = true
	conf.GracefulTimeoutSeconds = 1
	conf.TermTimeoutSeconds = 1
	conf.StartupTimeoutSeconds = 1

	if err := conf.EnsureDirs(); err != nil {
		t.Fatalf("ensure dirs: %v", err)
	}
	st := store.New(conf.IndexFile(), flock.New(conf.IndexLock()))

	nm, err := network.New(conf)
	if err != nil {
		t.Fatalf("new network manager: %v", err)
	}
	op, err := New(conf, st, nm)
	if err != nil {
		t.Fatalf("new operator: %v", err)
	}
	return op, st, conf
}

func createVM(t *testing.T, st *store.Store, id string) {
	t.Helper()
	if err := st.CreateVM(context.Background(), types.VM{ID: id, State: types.VMStateCreated}); err != nil {
		t.Fatalf("create VM record: %v", err)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	ctx := context.Background()
	op, st, _ := newTestOperator(t)
	createVM(t, st, "vm-1")

	if err := op.Start(ctx, "vm-1", StartOptions{CPUCount: 2, RAMGB: 2}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !op.IsRunning("vm-1") {
		t.Fatal("VM not running after start")
	}

	vm, err := st.GetVM(ctx, "vm-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if vm.State != types.VMStateRunning || vm.PID == 0 || vm.SocketPath == "" {
		t.Errorf("running state not persisted: %+v", vm)
	}
	if vm.StartedAt == nil {
		t.Error("StartedAt not set")
	}

	if err := op.Stop(ctx, "vm-1", false); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if op.IsRunning("vm-1") {
		t.Fatal("VM still running after stop")
	}

	vm, _ = st.GetVM(ctx, "vm-1")
	if vm.State != types.VMStateStopped || vm.PID != 0 || vm.SocketPath != "" {
		t.Errorf("stopped state not persisted: %+v", vm)
	}
	if vm.StoppedAt == nil {
		t.Error("StoppedAt not set")
	}
}

func TestStartAlreadyRunning(t *testing.T) {
	ctx := context.Background()
	op, st, _ := newTestOperator(t)
	createVM(t, st, "vm-1")

	if err := op.Start(ctx, "vm-1", StartOptions{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := op.Start(ctx, "vm-1", StartOptions{}); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}
}

// failingLaunchController behaves like the real controller except that
// every launch dies with a scripted error.
type failingLaunchController struct {
	Controller
	launchErr error
}

func (c *failingLaunchController) Launch(context.Context, *LaunchSpec) (int, error) {
	return 0, c.launchErr
}

func TestStartLaunchFailureRollsBack(t *testing.T) {
	for _, launchErr := range []error{ErrLaunchFailed, ErrStartupTimeout} {
		t.Run(launchErr.Error(), func(t *testing.T) {
			ctx := context.Background()
			op, st, _ := newTestOperator(t)
			createVM(t, st, "vm-1")
			op.ctrl = &failingLaunchController{Controller: op.ctrl, launchErr: launchErr}

			err := op.Start(ctx, "vm-1", StartOptions{})
			if !errors.Is(err, launchErr) {
				t.Fatalf("expected %v, got %v", launchErr, err)
			}

			vm, getErr := st.GetVM(ctx, "vm-1")
			if getErr != nil {
				t.Fatalf("get: %v", getErr)
			}
			if vm.State != types.VMStateError {
				t.Errorf("expected error state after failed launch, got %q", vm.State)
			}
			// The allocation made for this launch must not leak.
			if _, ok := op.net.Lookup("vm-1"); ok {
				t.Error("network allocation survived the failed launch")
			}
			if op.IsRunning("vm-1") {
				t.Error("VM reported running after failed launch")
			}
		})
	}
}

func TestStartUnknownVM(t *testing.T) {
	op, _, _ := newTestOperator(t)
	if err := op.Start(context.Background(), "nope", StartOptions{}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStartExplicitDiskMissing(t *testing.T) {
	ctx := context.Background()
	op, st, _ := newTestOperator(t)
	createVM(t, st, "vm-1")

	err := op.Start(ctx, "vm-1", StartOptions{DiskPath: "/no/such/disk.qcow2"})
	if !errors.Is(err, ErrDiskNotFound) {
		t.Fatalf("expected ErrDiskNotFound, got %v", err)
	}
	vm, _ := st.GetVM(ctx, "vm-1")
	if vm.State != types.VMStateError {
		t.Errorf("expected error state, got %s", vm.State)
	}
}

func TestStartUsesTemplateSizing(t *testing.T) {
	ctx := context.Background()
	op, st, _ := newTestOperator(t)

	if err := st.PutTemplate(ctx, types.VMTemplate{Name: "small", CPUCount: 2, RAMGB: 4}); err != nil {
		t.Fatalf("put template: %v", err)
	}
	if err := st.CreateVM(ctx, types.VM{ID: "vm-1", TemplateName: "small", State: types.VMStateCreated}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := op.Start(ctx, "vm-1", StartOptions{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !op.IsRunning("vm-1") {
		t.Fatal("VM not running")
	}
}

func TestStopNotRunningIsNoOp(t *testing.T) {
	ctx := context.Background()
	op, st, _ := newTestOperator(t)
	createVM(t, st, "vm-1")

	if err := op.Stop(ctx, "vm-1", false); err != nil {
		t.Fatalf("stop of created VM: %v", err)
	}
	// A never-started record keeps its state.
	vm, _ := st.GetVM(ctx, "vm-1")
	if vm.State != types.VMStateCreated {
		t.Errorf("stop mutated a created VM to %s", vm.State)
	}

	if err := op.Start(ctx, "vm-1", StartOptions{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := op.Stop(ctx, "vm-1", false); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := op.Stop(ctx, "vm-1", false); err != nil {
		t.Errorf("repeated stop should be a no-op, got %v", err)
	}
}

func TestStopForce(t *testing.T) {
	ctx := context.Background()
	op, st, _ := newTestOperator(t)
	createVM(t, st, "vm-1")

	if err := op.Start(ctx, "vm-1", StartOptions{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := op.Stop(ctx, "vm-1", true); err != nil {
		t.Fatalf("force stop: %v", err)
	}
	if op.IsRunning("vm-1") {
		t.Fatal("VM still running after force stop")
	}
}

func TestStopReconcilesStaleRunningRecord(t *testing.T) {
	ctx := context.Background()
	op, st, _ := newTestOperator(t)
	createVM(t, st, "vm-1")

	// Fake a crashed manager: record says running, no process exists.
	if err := st.UpdateVM(ctx, "vm-1", func(v *types.VM) error {
		v.State = types.VMStateRunning
		v.PID = 99999
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	if err := op.Stop(ctx, "vm-1", false); err != nil {
		t.Fatalf("stop: %v", err)
	}
	vm, _ := st.GetVM(ctx, "vm-1")
	if vm.State != types.VMStateStopped {
		t.Errorf("stale running record not reconciled: %s", vm.State)
	}
}

func TestDeleteVM(t *testing.T) {
	ctx := context.Background()
	op, st, _ := newTestOperator(t)
	createVM(t, st, "vm-1")

	if err := op.Start(ctx, "vm-1", StartOptions{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := op.DeleteVM(ctx, "vm-1"); !errors.Is(err, store.ErrVMRunning) {
		t.Errorf("delete of running VM: expected ErrVMRunning, got %v", err)
	}

	if err := op.Stop(ctx, "vm-1", false); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := op.DeleteVM(ctx, "vm-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := st.GetVM(ctx, "vm-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("record still present after delete: %v", err)
	}
}

// --- disks ---

func TestDiskCreateDelete(t *testing.T) {
	ctx := context.Background()
	op, st, _ := newTestOperator(t)

	d, err := op.CreateDisk(ctx, 20)
	if err != nil {
		t.Fatalf("create disk: %v", err)
	}
	if d.SizeGB != 20 || d.State != types.DiskStateAvailable {
		t.Errorf("unexpected disk: %+v", d)
	}

	got, err := st.GetDisk(ctx, d.ID)
	if err != nil {
		t.Fatalf("get disk: %v", err)
	}
	if got.State != types.DiskStateAvailable {
		t.Errorf("unexpected state: %s", got.State)
	}

	if err := op.DeleteDisk(ctx, d.ID); err != nil {
		t.Fatalf("delete disk: %v", err)
	}
	if _, err := st.GetDisk(ctx, d.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("record still present after delete: %v", err)
	}
}

func TestAttachDetachRoundTrip(t *testing.T) {
	ctx := context.Background()
	op, st, conf := newTestOperator(t)
	createVM(t, st, "vm-1")

	if err := op.Start(ctx, "vm-1", StartOptions{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	d, err := op.CreateDisk(ctx, 10)
	if err != nil {
		t.Fatalf("create disk: %v", err)
	}
	path := conf.DiskPath(d.ID)

	if err := op.AttachDisk(ctx, "vm-1", path, types.SlotSecond); err != nil {
		t.Fatalf("attach: %v", err)
	}
	got, _ := st.GetDisk(ctx, d.ID)
	if got.State != types.DiskStateAttached || got.VMID != "vm-1" || got.Slot != types.SlotSecond {
		t.Errorf("attach not persisted: %+v", got)
	}

	// Attached disks cannot be deleted.
	if err := op.DeleteDisk(ctx, d.ID); err == nil {
		t.Error("delete of attached disk should be refused")
	}

	if err := op.DetachDisk(ctx, "vm-1", path); err != nil {
		t.Fatalf("detach: %v", err)
	}
	got, _ = st.GetDisk(ctx, d.ID)
	if got.State != types.DiskStateAvailable || got.VMID != "" || got.Slot != "" {
		t.Errorf("detach not persisted: %+v", got)
	}
}

func TestAttachAlreadyAttached(t *testing.T) {
	ctx := context.Background()
	op, st, conf := newTestOperator(t)
	createVM(t, st, "vm-1")

	if err := op.Start(ctx, "vm-1", StartOptions{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	d, err := op.CreateDisk(ctx, 10)
	if err != nil {
		t.Fatalf("create disk: %v", err)
	}
	path := conf.DiskPath(d.ID)

	if err := op.AttachDisk(ctx, "vm-1", path, types.SlotSecond); err != nil {
		t.Fatalf("attach: %v", err)
	}
	// Same disk again, even at a different slot.
	if err := op.AttachDisk(ctx, "vm-1", path, types.SlotThird); !errors.Is(err, ErrAlreadyAttached) {
		t.Fatalf("expected ErrAlreadyAttached, got %v", err)
	}

	// The refused attach must not have touched the record.
	got, _ := st.GetDisk(ctx, d.ID)
	if got.Slot != types.SlotSecond {
		t.Errorf("refused attach mutated the record: %+v", got)
	}
	// The disk is still detachable, so no half-added backend is left.
	if err := op.DetachDisk(ctx, "vm-1", path); err != nil {
		t.Errorf("detach after refused attach: %v", err)
	}
}

func TestAttachPreconditions(t *testing.T) {
	ctx := context.Background()
	op, st, conf := newTestOperator(t)
	createVM(t, st, "vm-1")

	d, err := op.CreateDisk(ctx, 10)
	if err != nil {
		t.Fatalf("create disk: %v", err)
	}
	path := conf.DiskPath(d.ID)

	// VM not running.
	if err := op.AttachDisk(ctx, "vm-1", path, types.SlotSecond); !errors.Is(err, ErrVMNotRunning) {
		t.Errorf("expected ErrVMNotRunning, got %v", err)
	}

	if err := op.Start(ctx, "vm-1", StartOptions{}); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Disk image missing.
	if err := op.AttachDisk(ctx, "vm-1", conf.DiskPath("ghost"), types.SlotSecond); !errors.Is(err, ErrDiskNotFound) {
		t.Errorf("expected ErrDiskNotFound, got %v", err)
	}

	// Bad slot.
	if err := op.AttachDisk(ctx, "vm-1", path, types.DeviceSlot("fifth")); err == nil {
		t.Error("expected error for unknown slot")
	}
}

func TestDetachNotAttached(t *testing.T) {
	ctx := context.Background()
	op, st, conf := newTestOperator(t)
	createVM(t, st, "vm-1")

	if err := op.Start(ctx, "vm-1", StartOptions{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := op.DetachDisk(ctx, "vm-1", conf.DiskPath("ghost")); !errors.Is(err, ErrNotAttached) {
		t.Errorf("expected ErrNotAttached, got %v", err)
	}
	if err := op.Stop(ctx, "vm-1", false); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := op.DetachDisk(ctx, "vm-1", conf.DiskPath("ghost")); !errors.Is(err, ErrVMNotRunning) {
		t.Errorf("expected ErrVMNotRunning, got %v", err)
	}
}

func TestSlotCollision(t *testing.T) {
	ctx := context.Background()
	op, st, conf := newTestOperator(t)
	createVM(t, st, "vm-1")

	if err := op.Start(ctx, "vm-1", StartOptions{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	d1, err := op.CreateDisk(ctx, 10)
	if err != nil {
		t.Fatalf("create disk: %v", err)
	}
	d2, err := op.CreateDisk(ctx, 10)
	if err != nil {
		t.Fatalf("create disk: %v", err)
	}

	if err := op.AttachDisk(ctx, "vm-1", conf.DiskPath(d1.ID), types.SlotSecond); err != nil {
		t.Fatalf("attach first: %v", err)
	}
	// A second disk on the same slot collides on the backend node name.
	if err := op.AttachDisk(ctx, "vm-1", conf.DiskPath(d2.ID), types.SlotSecond); err == nil {
		t.Error("expected error for occupied slot")
	}
	// A free slot still works.
	if err := op.AttachDisk(ctx, "vm-1", conf.DiskPath(d2.ID), types.SlotThird); err != nil {
		t.Errorf("attach at free slot: %v", err)
	}
}
