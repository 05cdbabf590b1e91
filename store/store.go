// Package store is the durable state store for VM, disk, and template
// records. It is a thin domain layer over a flock-guarded JSON index;
// one index file holds all three entity maps so cross-entity updates
// (attach: disk + VM) stay consistent under a single lock.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blawesom/vm-manager/lock"
	"github.com/blawesom/vm-manager/storage"
	storejson "github.com/blawesom/vm-manager/storage/json"
	"github.com/blawesom/vm-manager/types"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrExists    = errors.New("record already exists")
	ErrVMRunning = errors.New("VM is running")
)

// Index is the top-level persisted structure.
type Index struct {
	VMs       map[string]*types.VM         `json:"vms"`
	Disks     map[string]*types.Disk       `json:"disks"`
	Templates map[string]*types.VMTemplate `json:"templates"`
}

// Init implements storage.Initer.
func (idx *Index) Init() {
	if idx.VMs == nil {
		idx.VMs = make(map[string]*types.VM)
	}
	if idx.Disks == nil {
		idx.Disks = make(map[string]*types.Disk)
	}
	if idx.Templates == nil {
		idx.Templates = make(map[string]*types.VMTemplate)
	}
}

// Store exposes typed CRUD over the shared index.
type Store struct {
	db storage.Store[Index]
}

// New creates a Store persisting at indexPath, serialized by locker.
func New(indexPath string, locker lock.Locker) *Store {
	return &Store{db: storejson.New[Index](indexPath, locker)}
}

// --- VMs ---

// GetVM returns a detached copy of the VM record.
func (s *Store) GetVM(ctx context.Context, id string) (types.VM, error) {
	var vm types.VM
	return vm, s.db.With(ctx, func(idx *Index) error {
		r := idx.VMs[id]
		if r == nil {
			return fmt.Errorf("VM %q: %w", id, ErrNotFound)
		}
		vm = *r
		return nil
	})
}

// ListVMs returns copies of all VM records, optionally filtered by state
// (empty state means all).
func (s *Store) ListVMs(ctx context.Context, state types.VMState) ([]types.VM, error) {
	var vms []types.VM
	return vms, s.db.With(ctx, func(idx *Index) error {
		for _, r := range idx.VMs {
			if r == nil || (state != "" && r.State != state) {
				continue
			}
			vms = append(vms, *r)
		}
		return nil
	})
}

// CreateVM inserts a new VM record.
func (s *Store) CreateVM(ctx context.Context, vm types.VM) error {
	return s.db.Update(ctx, func(idx *Index) error {
		if idx.VMs[vm.ID] != nil {
			return fmt.Errorf("VM %q: %w", vm.ID, ErrExists)
		}
		now := time.Now()
		vm.CreatedAt, vm.UpdatedAt = now, now
		idx.VMs[vm.ID] = &vm
		return nil
	})
}

// UpdateVM applies fn to the stored record and persists the result.
func (s *Store) UpdateVM(ctx context.Context, id string, fn func(*types.VM) error) error {
	return s.db.Update(ctx, func(idx *Index) error {
		r := idx.VMs[id]
		if r == nil {
			return fmt.Errorf("VM %q: %w", id, ErrNotFound)
		}
		if err := fn(r); err != nil {
			return err
		}
		r.UpdatedAt = time.Now()
		return nil
	})
}

// DeleteVM removes a VM record. Running VMs are refused — the caller
// must stop the VM first.
func (s *Store) DeleteVM(ctx context.Context, id string) error {
	return s.db.Update(ctx, func(idx *Index) error {
		r := idx.VMs[id]
		if r == nil {
			return fmt.Errorf("VM %q: %w", id, ErrNotFound)
		}
		if r.State == types.VMStateRunning {
			return fmt.Errorf("delete VM %q: %w", id, ErrVMRunning)
		}
		delete(idx.VMs, id)
		return nil
	})
}

// --- Disks ---

// GetDisk returns a detached copy of the disk record.
func (s *Store) GetDisk(ctx context.Context, id string) (types.Disk, error) {
	var d types.Disk
	return d, s.db.With(ctx, func(idx *Index) error {
		r := idx.Disks[id]
		if r == nil {
			return fmt.Errorf("disk %q: %w", id, ErrNotFound)
		}
		d = *r
		return nil
	})
}

// ListDisks returns copies of all disk records, optionally filtered by
// state (empty state means all).
func (s *Store) ListDisks(ctx context.Context, state types.DiskState) ([]types.Disk, error) {
	var disks []types.Disk
	return disks, s.db.With(ctx, func(idx *Index) error {
		for _, r := range idx.Disks {
			if r == nil || (state != "" && r.State != state) {
				continue
			}
			disks = append(disks, *r)
		}
		return nil
	})
}

// CreateDisk inserts a new disk record.
func (s *Store) CreateDisk(ctx context.Context, d types.Disk) error {
	return s.db.Update(ctx, func(idx *Index) error {
		if idx.Disks[d.ID] != nil {
			return fmt.Errorf("disk %q: %w", d.ID, ErrExists)
		}
		now := time.Now()
		d.CreatedAt, d.UpdatedAt = now, now
		idx.Disks[d.ID] = &d
		return nil
	})
}

// UpdateDisk applies fn to the stored record and persists the result.
func (s *Store) UpdateDisk(ctx context.Context, id string, fn func(*types.Disk) error) error {
	return s.db.Update(ctx, func(idx *Index) error {
		r := idx.Disks[id]
		if r == nil {
			return fmt.Errorf("disk %q: %w", id, ErrNotFound)
		}
		if err := fn(r); err != nil {
			return err
		}
		r.UpdatedAt = time.Now()
		return nil
	})
}

// DeleteDisk removes a disk record. Attached disks are refused.
func (s *Store) DeleteDisk(ctx context.Context, id string) error {
	return s.db.Update(ctx, func(idx *Index) error {
		r := idx.Disks[id]
		if r == nil {
			return fmt.Errorf("disk %q: %w", id, ErrNotFound)
		}
		if r.State == types.DiskStateAttached {
			return fmt.Errorf("delete disk %q: attached to VM %q", id, r.VMID)
		}
		delete(idx.Disks, id)
		return nil
	})
}

// --- Templates ---

// GetTemplate returns a detached copy of the template.
func (s *Store) GetTemplate(ctx context.Context, name string) (types.VMTemplate, error) {
	var t types.VMTemplate
	return t, s.db.With(ctx, func(idx *Index) error {
		r := idx.Templates[name]
		if r == nil {
			return fmt.Errorf("template %q: %w", name, ErrNotFound)
		}
		t = *r
		return nil
	})
}

// PutTemplate inserts or replaces a template.
func (s *Store) PutTemplate(ctx context.Context, t types.VMTemplate) error {
	return s.db.Update(ctx, func(idx *Index) error {
		idx.Templates[t.Name] = &t
		return nil
	})
}

// ListTemplates returns copies of all templates.
func (s *Store) ListTemplates(ctx context.Context) ([]types.VMTemplate, error) {
	var ts []types.VMTemplate
	return ts, s.db.With(ctx, func(idx *Index) error {
		for _, r := range idx.Templates {
			if r != nil {
				ts = append(ts, *r)
			}
		}
		return nil
	})
}
