package observer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/blawesom/vm-manager/types"
	"github.com/blawesom/vm-manager/utils"
)

// runChecks executes one full coherence cycle. Checks only observe and
// report; nothing is ever repaired. The store and process table are
// each read once per cycle so every check sees the same picture.
//
// A failed read never aborts the cycle: the checks that depended on it
// are recorded as check_failed so the snapshot cannot claim all-clear,
// and the remaining checks still run.
func (o *Observer) runChecks(ctx context.Context) []types.CoherenceIssue {
	logger := log.WithFunc("observer.runChecks")
	now := time.Now()

	var issues []types.CoherenceIssue
	add := func(kind types.IssueKind, subject, detail string) {
		issues = append(issues, types.CoherenceIssue{
			Kind:       kind,
			SubjectID:  subject,
			Detail:     detail,
			DetectedAt: now,
		})
	}

	vms, vmErr := o.store.ListVMs(ctx, "")
	if vmErr != nil {
		logger.Errorf(ctx, vmErr, "list VMs")
		add(types.IssueCheckFailed, "vms",
			fmt.Sprintf("VM records unreadable, VM checks skipped this cycle: %v", vmErr))
	}
	disks, diskErr := o.store.ListDisks(ctx, "")
	if diskErr != nil {
		logger.Errorf(ctx, diskErr, "list disks")
		add(types.IssueCheckFailed, "disks",
			fmt.Sprintf("disk records unreadable, disk checks skipped this cycle: %v", diskErr))
	}

	procs, procErr := o.procs.Processes(ctx)
	if procErr != nil {
		logger.Warnf(ctx, "enumerate processes: %v, falling back to per-PID checks", procErr)
	}

	vmIDs := make(map[string]*types.VM, len(vms))
	running := make(map[string]*types.VM)
	for i := range vms {
		vm := &vms[i]
		vmIDs[vm.ID] = vm
		if vm.State == types.VMStateRunning {
			running[vm.ID] = vm
		}
	}

	// Recorded running, but no live process.
	for id, vm := range running {
		if ctx.Err() != nil {
			return issues
		}
		if !o.vmAlive(vm, procs, procErr == nil) {
			add(types.IssueStateMismatch, id,
				fmt.Sprintf("recorded running with PID %d but no matching process", vm.PID))
		}
	}

	// Live hypervisor process, but no running record. Only processes
	// whose command line points into our storage root are ours to judge.
	// Without VM records we cannot tell an orphan from a recorded VM.
	if procErr == nil && vmErr == nil {
		for _, p := range procs {
			if ctx.Err() != nil {
				return issues
			}
			vmID := o.vmIDFromCmdline(p.Cmdline)
			if vmID == "" {
				continue
			}
			if _, ok := running[vmID]; !ok {
				add(types.IssueOrphanProcess, vmID,
					fmt.Sprintf("process %d runs VM %s which is not recorded running", p.PID, vmID))
			}
		}
	}

	diskFiles := make(map[string]struct{}, len(disks))
	for i := range disks {
		if ctx.Err() != nil {
			return issues
		}
		d := &disks[i]
		path := o.conf.DiskPath(d.ID)
		diskFiles[filepath.Base(path)] = struct{}{}

		if d.State == types.DiskStateAttached && !utils.FileExists(path) {
			add(types.IssueMissingDisk, d.ID,
				fmt.Sprintf("recorded attached to VM %s but backing file %s is missing", d.VMID, path))
		}
		if (d.State == types.DiskStateAttached) != (d.VMID != "") {
			add(types.IssueDiskStateInconsistency, d.ID,
				fmt.Sprintf("state %q with owner %q", d.State, d.VMID))
		}
		if d.VMID != "" && vmErr == nil {
			if _, ok := vmIDs[d.VMID]; !ok {
				add(types.IssueDanglingReference, d.ID,
					fmt.Sprintf("references VM %s which does not exist", d.VMID))
			}
		}
	}

	// Backing files with no record. Needs the full record set to judge.
	if diskErr == nil {
		entries, err := os.ReadDir(o.conf.DisksDir())
		if err != nil {
			if !os.IsNotExist(err) {
				logger.Warnf(ctx, "scan disks dir: %v", err)
			}
		} else {
			for _, e := range entries {
				if e.IsDir() || !strings.HasSuffix(e.Name(), ".img") {
					continue
				}
				if _, ok := diskFiles[e.Name()]; !ok {
					add(types.IssueOrphanFile, strings.TrimSuffix(e.Name(), ".img"),
						fmt.Sprintf("file %s has no disk record", filepath.Join(o.conf.DisksDir(), e.Name())))
				}
			}
		}
	}

	return issues
}

// vmAlive decides whether a recorded-running VM has a live process.
// With a process table, match on the VM's control socket path in the
// command line. Without one, fall back to existence of the recorded PID.
func (o *Observer) vmAlive(vm *types.VM, procs []Process, haveTable bool) bool {
	if haveTable {
		sock := o.conf.VMSocketPath(vm.ID)
		for _, p := range procs {
			if strings.Contains(p.Cmdline, sock) {
				return true
			}
		}
		return false
	}
	return vm.PID > 0 && utils.IsProcessAlive(vm.PID)
}

// vmIDFromCmdline extracts the VM id from a hypervisor command line by
// locating its working directory under the storage root. Returns ""
// for processes that are not ours.
func (o *Observer) vmIDFromCmdline(cmdline string) string {
	prefix := o.conf.VMsDir() + string(filepath.Separator)
	i := strings.Index(cmdline, prefix)
	if i < 0 {
		return ""
	}
	rest := cmdline[i+len(prefix):]
	if j := strings.IndexAny(rest, "/ "); j > 0 {
		return rest[:j]
	}
	return ""
}
