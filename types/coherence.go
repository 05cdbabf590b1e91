package types

import "time"

// IssueKind classifies a divergence between recorded and observed state.
type IssueKind string

const (
	// IssueStateMismatch: a VM recorded as running has no live process.
	IssueStateMismatch IssueKind = "state_mismatch"
	// IssueOrphanProcess: a live hypervisor process has no running VM record.
	IssueOrphanProcess IssueKind = "orphan_process"
	// IssueMissingDisk: a disk recorded as attached has no backing file.
	IssueMissingDisk IssueKind = "missing_disk"
	// IssueDiskStateInconsistency: disk state and owner reference disagree.
	IssueDiskStateInconsistency IssueKind = "disk_state_inconsistency"
	// IssueDanglingReference: a disk references a VM id absent from the store.
	IssueDanglingReference IssueKind = "dangling_reference"
	// IssueOrphanFile: a backing file under the storage root has no disk record.
	IssueOrphanFile IssueKind = "orphan_file"
	// IssueCheckFailed: a check could not run, so its subject is
	// unverified this cycle. Not a divergence, an inability to verify.
	IssueCheckFailed IssueKind = "check_failed"
)

// CoherenceIssue is one observed divergence. Issues are ephemeral: each
// observer cycle's list wholly replaces the previous cycle's.
type CoherenceIssue struct {
	Kind       IssueKind `json:"kind"`
	SubjectID  string    `json:"subject_id"`
	Detail     string    `json:"detail"`
	DetectedAt time.Time `json:"detected_at"`
}
