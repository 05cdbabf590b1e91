package operator

import "errors"

// Resource errors: caller-visible, non-retryable without changing input.
var (
	ErrBinaryNotFound     = errors.New("hypervisor binary not found")
	ErrDiskNotFound       = errors.New("disk image not found")
	ErrDiskCreationFailed = errors.New("disk creation failed")
)

// Protocol errors, retryable by the caller. Control-protocol failures
// wrap qmp.ErrProtocol instead.
var (
	ErrLaunchFailed   = errors.New("hypervisor launch failed")
	ErrStartupTimeout = errors.New("timed out waiting for control socket")
)

// State errors: a precondition does not hold.
var (
	ErrAlreadyRunning  = errors.New("VM already running")
	ErrVMNotRunning    = errors.New("VM not running")
	ErrAlreadyAttached = errors.New("disk already attached")
	ErrNotAttached     = errors.New("disk not attached")
)
