package network

import "errors"

var (
	// ErrPoolExhausted: every host address in the subnet is allocated.
	ErrPoolExhausted = errors.New("address pool exhausted")

	ErrBridgeCreateFailed = errors.New("failed to create bridge device")
	ErrTapCreateFailed    = errors.New("failed to create tap device")
	ErrNATSetupFailed     = errors.New("failed to set up NAT rules")
)
