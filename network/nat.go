package network

import (
	"fmt"
	"os"

	"github.com/coreos/go-iptables/iptables"
)

const ipForwardPath = "/proc/sys/net/ipv4/ip_forward"

// enableNAT turns on IPv4 forwarding and masquerades traffic leaving the
// VM subnet, so bridged guests can reach beyond the host. Rules are
// added with AppendUnique — re-running is harmless.
func enableNAT(subnet, bridgeName string) error {
	if err := enableIPForwarding(); err != nil {
		return err
	}

	ipt, err := iptables.New()
	if err != nil {
		return fmt.Errorf("%w: init iptables: %v", ErrNATSetupFailed, err)
	}

	if err := ipt.AppendUnique("nat", "POSTROUTING", "-s", subnet, "-j", "MASQUERADE"); err != nil {
		return fmt.Errorf("%w: masquerade %s: %v", ErrNATSetupFailed, subnet, err)
	}
	if err := ipt.AppendUnique("filter", "FORWARD", "-i", bridgeName, "-j", "ACCEPT"); err != nil {
		return fmt.Errorf("%w: forward in %s: %v", ErrNATSetupFailed, bridgeName, err)
	}
	if err := ipt.AppendUnique("filter", "FORWARD", "-o", bridgeName, "-j", "ACCEPT"); err != nil {
		return fmt.Errorf("%w: forward out %s: %v", ErrNATSetupFailed, bridgeName, err)
	}
	return nil
}

func enableIPForwarding() error {
	data, err := os.ReadFile(ipForwardPath)
	if err != nil {
		return fmt.Errorf("read ip_forward: %w", err)
	}
	if len(data) > 0 && data[0] == '1' {
		return nil
	}
	if err := os.WriteFile(ipForwardPath, []byte("1"), 0o644); err != nil {
		return fmt.Errorf("enable ip_forward: %w", err)
	}
	return nil
}
