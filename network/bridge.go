package network

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// ensureBridgeLink creates the bridge if absent, assigns it the gateway
// address, and brings it up. Idempotent and safe to race: existence is
// re-checked and the address add uses replace semantics.
func ensureBridgeLink(name string, gateway net.IP, subnet *net.IPNet) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		la := netlink.NewLinkAttrs()
		la.Name = name
		bridge := &netlink.Bridge{LinkAttrs: la}
		if err := netlink.LinkAdd(bridge); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrBridgeCreateFailed, name, err)
		}
		link = bridge
	}

	ones, _ := subnet.Mask.Size()
	addr, err := netlink.ParseAddr(fmt.Sprintf("%s/%d", gateway, ones))
	if err != nil {
		return fmt.Errorf("parse gateway address %s: %w", gateway, err)
	}
	if err := netlink.AddrReplace(link, addr); err != nil {
		return fmt.Errorf("assign %s to bridge %s: %w", addr, name, err)
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("bring up bridge %s: %w", name, err)
	}
	return nil
}

// createTap creates a tap device, attaches it to the bridge, and brings
// it up. Partial failures tear the tap back down.
func createTap(name, bridgeName string) error {
	la := netlink.NewLinkAttrs()
	la.Name = name
	tap := &netlink.Tuntap{LinkAttrs: la, Mode: netlink.TUNTAP_MODE_TAP}

	if _, err := netlink.LinkByName(name); err == nil {
		// Leftover from a previous run of the same VM — reuse it.
		return attachTap(tap, bridgeName)
	}

	if err := netlink.LinkAdd(tap); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrTapCreateFailed, name, err)
	}
	if err := attachTap(tap, bridgeName); err != nil {
		_ = netlink.LinkDel(tap)
		return err
	}
	return nil
}

func attachTap(tap netlink.Link, bridgeName string) error {
	bridge, err := netlink.LinkByName(bridgeName)
	if err != nil {
		return fmt.Errorf("bridge %s not found: %w", bridgeName, err)
	}
	if err := netlink.LinkSetMaster(tap, bridge); err != nil {
		return fmt.Errorf("attach %s to bridge %s: %w", tap.Attrs().Name, bridgeName, err)
	}
	if err := netlink.LinkSetUp(tap); err != nil {
		return fmt.Errorf("bring up tap %s: %w", tap.Attrs().Name, err)
	}
	return nil
}

// deleteTap removes a tap device. A missing device is a no-op.
func deleteTap(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("delete tap %s: %w", name, err)
	}
	return nil
}
