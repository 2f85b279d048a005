package netmon

import (
	"context"
	"fmt"
	"net"

	"github.com/containerd/log"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// scan populates the table with every interface already present when
// the monitor enters the namespace (spec.md §4.5 "Initial scan").
// Unlike the burst decode in monitor_linux.go, the one-shot startup
// enumeration has no correlation/dispatch work to do by hand, so it
// uses vishvananda/netlink's higher-level LinkList/AddrList directly.
func (m *Monitor) scan(ctx context.Context) error {
	links, err := netlink.LinkList()
	if err != nil {
		return fmt.Errorf("netmon: listing links: %w", err)
	}

	for _, link := range links {
		attrs := link.Attrs()
		idx := attrs.Index
		if idx < 0 || idx >= maxIfaces {
			log.G(ctx).Warnf("netmon: scan: interface index %d out of range, skipping", idx)
			continue
		}

		if err := m.table.Add(Interface{
			Idx:    idx,
			Name:   attrs.Name,
			HWAddr: attrs.HardwareAddr.String(),
			MTU:    attrs.MTU,
		}); err != nil {
			return err
		}

		addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
		if err != nil {
			return fmt.Errorf("netmon: listing addresses for %s: %w", attrs.Name, err)
		}
		for _, a := range addrs {
			if err := m.table.InsertIP(idx, a.IP.String(), familyOf(a.IP)); err != nil {
				log.G(ctx).WithError(err).Warnf("netmon: scan: inserting address for index %d", idx)
			}
		}
	}
	return nil
}

func familyOf(ip net.IP) int {
	if ip.To4() != nil {
		return unix.AF_INET
	}
	return unix.AF_INET6
}
