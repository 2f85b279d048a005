package netmon

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"runtime"
	"strings"
	"syscall"

	"github.com/containerd/log"
	"github.com/vishvananda/netlink/nl"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

// recvBufSize is the per-recvmsg buffer size (spec.md §4.4).
const recvBufSize = 8 * 1024

// Monitor watches one network namespace's routing-control channel and
// invokes an external runtime binary for every interface/address/route
// change (spec.md §4.4/§4.5). It is not safe for concurrent use.
type Monitor struct {
	table   *Table
	invoker Invoker
	debug   bool
	sock    *nl.NetlinkSocket
}

// NewMonitor builds a Monitor that reports events to invoker.
func NewMonitor(invoker Invoker, debug bool) *Monitor {
	return &Monitor{table: NewTable(), invoker: invoker, debug: debug}
}

// Run enters the namespace at netnsPath, takes an initial interface
// scan, opens the routing-control socket and blocks decoding event
// bursts until ctx is canceled or the socket reports an ERROR message
// (spec.md §4.4 "ERROR: abort the loop").
func (m *Monitor) Run(ctx context.Context, netnsPath string) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	restore, err := enterNetns(netnsPath)
	if err != nil {
		return err
	}
	defer restore()

	if err := m.scan(ctx); err != nil {
		return fmt.Errorf("netmon: initial scan: %w", err)
	}
	if m.debug {
		m.table.DebugDump(log.G(ctx).WriterLevel(log.DebugLevel))
	}

	sock, err := nl.Subscribe(unix.NETLINK_ROUTE,
		uint(unix.RTNLGRP_LINK),
		uint(unix.RTNLGRP_IPV4_IFADDR),
		uint(unix.RTNLGRP_IPV4_ROUTE),
	)
	if err != nil {
		return fmt.Errorf("netmon: opening routing-control socket: %w", err)
	}
	m.sock = sock
	defer sock.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, _, err := sock.Receive()
		if err != nil {
			if isTransient(err) {
				continue
			}
			return fmt.Errorf("netmon: receive: %w", err)
		}
		if abort := m.handleBurst(ctx, msgs); abort {
			return nil
		}
	}
}

func isTransient(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

// enterNetns opens the namespace at path and setns(2)s into it,
// returning a function that restores the caller's original namespace.
func enterNetns(path string) (restore func(), err error) {
	origin, err := netns.Get()
	if err != nil {
		return nil, fmt.Errorf("netmon: capturing current netns: %w", err)
	}
	target, err := netns.GetFromPath(path)
	if err != nil {
		origin.Close()
		return nil, fmt.Errorf("netmon: opening target netns %q: %w", path, err)
	}
	defer target.Close()

	if err := netns.Set(target); err != nil {
		origin.Close()
		return nil, fmt.Errorf("netmon: entering netns %q: %w", path, err)
	}
	return func() {
		if err := netns.Set(origin); err != nil {
			log.L.WithError(err).Warn("netmon: restoring original netns")
		}
		origin.Close()
	}, nil
}

// handleBurst walks one datagram's sequence of typed messages in
// order (spec.md §4.4); it returns true if the caller should stop the
// receive loop (an ERROR message was seen).
func (m *Monitor) handleBurst(ctx context.Context, msgs []syscall.NetlinkMessage) bool {
	for _, msg := range msgs {
		switch msg.Header.Type {
		case unix.NLMSG_DONE:
			return false
		case unix.NLMSG_ERROR:
			log.G(ctx).Error("netmon: routing socket reported NLMSG_ERROR, aborting")
			return true
		case unix.RTM_NEWLINK:
			m.handleNewLink(ctx, msg.Data)
		case unix.RTM_DELLINK:
			m.handleDelLink(ctx, msg.Data)
		case unix.RTM_NEWADDR:
			m.handleAddr(ctx, msg.Data, true)
		case unix.RTM_DELADDR:
			m.handleAddr(ctx, msg.Data, false)
		case unix.RTM_NEWROUTE:
			m.handleRoute(ctx, msg.Data, true)
		case unix.RTM_DELROUTE:
			m.handleRoute(ctx, msg.Data, false)
		default:
			// ignored
		}
		switch msg.Header.Type {
		case unix.RTM_NEWLINK, unix.RTM_DELLINK, unix.RTM_NEWADDR, unix.RTM_DELADDR:
			if m.debug {
				w := log.G(ctx).WriterLevel(log.DebugLevel)
				m.table.DebugDump(w)
				w.Close()
			}
		}
	}
	return false
}

// --- link messages ---

const sizeofIfInfomsg = 16 // family(1) pad(1) type(2) index(4) flags(4) change(4)

func (m *Monitor) handleNewLink(ctx context.Context, data []byte) {
	if len(data) < sizeofIfInfomsg {
		return
	}
	idx := int(int32(binary.NativeEndian.Uint32(data[4:8])))
	flags := binary.NativeEndian.Uint32(data[8:12])
	up := flags&unix.IFF_UP != 0
	running := flags&unix.IFF_RUNNING != 0

	var name, hwAddr string
	mtu := 0
	for _, a := range parseAttrs(data[sizeofIfInfomsg:]) {
		switch a.Type {
		case unix.IFLA_IFNAME:
			name = trimNUL(a.Value)
		case unix.IFLA_ADDRESS:
			hwAddr = net.HardwareAddr(a.Value).String()
		case unix.IFLA_MTU:
			if len(a.Value) >= 4 {
				mtu = int(binary.NativeEndian.Uint32(a.Value))
			}
		}
	}
	log.G(ctx).Debugf("netmon: link %d flags changed: up=%v running=%v", idx, up, running)

	if idx < 0 || idx >= maxIfaces {
		log.G(ctx).Warnf("netmon: NEWLINK index %d out of range, ignoring", idx)
		return
	}

	if existing, ok := m.table.Get(idx); ok && existing.sameIdentity(hwAddr, name, mtu) {
		return // duplicate-suppression, spec.md §4.4
	}

	var iface *Interface
	if _, ok := m.table.Get(idx); ok {
		updated, err := m.table.Update(idx, name, hwAddr, mtu)
		if err != nil {
			log.G(ctx).WithError(err).Warn("netmon: updating interface")
			return
		}
		iface = updated
	} else {
		if err := m.table.Add(Interface{Idx: idx, Name: name, HWAddr: hwAddr, MTU: mtu}); err != nil {
			log.G(ctx).WithError(err).Warn("netmon: adding interface")
			return
		}
		iface, _ = m.table.Get(idx)
	}
	m.invoke(ctx, addNetIfArgs(iface))
}

func (m *Monitor) handleDelLink(ctx context.Context, data []byte) {
	if len(data) < sizeofIfInfomsg {
		return
	}
	idx := int(int32(binary.NativeEndian.Uint32(data[4:8])))
	iface, ok := m.table.Get(idx)
	if !ok {
		return
	}
	args := delNetIfArgs(iface)
	if err := m.table.Delete(idx); err != nil {
		log.G(ctx).WithError(err).Warn("netmon: deleting interface")
		return
	}
	m.invoke(ctx, args)
}

// --- address messages ---

const sizeofIfAddrmsg = 8 // family(1) prefixlen(1) flags(1) scope(1) index(4)

func (m *Monitor) handleAddr(ctx context.Context, data []byte, add bool) {
	if len(data) < sizeofIfAddrmsg {
		return
	}
	family := data[0]
	idx := int(int32(binary.NativeEndian.Uint32(data[4:8])))
	if family != unix.AF_INET {
		return // IPv6 address handling is out of scope, spec.md §1
	}

	var addr string
	for _, a := range parseAttrs(data[sizeofIfAddrmsg:]) {
		switch a.Type {
		case unix.IFA_LOCAL, unix.IFA_ADDRESS:
			if addr == "" && len(a.Value) == 4 {
				addr = net.IP(a.Value).String()
			}
		}
	}
	if addr == "" {
		return
	}

	if add {
		if err := m.table.InsertIP(idx, addr, int(family)); err != nil {
			log.G(ctx).WithError(err).Warn("netmon: inserting address")
			return
		}
	} else {
		if err := m.table.DeleteIP(idx, addr); err != nil {
			log.G(ctx).WithError(err).Warn("netmon: deleting address")
			return
		}
	}

	iface, ok := m.table.Get(idx)
	if !ok {
		return
	}
	m.invoke(ctx, updNetIfArgs(iface))
}

// --- route messages ---

const sizeofRtMsg = 12 // family,dst_len,src_len,tos,table,protocol,scope,type(1 each) flags(4)

func (m *Monitor) handleRoute(ctx context.Context, data []byte, add bool) {
	if len(data) < sizeofRtMsg {
		return
	}
	family := data[0]
	dstPlen := int(data[1])
	if family != unix.AF_INET {
		return // IPv6 route parsing is out of scope, spec.md §1/§5
	}

	var src, dst, gw string
	var oif int
	for _, a := range parseAttrs(data[sizeofRtMsg:]) {
		switch a.Type {
		case unix.RTA_SRC:
			src = ipString(a.Value)
		case unix.RTA_DST:
			dst = ipString(a.Value)
		case unix.RTA_GATEWAY:
			gw = ipString(a.Value)
		case unix.RTA_OIF:
			if len(a.Value) >= 4 {
				oif = int(binary.NativeEndian.Uint32(a.Value))
			}
		}
	}
	if dst == "" {
		return
	}

	route := Route{Src: src, Dst: dst, DstPlen: dstPlen, Gateway: gw, DevName: ifaceName(m.table, oif)}
	if add {
		m.invoke(ctx, addNetRouteArgs(route))
	} else {
		m.invoke(ctx, delNetRouteArgs(route))
	}
}

func ifaceName(t *Table, idx int) string {
	if iface, ok := t.Get(idx); ok {
		return iface.Name
	}
	if link, err := net.InterfaceByIndex(idx); err == nil {
		return link.Name
	}
	return ""
}

func ipString(b []byte) string {
	if len(b) != 4 {
		return ""
	}
	return net.IP(b).String()
}

func trimNUL(b []byte) string {
	return strings.TrimRight(string(b), "\x00")
}

// rtAttr is one netlink attribute (type, value) pair.
type rtAttr struct {
	Type  uint16
	Value []byte
}

// parseAttrs walks a run of netlink attributes (rtattr records:
// u16 len, u16 type, len-4 bytes of value, padded to 4-byte alignment)
// following a fixed-size message header. Hand-rolled rather than via
// syscall.ParseNetlinkRouteAttr so the same code path handles link,
// address and route attributes uniformly without relying on that
// stdlib helper's per-message-type header-skip special-casing.
func parseAttrs(b []byte) []rtAttr {
	var attrs []rtAttr
	for len(b) >= 4 {
		length := int(binary.NativeEndian.Uint16(b[0:2]))
		if length < 4 || length > len(b) {
			break
		}
		typ := binary.NativeEndian.Uint16(b[2:4])
		attrs = append(attrs, rtAttr{Type: typ, Value: b[4:length]})

		aligned := (length + 3) &^ 3
		if aligned > len(b) {
			break
		}
		b = b[aligned:]
	}
	return attrs
}
