package netmon

import (
	"fmt"
	"io"
)

// maxIfaces is the interface table's fixed capacity, tied to the
// envelope of one sandbox's network namespace (spec.md §9): indices at
// or beyond it are logged and skipped rather than grown into.
const maxIfaces = 50

// IPAddr is one address attached to an interface.
type IPAddr struct {
	Family int // unix.AF_INET or unix.AF_INET6
	Addr   string
}

// Interface is the table's unit of storage: a kernel interface index,
// its hardware address, name and MTU, and the addresses currently
// assigned to it.
type Interface struct {
	Idx    int
	HWAddr string
	Name   string
	MTU    int
	Addrs  []IPAddr
}

// sameIdentity reports whether hwAddr, name and mtu all match the
// values already recorded — the duplicate-suppression check a NEWLINK
// event runs before touching the table (spec.md §4.4).
func (f Interface) sameIdentity(hwAddr, name string, mtu int) bool {
	return f.HWAddr == hwAddr && f.Name == name && f.MTU == mtu
}

// Table is the fixed-capacity, ifindex-addressed interface table of
// spec.md §4.5. It is not safe for concurrent use.
type Table struct {
	slots [maxIfaces]*Interface
}

func NewTable() *Table { return &Table{} }

func checkIdx(idx int) error {
	if idx < 0 || idx >= maxIfaces {
		return fmt.Errorf("netmon: interface index %d out of range [0,%d)", idx, maxIfaces)
	}
	return nil
}

// Get returns the live slot at idx, if any.
func (t *Table) Get(idx int) (*Interface, bool) {
	if idx < 0 || idx >= maxIfaces {
		return nil, false
	}
	iface := t.slots[idx]
	return iface, iface != nil
}

// Add installs a fresh slot, duplicating iface's address slice so the
// caller's copy and the table's no longer alias.
func (t *Table) Add(iface Interface) error {
	if err := checkIdx(iface.Idx); err != nil {
		return err
	}
	cp := iface
	cp.Addrs = append([]IPAddr(nil), iface.Addrs...)
	t.slots[iface.Idx] = &cp
	return nil
}

// Update replaces any non-zero-value field (name, hwAddr, mtu) of the
// slot at idx, leaving the others untouched.
func (t *Table) Update(idx int, name, hwAddr string, mtu int) (*Interface, error) {
	iface, ok := t.Get(idx)
	if !ok {
		return nil, fmt.Errorf("netmon: update: no interface at index %d", idx)
	}
	if name != "" {
		iface.Name = name
	}
	if hwAddr != "" {
		iface.HWAddr = hwAddr
	}
	if mtu != 0 {
		iface.MTU = mtu
	}
	return iface, nil
}

// Delete clears the slot at idx.
func (t *Table) Delete(idx int) error {
	if err := checkIdx(idx); err != nil {
		return err
	}
	t.slots[idx] = nil
	return nil
}

// InsertIP appends addr to the tail of idx's address list; empty
// addresses and negative indices are rejected, matching spec.md §4.5's
// insert_ip_addr invariant. A duplicate (idx, addr) pair is a silent
// no-op: the invariant is "unique per (idx, addr)", not "error on
// repeat".
func (t *Table) InsertIP(idx int, addr string, family int) error {
	if addr == "" {
		return fmt.Errorf("netmon: insert_ip: empty address")
	}
	iface, ok := t.Get(idx)
	if !ok {
		return fmt.Errorf("netmon: insert_ip: no interface at index %d", idx)
	}
	for _, a := range iface.Addrs {
		if a.Addr == addr {
			return nil
		}
	}
	iface.Addrs = append(iface.Addrs, IPAddr{Family: family, Addr: addr})
	return nil
}

// DeleteIP unlinks the first node whose address matches addr exactly.
func (t *Table) DeleteIP(idx int, addr string) error {
	iface, ok := t.Get(idx)
	if !ok {
		return fmt.Errorf("netmon: delete_ip: no interface at index %d", idx)
	}
	for i, a := range iface.Addrs {
		if a.Addr == addr {
			iface.Addrs = append(iface.Addrs[:i], iface.Addrs[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("netmon: delete_ip: address %q not found on index %d", addr, idx)
}

// Live returns every occupied slot, ordered by index.
func (t *Table) Live() []*Interface {
	var out []*Interface
	for _, iface := range t.slots {
		if iface != nil {
			out = append(out, iface)
		}
	}
	return out
}

// DebugDump prints the table the way the original monitor's
// print_iface_list does: one block per live interface, one line per
// address. Supplemented from original_source/netmon.c per
// SPEC_FULL.md §4.1 — not itself a modeled invariant, just the
// --debug flag's payload.
func (t *Table) DebugDump(w io.Writer) {
	for _, iface := range t.Live() {
		fmt.Fprintf(w, "if[%d]: name=%s hwaddr=%s mtu=%d\n", iface.Idx, iface.Name, iface.HWAddr, iface.MTU)
		for _, a := range iface.Addrs {
			fmt.Fprintf(w, "  addr: %s\n", a.Addr)
		}
	}
}
