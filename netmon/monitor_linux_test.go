package netmon

import (
	"context"
	"encoding/binary"
	"net"
	"testing"

	"golang.org/x/sys/unix"
	"gotest.tools/v3/assert"
)

func attr(typ uint16, value []byte) []byte {
	length := uint16(4 + len(value))
	out := make([]byte, 4)
	binary.NativeEndian.PutUint16(out[0:2], length)
	binary.NativeEndian.PutUint16(out[2:4], typ)
	out = append(out, value...)
	for len(out)%4 != 0 {
		out = append(out, 0)
	}
	return out
}

func TestParseAttrsRoundTrip(t *testing.T) {
	var data []byte
	data = append(data, attr(unix.IFLA_IFNAME, []byte("eth0\x00"))...)
	data = append(data, attr(unix.IFLA_MTU, le32(1500))...)

	attrs := parseAttrs(data)
	assert.Equal(t, len(attrs), 2)
	assert.Equal(t, attrs[0].Type, uint16(unix.IFLA_IFNAME))
	assert.Equal(t, trimNUL(attrs[0].Value), "eth0")
	assert.Equal(t, binary.NativeEndian.Uint32(attrs[1].Value), uint32(1500))
}

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.NativeEndian.PutUint32(b, v)
	return b
}

func ifinfomsgBytes(idx int, flags uint32, name, hwAddr string, mtu uint32) []byte {
	hdr := make([]byte, sizeofIfInfomsg)
	binary.NativeEndian.PutUint32(hdr[4:8], uint32(idx))
	binary.NativeEndian.PutUint32(hdr[8:12], flags)

	var attrs []byte
	attrs = append(attrs, attr(unix.IFLA_IFNAME, append([]byte(name), 0))...)
	attrs = append(attrs, attr(unix.IFLA_ADDRESS, macBytes(hwAddr))...)
	attrs = append(attrs, attr(unix.IFLA_MTU, le32(mtu))...)
	return append(hdr, attrs...)
}

func macBytes(s string) []byte {
	mac, err := net.ParseMAC(s)
	if err != nil {
		return make([]byte, 6)
	}
	return mac
}

func TestMonitorHandleNewLinkAddsAndEmits(t *testing.T) {
	fi := &fakeInvoker{}
	m := NewMonitor(fi, false)

	data := ifinfomsgBytes(7, unix.IFF_UP|unix.IFF_RUNNING, "eth0", "aa:bb:cc:dd:ee:ff", 1500)
	m.handleNewLink(context.Background(), data)

	iface, ok := m.table.Get(7)
	assert.Assert(t, ok)
	assert.Equal(t, iface.Name, "eth0")
	assert.Equal(t, iface.MTU, 1500)
	assert.Equal(t, len(fi.calls), 1)
	assert.DeepEqual(t, fi.calls[0], []string{
		"add-net-if", "--name", "eth0", "--hw-addr", "aa:bb:cc:dd:ee:ff", "--mtu", "1500",
	})
}

func TestMonitorHandleNewLinkDuplicateSuppressed(t *testing.T) {
	fi := &fakeInvoker{}
	m := NewMonitor(fi, false)

	data := ifinfomsgBytes(7, unix.IFF_UP, "eth0", "aa:bb:cc:dd:ee:ff", 1500)
	m.handleNewLink(context.Background(), data)
	assert.Equal(t, len(fi.calls), 1)

	m.handleNewLink(context.Background(), data)
	assert.Equal(t, len(fi.calls), 1, "replaying an identical NEWLINK must not re-emit")
}

func TestMonitorHandleDelLink(t *testing.T) {
	fi := &fakeInvoker{}
	m := NewMonitor(fi, false)
	assert.NilError(t, m.table.Add(Interface{Idx: 7, Name: "eth0"}))

	data := make([]byte, sizeofIfInfomsg)
	binary.NativeEndian.PutUint32(data[4:8], 7)
	m.handleDelLink(context.Background(), data)

	_, ok := m.table.Get(7)
	assert.Assert(t, !ok)
	assert.DeepEqual(t, fi.calls[0], []string{"del-net-if", "--name", "eth0"})
}

func TestMonitorHandleAddrInsertsAndEmits(t *testing.T) {
	fi := &fakeInvoker{}
	m := NewMonitor(fi, false)
	assert.NilError(t, m.table.Add(Interface{Idx: 7, Name: "eth0"}))

	hdr := make([]byte, sizeofIfAddrmsg)
	hdr[0] = unix.AF_INET
	binary.NativeEndian.PutUint32(hdr[4:8], 7)
	data := append(hdr, attr(unix.IFA_LOCAL, []byte{10, 0, 0, 2})...)

	m.handleAddr(context.Background(), data, true)

	iface, _ := m.table.Get(7)
	assert.Equal(t, len(iface.Addrs), 1)
	assert.Equal(t, iface.Addrs[0].Addr, "10.0.0.2")
	assert.DeepEqual(t, fi.calls[0], []string{
		"upd-net-if", "--name", "eth0", "--hw-addr", "", "--mtu", "0",
	})
}
