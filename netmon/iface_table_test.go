package netmon

import (
	"bytes"
	"testing"

	"golang.org/x/sys/unix"
	"gotest.tools/v3/assert"
)

func TestTableAddGetDelete(t *testing.T) {
	table := NewTable()

	err := table.Add(Interface{Idx: 7, Name: "eth0", HWAddr: "aa:bb:cc:dd:ee:ff", MTU: 1500})
	assert.NilError(t, err)

	iface, ok := table.Get(7)
	assert.Assert(t, ok)
	assert.Equal(t, iface.Name, "eth0")

	assert.NilError(t, table.Delete(7))
	_, ok = table.Get(7)
	assert.Assert(t, !ok)
}

func TestTableAddRejectsOutOfRangeIndex(t *testing.T) {
	table := NewTable()
	err := table.Add(Interface{Idx: maxIfaces})
	assert.ErrorContains(t, err, "out of range")

	err = table.Add(Interface{Idx: -1})
	assert.ErrorContains(t, err, "out of range")
}

func TestTableUpdateOnlyReplacesNonZeroFields(t *testing.T) {
	table := NewTable()
	assert.NilError(t, table.Add(Interface{Idx: 7, Name: "eth0", HWAddr: "aa:bb:cc:dd:ee:ff", MTU: 1500}))

	updated, err := table.Update(7, "", "", 9000)
	assert.NilError(t, err)
	assert.Equal(t, updated.Name, "eth0")
	assert.Equal(t, updated.HWAddr, "aa:bb:cc:dd:ee:ff")
	assert.Equal(t, updated.MTU, 9000)
}

func TestTableInsertDeleteIPAddress(t *testing.T) {
	table := NewTable()
	assert.NilError(t, table.Add(Interface{Idx: 7, Name: "eth0"}))

	assert.NilError(t, table.InsertIP(7, "10.0.0.2", unix.AF_INET))
	iface, _ := table.Get(7)
	assert.Equal(t, len(iface.Addrs), 1)
	assert.Equal(t, iface.Addrs[0].Addr, "10.0.0.2")

	// Inserting the same address again is a silent no-op, not a dup.
	assert.NilError(t, table.InsertIP(7, "10.0.0.2", unix.AF_INET))
	iface, _ = table.Get(7)
	assert.Equal(t, len(iface.Addrs), 1)

	assert.NilError(t, table.DeleteIP(7, "10.0.0.2"))
	iface, _ = table.Get(7)
	assert.Equal(t, len(iface.Addrs), 0)

	err := table.DeleteIP(7, "10.0.0.2")
	assert.ErrorContains(t, err, "not found")
}

func TestTableInsertIPRejectsEmptyAddrAndBadIndex(t *testing.T) {
	table := NewTable()
	assert.NilError(t, table.Add(Interface{Idx: 7}))

	assert.ErrorContains(t, table.InsertIP(7, "", unix.AF_INET), "empty address")
	assert.ErrorContains(t, table.InsertIP(-1, "10.0.0.2", unix.AF_INET), "no interface")
}

func TestTableDebugDump(t *testing.T) {
	table := NewTable()
	assert.NilError(t, table.Add(Interface{Idx: 7, Name: "eth0", HWAddr: "aa:bb:cc:dd:ee:ff", MTU: 1500}))
	assert.NilError(t, table.InsertIP(7, "10.0.0.2", unix.AF_INET))

	var buf bytes.Buffer
	table.DebugDump(&buf)
	assert.Assert(t, bytes.Contains(buf.Bytes(), []byte("eth0")))
	assert.Assert(t, bytes.Contains(buf.Bytes(), []byte("10.0.0.2")))
}
