package nsbroker

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestChildTableEnforcesCapacity(t *testing.T) {
	var table childTable

	assert.NilError(t, table.add(childRecord{pid: 100}))
	assert.NilError(t, table.add(childRecord{pid: 101}))
	assert.Equal(t, table.count(), 2)

	err := table.add(childRecord{pid: 102})
	assert.ErrorContains(t, err, "max number of children")
	assert.Equal(t, table.count(), 2)
}

func TestChildTableAt(t *testing.T) {
	var table childTable
	assert.NilError(t, table.add(childRecord{pid: 7}))

	rec, ok := table.at(0)
	assert.Assert(t, ok)
	assert.Equal(t, rec.pid, 7)

	_, ok = table.at(1)
	assert.Assert(t, !ok)
	_, ok = table.at(-1)
	assert.Assert(t, !ok)
}
