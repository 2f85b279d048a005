package nsbroker

import (
	"fmt"
	"os/exec"
)

// maxChildren is the fixed capacity of the dispatcher's children
// table: at most the original worker plus one in-flight replacement
// spawned mid-handler by new_ns/join_ns ever exist at once (spec.md
// §3, §9).
const maxChildren = 2

// childRecord is the dispatcher's view of one worker: its pid, the
// frameConn wrapping the dispatcher's ends of the two pipes that
// connect to it, and — only when the dispatcher itself spawned this
// worker (a replacement worker from spawnReplacement) — the *exec.Cmd
// needed to reap it. The very first record, registered from the
// original caller's pid before the dispatcher ever forked anything,
// has no such handle: that process is the dispatcher's own parent,
// not its child, so it is not this process's to wait() on.
type childRecord struct {
	pid  int
	conn *frameConn
	cmd  *exec.Cmd
}

// childTable is the dispatcher-side analogue of the fixed-size
// `children` array plus `children_number` in main.c. It only grows;
// records are never removed, only iterated by wait/listen loops.
type childTable struct {
	records []childRecord
}

func (t *childTable) count() int { return len(t.records) }

// add appends a new child record, enforcing the fixed capacity the
// same way spawn_save_child's early BUG check does.
func (t *childTable) add(rec childRecord) error {
	if len(t.records) >= maxChildren {
		return fmt.Errorf("nsbroker: BUG: max number of children reached: %d", len(t.records))
	}
	t.records = append(t.records, rec)
	return nil
}

// at returns the i'th record and whether it exists.
func (t *childTable) at(i int) (childRecord, bool) {
	if i < 0 || i >= len(t.records) {
		return childRecord{}, false
	}
	return t.records[i], true
}
