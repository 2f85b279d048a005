package netmon

import "fmt"

// Route is a transient IPv4 route event: unlike Interface it is never
// stored in the table, only formatted into an outbound runtime
// invocation (spec.md §3 "Route ... Transient").
type Route struct {
	Src     string
	Dst     string
	DstPlen int
	Gateway string
	DevName string
}

// dstWithPrefix renders Dst/DstPlen as "dst/prefix", the form the
// add-net-route/del-net-route verbs expect (spec.md §4.4).
func (r Route) dstWithPrefix() string {
	return fmt.Sprintf("%s/%d", r.Dst, r.DstPlen)
}
