// Package netmon watches a network namespace's routing-control channel
// for interface, address and route changes and turns each event into a
// command invocation on an external runtime binary.
//
// A Monitor enters the target namespace once at startup, takes an
// initial snapshot of its interfaces, then blocks on a routing-control
// socket decoding message bursts against an in-memory interface table.
// It is not safe for concurrent use.
package netmon
