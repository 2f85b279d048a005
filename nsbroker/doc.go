// Package nsbroker manages the Linux namespaces (IPC, UTS, mount) of a
// sandbox on behalf of a worker process that cannot perform certain
// operations on itself.
//
// Bind-mounting /proc/<pid>/ns/<kind> to a persistent path, and
// unmounting it again, must both happen from outside the namespace
// being pinned. Since a worker that has already joined or created
// those namespaces cannot step outside them to do this to itself, a
// privileged dispatcher process — spawned once, up front, by Init —
// performs those two steps on the worker's behalf over a pair of
// pipes.
//
// The package is not safe for concurrent use: there is at most one
// dispatcher and one live worker per Broker, and every call blocks on
// pipe I/O until the dispatcher replies.
package nsbroker
