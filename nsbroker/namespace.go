package nsbroker

// nsKind identifies one of the namespace types the broker knows how to
// join, create and pin. Values outside this set (user, cgroup, net,
// pid) are deliberately not supported — spec.md §1 calls out
// "arbitrary namespace types" as a non-goal, and main.c keeps those
// entries commented out of supported_namespaces rather than deleting
// them, which this type mirrors with the unused consts below.
type nsKind int

const (
	nsIPC nsKind = iota
	nsUTS
	nsMount

	// Declared for parity with main.c's commented-out table entries;
	// never added to supportedNamespaces.
	nsUser
	nsCgroup
	nsNet
	nsPID
)

// namespaceDescriptor is the Go analogue of struct namespace: a kind,
// its directory entry name under a persistent-namespaces directory,
// and an optional hook run once a child has finished joining/creating
// it.
type namespaceDescriptor struct {
	kind nsKind
	name string
	hook func(path string) error
}

// String returns the short name used both as the /proc/<pid>/ns/<name>
// entry and as the persistent file name under a namespaces directory.
func (d namespaceDescriptor) String() string { return d.name }
