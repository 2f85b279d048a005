package netmon

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/containerd/log"
)

// Invoker runs the external runtime binary on behalf of a Monitor. It
// is out of scope to specify further than the command line emitted
// (spec.md §1 "out of scope... invocation of the external runtime
// binary"); this interface is the seam a caller can swap a fake in
// through for tests, and RuntimeInvoker is the implementation that runs
// the real binary.
type Invoker interface {
	Invoke(ctx context.Context, args ...string) error
}

// RuntimeInvoker shells out to an external runtime binary, treating
// a zero exit status as success. This is the resolution of the
// fork_runtime_call inverted-exit-code bug noted in
// original_source/netmon.c (spec.md §9 Open Question): the original
// treats a non-zero WEXITSTATUS as success by checking the wrong
// branch; this implementation uses the conventional meaning.
type RuntimeInvoker struct {
	Path string
}

func (r RuntimeInvoker) Invoke(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, r.Path, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("netmon: %s %v: %w (output: %s)", r.Path, args, err, out)
	}
	return nil
}

func addNetIfArgs(iface *Interface) []string {
	return []string{"add-net-if",
		"--name", iface.Name,
		"--hw-addr", iface.HWAddr,
		"--mtu", strconv.Itoa(iface.MTU),
	}
}

func updNetIfArgs(iface *Interface) []string {
	return []string{"upd-net-if",
		"--name", iface.Name,
		"--hw-addr", iface.HWAddr,
		"--mtu", strconv.Itoa(iface.MTU),
	}
}

func delNetIfArgs(iface *Interface) []string {
	return []string{"del-net-if", "--name", iface.Name}
}

func addNetRouteArgs(r Route) []string {
	return []string{"add-net-route",
		"--src", r.Src,
		"--dst", r.dstWithPrefix(),
		"--gw", r.Gateway,
		"--dev", r.DevName,
	}
}

func delNetRouteArgs(r Route) []string {
	return []string{"del-net-route",
		"--src", r.Src,
		"--dst", r.dstWithPrefix(),
		"--gw", r.Gateway,
		"--dev", r.DevName,
	}
}

func (m *Monitor) invoke(ctx context.Context, args []string) {
	if err := m.invoker.Invoke(ctx, args...); err != nil {
		log.G(ctx).WithError(err).WithField("args", args).Warn("netmon: runtime invocation failed")
	}
}
