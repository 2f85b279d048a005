package nsbroker

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/containerd/log"
	mobymount "github.com/moby/sys/mount"
	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
)

// supportedNamespaces is the fixed, ordered set of namespace kinds the
// broker knows how to join, create and pin — exactly {ipc, uts, mnt},
// matching main.c's supported_namespaces[] (its user/cgroup/net/pid
// entries stay commented out, mirrored here by the unused nsKind
// consts in namespace.go).
var supportedNamespaces = []namespaceDescriptor{
	{kind: nsIPC, name: "ipc"},
	{kind: nsUTS, name: "uts"},
	{kind: nsMount, name: "mnt", hook: remountRootSlaveRecursive},
}

func cloneFlag(kind nsKind) int {
	switch kind {
	case nsIPC:
		return unix.CLONE_NEWIPC
	case nsUTS:
		return unix.CLONE_NEWUTS
	case nsMount:
		return unix.CLONE_NEWNS
	default:
		return 0
	}
}

// remountRootSlaveRecursive is the mount namespace's post-join hook:
// once inside a fresh mount namespace, "/" is remounted slave and
// recursive so that further pin bind-mounts under it never propagate
// back out to the host.
func remountRootSlaveRecursive(string) error {
	if err := unix.Mount("", "/", "", unix.MS_SLAVE|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("nsbroker: remount / slave+recursive: %w", err)
	}
	return nil
}

// joinExisting implements child_join_namespaces: for each supported
// kind whose persisted file exists under path, open it and setns into
// it. Missing targets are skipped, not errors — this is a best-effort
// join over the recognized set. Returns the bitmask of kinds joined.
func joinExisting(path string) (joinedMask int, err error) {
	for _, d := range supportedNamespaces {
		target := filepath.Join(path, d.name)
		if _, statErr := os.Stat(target); statErr != nil {
			if os.IsNotExist(statErr) {
				continue
			}
			return joinedMask, fmt.Errorf("nsbroker: stat %q: %w", target, statErr)
		}
		fd, openErr := unix.Open(target, unix.O_RDONLY, 0)
		if openErr != nil {
			return joinedMask, fmt.Errorf("nsbroker: open %q: %w", target, openErr)
		}
		setnsErr := unix.Setns(fd, cloneFlag(d.kind))
		unix.Close(fd)
		if setnsErr != nil {
			return joinedMask, fmt.Errorf("nsbroker: setns(%s) on %q: %w", d, target, setnsErr)
		}
		joinedMask |= 1 << uint(d.kind)
	}
	return joinedMask, nil
}

func allSupportedMask() int {
	mask := 0
	for _, d := range supportedNamespaces {
		mask |= 1 << uint(d.kind)
	}
	return mask
}

func unshareMaskFlags(mask int) int {
	flags := 0
	for _, d := range supportedNamespaces {
		if mask&(1<<uint(d.kind)) != 0 {
			flags |= cloneFlag(d.kind)
		}
	}
	return flags
}

// newPersistentNamespaces implements child_new_namespaces. It runs in
// the process that is about to own the fresh namespaces (the
// replacement worker in the reexec model); conn is its connection to
// the dispatcher, used for the mandatory persistent_ns round trip.
func newPersistentNamespaces(conn *frameConn, path string) error {
	if err := mobymount.Mount(path, path, "none", "bind"); err != nil {
		return fmt.Errorf("nsbroker: bind-mount %q onto itself: %w", path, err)
	}
	if err := unix.Mount("", path, "", unix.MS_SLAVE|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("nsbroker: remount %q slave+recursive: %w", path, err)
	}

	joinedMask, err := joinExisting(path)
	if err != nil {
		return err
	}

	if unshareFlags := unshareMaskFlags(allSupportedMask() &^ joinedMask); unshareFlags != 0 {
		if err := unix.Unshare(unshareFlags); err != nil {
			return fmt.Errorf("nsbroker: unshare: %w", err)
		}
	}

	if err := conn.sendCommand(cmdPersistentNS, []byte(path)); err != nil {
		return err
	}
	resp, err := conn.recvResponse()
	if err != nil {
		return err
	}
	if !resp.ok() {
		return fmt.Errorf("nsbroker: persistent_ns for %q failed", path)
	}

	for _, d := range supportedNamespaces {
		if d.hook == nil {
			continue
		}
		if err := d.hook(path); err != nil {
			return err
		}
	}
	return nil
}

// pinNamespaces implements the dispatcher-side persistent_ns handler:
// bind-mount /proc/<pid>/ns/<kind> onto <path>/<kind> for every
// supported kind whose target does not already exist.
func pinNamespaces(pid int, path string) error {
	for _, d := range supportedNamespaces {
		target := filepath.Join(path, d.name)
		if _, err := os.Stat(target); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("nsbroker: stat %q: %w", target, err)
		}

		f, err := os.OpenFile(target, os.O_CREATE|os.O_RDONLY, 0o644)
		if err != nil {
			return fmt.Errorf("nsbroker: create pin file %q: %w", target, err)
		}
		f.Close()

		source := fmt.Sprintf("/proc/%d/ns/%s", pid, d.name)
		if err := mobymount.Mount(source, target, "none", "bind"); err != nil {
			return fmt.Errorf("nsbroker: bind-mount %q -> %q: %w", source, target, err)
		}

		mounted, err := mountinfo.Mounted(target)
		if err != nil {
			return fmt.Errorf("nsbroker: verifying pin mount %q: %w", target, err)
		}
		if !mounted {
			return fmt.Errorf("nsbroker: pin mount %q did not take effect", target)
		}
	}
	return nil
}

// unpinNamespaces implements the parent-side remove_namespaces: every
// per-file umount/unlink failure is logged and skipped; failing to
// unmount the enclosing directory is fatal to the whole request.
func unpinNamespaces(path string) error {
	st, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("nsbroker: stat %q: %w", path, err)
	}
	if !st.IsDir() {
		return fmt.Errorf("nsbroker: %q is not a directory", path)
	}

	for _, d := range supportedNamespaces {
		target := filepath.Join(path, d.name)
		info, err := os.Lstat(target)
		if err != nil {
			if !os.IsNotExist(err) {
				log.L.WithError(err).Warnf("nsbroker: lstat %q", target)
			}
			continue
		}
		if info.Mode()&fs.ModeType != 0 {
			continue
		}
		if err := unix.Unmount(target, 0); err != nil {
			log.L.WithError(err).Warnf("nsbroker: unmount %q", target)
			continue
		}
		if err := os.Remove(target); err != nil {
			log.L.WithError(err).Warnf("nsbroker: remove %q", target)
		}
	}

	if err := unix.Unmount(path, 0); err != nil {
		return fmt.Errorf("nsbroker: unmount %q: %w", path, err)
	}
	return nil
}
