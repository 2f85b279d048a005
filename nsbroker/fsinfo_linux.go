package nsbroker

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// getFSInfo implements spec.md §4.3: resolve the mount that path lives
// on and return its (device, mount_point, type, data).
func getFSInfo(path string) (FSInfo, error) {
	if !filepath.IsAbs(path) {
		return FSInfo{}, fmt.Errorf("nsbroker: get_fs_info: %q is not an absolute path", path)
	}
	mountPoint, err := resolveMountPoint(path)
	if err != nil {
		return FSInfo{}, err
	}
	return readMountEntry(mountPoint)
}

// resolveMountPoint walks up from path comparing st_dev at each level:
// the first ancestor whose device differs from its child's is the
// child, which is the containing mount point. Reaching "/" with no
// device change means "/" itself is the mount point.
func resolveMountPoint(path string) (string, error) {
	current := filepath.Clean(path)
	st, err := stat(current)
	if err != nil {
		return "", fmt.Errorf("nsbroker: get_fs_info: stat %q: %w", current, err)
	}
	dev := st.Dev

	for current != "/" {
		parent := filepath.Dir(current)
		pst, err := stat(parent)
		if err != nil {
			return "", fmt.Errorf("nsbroker: get_fs_info: stat %q: %w", parent, err)
		}
		if pst.Dev != dev {
			return current, nil
		}
		current = parent
		dev = pst.Dev
	}
	return "/", nil
}

func stat(path string) (unix.Stat_t, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return unix.Stat_t{}, err
	}
	return st, nil
}

// readMountEntry opens /proc/mounts and returns the first record whose
// mount-point field equals mountPoint. Lines with fewer than 4
// whitespace-separated fields are skipped; the 5th/6th fields (dump,
// pass) are ignored entirely.
func readMountEntry(mountPoint string) (FSInfo, error) {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return FSInfo{}, fmt.Errorf("nsbroker: get_fs_info: open /proc/mounts: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 {
			continue
		}
		device, mp, typ, data := fields[0], fields[1], fields[2], fields[3]
		if mp != mountPoint {
			continue
		}
		return FSInfo{
			Device:     truncate(device, wirePathMax),
			MountPoint: truncate(mp, wirePathMax),
			Type:       truncate(typ, wireNameMax),
			Data:       truncate(data, wirePathMax),
		}, nil
	}
	if err := sc.Err(); err != nil {
		return FSInfo{}, fmt.Errorf("nsbroker: get_fs_info: reading /proc/mounts: %w", err)
	}
	return FSInfo{}, fmt.Errorf("nsbroker: get_fs_info: no /proc/mounts entry for mount point %q", mountPoint)
}
