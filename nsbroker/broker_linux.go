package nsbroker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/containerd/log"
	"github.com/moby/sys/reexec"
)

const (
	// envAttach carries "op:path" (op ∈ {new, join}) into a
	// replacement worker process, telling its Init call to attach to
	// the already-running dispatcher instead of spawning a new one.
	envAttach = "NSBROKER_ATTACH"
	// envAppPath/envAppArgs carry the worker binary's own argv into
	// the dispatcher process, so it can relaunch it as a replacement
	// worker when new_ns/join_ns is handled.
	envAppPath   = "NSBROKER_APP_PATH"
	envAppArgs   = "NSBROKER_APP_ARGS"
	envWorkerPID = "NSBROKER_WORKER_PID"

	dispatcherCommandName = "nsbroker-dispatcher"

	argSep = "\x1f"
)

func init() {
	reexec.Register(dispatcherCommandName, dispatcherMain)
}

// Broker is a handle to the namespace dispatcher process: the Go
// translation of the worker side of the fork/pipe protocol in
// spec.md §4.1. A Broker is not safe for concurrent use (spec.md §5).
type Broker struct {
	conn        *frameConn
	childNSPath string
	closed      bool
	// dispatcherCmd is set only when this Broker itself spawned the
	// dispatcher (via spawnDispatcher): Close reaps it so it never
	// outlives this process as a zombie. A Broker attached to an
	// already-running dispatcher (attachToDispatcher) didn't spawn
	// anything and leaves this nil.
	dispatcherCmd *exec.Cmd
}

// Init performs the Go equivalent of the broker's init(): on first
// call in a process tree it spawns a dispatcher and returns a handle
// to it; when called in a replacement worker spawned by the
// dispatcher (see SPEC_FULL.md §3.1), it attaches to that dispatcher
// instead and finishes the namespace operation that triggered the
// spawn before returning.
func Init(ctx context.Context) (*Broker, error) {
	if attach := os.Getenv(envAttach); attach != "" {
		return attachToDispatcher(ctx, attach)
	}
	return spawnDispatcher(ctx)
}

func spawnDispatcher(ctx context.Context) (*Broker, error) {
	cmdR, cmdW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("nsbroker: creating command pipe: %w", err)
	}
	respR, respW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("nsbroker: creating response pipe: %w", err)
	}

	c := reexec.Command(dispatcherCommandName)
	c.Stdin = os.Stdin
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	c.ExtraFiles = []*os.File{cmdR, respW}
	c.Env = append(os.Environ(),
		envAppPath+"="+os.Args[0],
		envAppArgs+"="+strings.Join(os.Args[1:], argSep),
		envWorkerPID+"="+strconv.Itoa(os.Getpid()),
	)

	if err := c.Start(); err != nil {
		cmdR.Close()
		cmdW.Close()
		respR.Close()
		respW.Close()
		return nil, fmt.Errorf("nsbroker: starting dispatcher: %w", err)
	}
	cmdR.Close()
	respW.Close()

	return &Broker{conn: newFrameConn(respR, cmdW), dispatcherCmd: c}, nil
}

// attachToDispatcher is the replacement worker's half of a
// new_ns/join_ns takeover: it performs the namespace operation the
// original worker asked for, using the inherited fds, and records the
// resulting path so a subsequent call to NewNamespaces/JoinNamespaces
// for the same path short-circuits instead of asking the dispatcher
// again.
func attachToDispatcher(ctx context.Context, attach string) (*Broker, error) {
	op, path, ok := strings.Cut(attach, ":")
	if !ok {
		return nil, fmt.Errorf("nsbroker: malformed %s value %q", envAttach, attach)
	}

	cmdW := os.NewFile(3, "nsbroker-worker-cmd")
	respR := os.NewFile(4, "nsbroker-worker-resp")
	conn := newFrameConn(respR, cmdW)
	b := &Broker{conn: conn}

	switch op {
	case "new":
		if err := newPersistentNamespaces(conn, path); err != nil {
			return nil, err
		}
	case "join":
		if _, err := joinExisting(path); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("nsbroker: unknown %s operation %q", envAttach, op)
	}
	b.childNSPath = path
	return b, nil
}

// dispatcherMain is the reexec entry point for the dispatcher process
// (registered above). It never returns to its caller in the Go
// sense: like the C init()'s parent branch, it calls os.Exit once the
// dispatch loop is done.
func dispatcherMain() {
	cmdFile := os.NewFile(3, "nsbroker-dispatcher-cmd")
	respFile := os.NewFile(4, "nsbroker-dispatcher-resp")

	d := &dispatcher{
		workerPath: os.Getenv(envAppPath),
		workerArgs: splitArgs(os.Getenv(envAppArgs)),
	}
	pid, _ := strconv.Atoi(os.Getenv(envWorkerPID))
	if err := d.children.add(childRecord{pid: pid, conn: newFrameConn(cmdFile, respFile)}); err != nil {
		log.L.WithError(err).Error("nsbroker: dispatcher: registering initial child")
		os.Exit(1)
	}

	os.Exit(d.run(context.Background()))
}

func splitArgs(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, argSep)
}

// NewNamespaces creates or adopts persistent namespaces at path. If
// path already matches the namespaces this worker most recently
// created or joined, it returns alreadyActive=true without contacting
// the dispatcher again.
func (b *Broker) NewNamespaces(ctx context.Context, path string) (alreadyActive bool, err error) {
	if b.closed {
		return false, ErrClosed
	}
	if path == b.childNSPath {
		return true, nil
	}
	if err := b.conn.sendCommand(cmdNewNS, []byte(path)); err != nil {
		return false, err
	}
	// The dispatcher short-circuits its reply for new_ns: a
	// replacement worker takes over and this call never actually
	// completes in this process. Callers that reach this point learn
	// about the outcome only by a replacement process running the
	// same entry point with NSBROKER_ATTACH set (SPEC_FULL.md §3.1).
	resp, err := b.conn.recvResponse()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrDispatcherGone, err)
	}
	if !resp.ok() {
		return false, fmt.Errorf("nsbroker: new_ns for %q failed", path)
	}
	b.childNSPath = path
	return false, nil
}

// JoinNamespaces moves the caller into the persistent namespaces at
// path.
func (b *Broker) JoinNamespaces(ctx context.Context, path string) (alreadyJoined bool, err error) {
	if b.closed {
		return false, ErrClosed
	}
	if path == b.childNSPath {
		return true, nil
	}
	if err := b.conn.sendCommand(cmdJoinNS, []byte(path)); err != nil {
		return false, err
	}
	resp, err := b.conn.recvResponse()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrDispatcherGone, err)
	}
	if !resp.ok() {
		return false, fmt.Errorf("nsbroker: join_ns for %q failed", path)
	}
	b.childNSPath = path
	return false, nil
}

// RemoveNamespaces unpins and deletes the persistent namespace files
// under path.
func (b *Broker) RemoveNamespaces(ctx context.Context, path string) error {
	if b.closed {
		return ErrClosed
	}
	if err := b.conn.sendCommand(cmdRemoveNS, []byte(path)); err != nil {
		return err
	}
	resp, err := b.conn.recvResponse()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDispatcherGone, err)
	}
	if !resp.ok() {
		return fmt.Errorf("nsbroker: remove_ns for %q failed", path)
	}
	if b.childNSPath == path {
		b.childNSPath = ""
	}
	return nil
}

// GetFSInfo resolves the mount that path lives on.
func (b *Broker) GetFSInfo(ctx context.Context, path string) (FSInfo, error) {
	if b.closed {
		return FSInfo{}, ErrClosed
	}
	if !isAbs(path) {
		return FSInfo{}, ErrNotAbsolute
	}
	if err := b.conn.sendCommand(cmdGetFSInfo, []byte(path)); err != nil {
		return FSInfo{}, err
	}
	resp, err := b.conn.recvResponse()
	if err != nil {
		return FSInfo{}, fmt.Errorf("%w: %v", ErrDispatcherGone, err)
	}
	if !resp.ok() {
		return FSInfo{}, fmt.Errorf("nsbroker: get_fs_info for %q failed", path)
	}
	raw, err := b.conn.recvSizedPayload()
	if err != nil {
		return FSInfo{}, err
	}
	return decodeFSInfo(raw), nil
}

// Close terminates the broker protocol for this worker; subsequent
// calls return ErrClosed. Per spec.md §8, close_channels expects no
// response. If this Broker spawned the dispatcher itself, Close also
// waits for it to exit so it is reaped rather than left a zombie.
func (b *Broker) Close(ctx context.Context) error {
	if b.closed {
		return nil
	}
	err := b.conn.sendCommand(cmdCloseChannels, nil)
	b.closed = true
	if b.dispatcherCmd != nil {
		if waitErr := b.dispatcherCmd.Wait(); waitErr != nil && err == nil {
			err = fmt.Errorf("nsbroker: waiting for dispatcher: %w", waitErr)
		}
	}
	return err
}

func isAbs(p string) bool { return filepath.IsAbs(p) }
