package nsbroker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/containerd/log"
	"golang.org/x/sys/unix"
)

// dispatchOutcome is the Go analogue of the HandlerOutcome enum
// spec.md §9 recommends in place of longjmp-style control flow: a
// tagged result the dispatch loop switches on, rather than an actual
// non-local jump.
type dispatchOutcome int

const (
	outcomeClosed dispatchOutcome = iota
	outcomeTakeover
	outcomeFatal
)

// dispatcher is the process-wide state of the broker's dispatcher: a
// growing table of children and the information needed to spawn a
// replacement worker (the real application binary's path and args,
// captured from the very first Init call).
type dispatcher struct {
	children   childTable
	workerPath string
	workerArgs []string
}

// run drains each child record in turn, exactly as spec.md §4.1
// describes init's parent path: "loops over child records invoking
// listen_child on each". A record that reports outcomeTakeover has
// already had a replacement appended to the table by the time run
// advances to it; run keeps going until every record is drained. Per
// spec.md §4.1 Termination, the parent waits for its children and
// exits with the worst child exit code — a record that ended in a
// takeover is not waited on (the worker it replaces is left running,
// not reaped), and the inherited first record has a nil rec.cmd (not
// this process's child to begin with), so those contribute
// listenChild's own outcome code instead.
func (d *dispatcher) run(ctx context.Context) int {
	worst := 0
	for i := 0; i < d.children.count(); i++ {
		rec, _ := d.children.at(i)
		outcome, code := d.listenChild(ctx, rec)
		if outcome == outcomeFatal {
			d.killAll()
			return 1
		}
		if rec.cmd != nil && outcome != outcomeTakeover {
			var exitErr *exec.ExitError
			if err := rec.cmd.Wait(); err != nil && !errors.As(err, &exitErr) {
				log.L.WithError(err).Warnf("nsbroker: dispatcher: reaping child %d", rec.pid)
			} else if rec.cmd.ProcessState != nil && rec.cmd.ProcessState.ExitCode() > code {
				code = rec.cmd.ProcessState.ExitCode()
			}
		}
		if code > worst {
			worst = code
		}
	}
	return worst
}

// killAll implements spec.md §7's Fatal termination: SIGKILL every
// child, then reap each one the dispatcher itself spawned so none are
// left as zombies under it.
func (d *dispatcher) killAll() {
	for i := 0; i < d.children.count(); i++ {
		rec, _ := d.children.at(i)
		if rec.pid > 0 {
			_ = unix.Kill(rec.pid, unix.SIGKILL)
		}
		if rec.cmd != nil {
			_ = rec.cmd.Wait()
		}
	}
}

// listenChild is the per-child dispatch loop (listen_child): blocking
// read of one command per iteration, until EOF (clean shutdown),
// close_channels, or a new_ns/join_ns takeover, any of which ends this
// child's turn.
func (d *dispatcher) listenChild(ctx context.Context, rec childRecord) (dispatchOutcome, int) {
	for {
		cmd, payload, err := rec.conn.recvCommand()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return outcomeClosed, 0
			}
			log.L.WithError(err).Errorf("nsbroker: dispatcher: reading command from child %d", rec.pid)
			return outcomeFatal, 1
		}

		switch cmd {
		case cmdNewNS, cmdJoinNS:
			if err := d.spawnReplacement(ctx, cmd, string(payload)); err != nil {
				log.L.WithError(err).Errorf("nsbroker: dispatcher: spawning replacement for %s", cmd)
				_ = rec.conn.sendResponse(respFailure)
				continue
			}
			// Per spec.md §4.1: the original child gets no further
			// attention; its reply is short-circuited, not sent.
			return outcomeTakeover, 0

		case cmdRemoveNS:
			err := unpinNamespaces(string(payload))
			d.reply(rec, err)

		case cmdPersistentNS:
			err := pinNamespaces(rec.pid, string(payload))
			d.reply(rec, err)

		case cmdGetFSInfo:
			info, err := getFSInfo(string(payload))
			if err != nil {
				d.reply(rec, err)
				continue
			}
			if err := rec.conn.sendResponse(respSuccess); err != nil {
				return outcomeFatal, 1
			}
			if err := rec.conn.sendSizedPayload(encodeFSInfo(info)); err != nil {
				return outcomeFatal, 1
			}

		case cmdCloseChannels:
			// spec.md §8: close_channels "expects none" — no response
			// is sent back, matching main.c's close_channels()/
			// parent_listen_child.
			return outcomeClosed, 0

		default:
			_ = rec.conn.sendResponse(respFailure)
		}
	}
}

func (d *dispatcher) reply(rec childRecord, err error) {
	if err != nil {
		log.L.WithError(err).Warn("nsbroker: dispatcher: handler error")
		_ = rec.conn.sendResponse(respFailure)
		return
	}
	_ = rec.conn.sendResponse(respSuccess)
}

// spawnReplacement launches a fresh instance of the worker binary —
// the Go translation of "the parent forks a second child inside its
// handler" (SPEC_FULL.md §3.1). The new process attaches to this same
// dispatcher via NSBROKER_ATTACH instead of spawning its own.
func (d *dispatcher) spawnReplacement(ctx context.Context, cmd Command, path string) error {
	cmdR, cmdW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("nsbroker: creating replacement command pipe: %w", err)
	}
	respR, respW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("nsbroker: creating replacement response pipe: %w", err)
	}

	op := "new"
	if cmd == cmdJoinNS {
		op = "join"
	}

	// The new process plays the worker role: it sends commands on
	// cmdW (fd 3) and reads responses on respR (fd 4), the same
	// convention Init uses for the very first worker.
	c := exec.CommandContext(ctx, d.workerPath, d.workerArgs...)
	c.Stdin = os.Stdin
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	c.ExtraFiles = []*os.File{cmdW, respR}
	c.Env = append(os.Environ(), fmt.Sprintf("%s=%s:%s", envAttach, op, path))

	if err := c.Start(); err != nil {
		cmdR.Close()
		cmdW.Close()
		respR.Close()
		respW.Close()
		return fmt.Errorf("nsbroker: starting replacement worker: %w", err)
	}
	cmdW.Close()
	respR.Close()

	conn := newFrameConn(cmdR, respW)
	return d.children.add(childRecord{pid: c.Process.Pid, conn: conn, cmd: c})
}
