package nsbroker

import (
	"bytes"
	"context"
	"os/exec"
	"testing"

	"gotest.tools/v3/assert"
)

// childConn builds a childRecord backed by a single in-memory buffer,
// pre-loaded with one encoded command frame, so listenChild's first
// recvCommand reads it and its reply lands in the same buffer for the
// test to inspect afterward.
func childConn(t *testing.T, cmd Command, payload []byte) (*childRecord, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	conn := newFrameConn(&buf, &buf)
	assert.NilError(t, conn.sendCommand(cmd, payload))
	return &childRecord{pid: 4242, conn: conn}, &buf
}

func TestListenChildCloseChannels(t *testing.T) {
	rec, buf := childConn(t, cmdCloseChannels, nil)
	d := &dispatcher{}

	outcome, code := d.listenChild(context.Background(), *rec)
	assert.Equal(t, outcome, outcomeClosed)
	assert.Equal(t, code, 0)
	assert.Equal(t, buf.Len(), 0, "close_channels must not send a response")
}

func TestListenChildUnknownCommandRepliesFailureAndKeepsListening(t *testing.T) {
	rec, buf := childConn(t, Command(99), []byte{})
	assert.NilError(t, rec.conn.sendCommand(cmdCloseChannels, nil))
	d := &dispatcher{}

	outcome, code := d.listenChild(context.Background(), *rec)
	assert.Equal(t, outcome, outcomeClosed)
	assert.Equal(t, code, 0)

	resp, err := rec.conn.recvResponse()
	assert.NilError(t, err)
	assert.Assert(t, !resp.ok(), "unknown command should fail")
	assert.Equal(t, buf.Len(), 0, "close_channels must not send a response")
}

func TestListenChildGetFSInfoSendsResponseThenPayload(t *testing.T) {
	dir := t.TempDir()
	rec, buf := childConn(t, cmdGetFSInfo, []byte(dir))
	assert.NilError(t, rec.conn.sendCommand(cmdCloseChannels, nil))
	d := &dispatcher{}

	outcome, code := d.listenChild(context.Background(), *rec)
	assert.Equal(t, outcome, outcomeClosed)
	assert.Equal(t, code, 0)

	resp, err := rec.conn.recvResponse()
	assert.NilError(t, err)
	assert.Assert(t, resp.ok())

	payload, err := rec.conn.recvSizedPayload()
	assert.NilError(t, err)
	info := decodeFSInfo(payload)
	assert.Assert(t, info.MountPoint != "")

	assert.Equal(t, buf.Len(), 0, "close_channels must not send a response")
}

func TestListenChildReadErrorIsFatal(t *testing.T) {
	// A truncated frame (command byte with no size/payload behind it)
	// makes recvCommand fail with something other than io.EOF.
	var buf bytes.Buffer
	buf.WriteByte(byte(cmdNewNS))
	conn := newFrameConn(&buf, &buf)
	rec := childRecord{pid: 1, conn: conn}
	d := &dispatcher{}

	outcome, code := d.listenChild(context.Background(), rec)
	assert.Equal(t, outcome, outcomeFatal)
	assert.Equal(t, code, 1)
}

func TestDispatcherRunReapsSpawnedChild(t *testing.T) {
	cmd := exec.Command("true")
	assert.NilError(t, cmd.Start())

	var buf bytes.Buffer
	conn := newFrameConn(&buf, &buf)
	assert.NilError(t, conn.sendCommand(cmdCloseChannels, nil))

	d := &dispatcher{}
	assert.NilError(t, d.children.add(childRecord{pid: cmd.Process.Pid, conn: conn, cmd: cmd}))

	code := d.run(context.Background())
	assert.Equal(t, code, 0)
	assert.Assert(t, cmd.ProcessState != nil, "run must wait on a child it holds a cmd handle for")
}

func TestDispatcherRunStopsAtFatalOutcome(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(byte(cmdNewNS))
	conn := newFrameConn(&buf, &buf)
	d := &dispatcher{}
	assert.NilError(t, d.children.add(childRecord{pid: -1, conn: conn}))

	code := d.run(context.Background())
	assert.Equal(t, code, 1)
}
