package nsbroker

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"gotest.tools/v3/assert"
)

func TestFrameConnCommandRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	conn := newFrameConn(&buf, &buf)

	err := conn.sendCommand(cmdJoinNS, []byte("/var/run/ns/sbx1"))
	assert.NilError(t, err)

	cmd, payload, err := conn.recvCommand()
	assert.NilError(t, err)
	assert.Equal(t, cmd, cmdJoinNS)
	assert.Equal(t, string(payload), "/var/run/ns/sbx1")
}

func TestFrameConnCloseChannelsHasNoPayload(t *testing.T) {
	var buf bytes.Buffer
	conn := newFrameConn(&buf, &buf)

	assert.NilError(t, conn.sendCommand(cmdCloseChannels, nil))
	cmd, payload, err := conn.recvCommand()
	assert.NilError(t, err)
	assert.Equal(t, cmd, cmdCloseChannels)
	assert.Assert(t, payload == nil)
}

func TestFrameConnRecvCommandEOF(t *testing.T) {
	conn := newFrameConn(bytes.NewReader(nil), io.Discard)
	_, _, err := conn.recvCommand()
	assert.Equal(t, err, io.EOF)
}

func TestFrameConnResponseRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	conn := newFrameConn(&buf, &buf)

	assert.NilError(t, conn.sendResponse(respFailure))
	resp, err := conn.recvResponse()
	assert.NilError(t, err)
	assert.Assert(t, !resp.ok())
}

func TestFrameConnSizedPayloadRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	conn := newFrameConn(&buf, &buf)

	info := FSInfo{Device: "/dev/sda1", MountPoint: "/", Type: "ext4", Data: "rw,relatime"}
	assert.NilError(t, conn.sendSizedPayload(encodeFSInfo(info)))

	raw, err := conn.recvSizedPayload()
	assert.NilError(t, err)
	assert.DeepEqual(t, decodeFSInfo(raw), info)
}

func TestFrameConnRecvCommandTruncatedFrameIsNotEOF(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(byte(cmdNewNS)) // command byte present, size/payload missing
	conn := newFrameConn(&buf, io.Discard)

	_, _, err := conn.recvCommand()
	assert.Assert(t, err != nil)
	assert.Assert(t, !errors.Is(err, io.EOF), "a frame truncated after the command byte must not look like a clean close")
}

func TestCommandString(t *testing.T) {
	assert.Equal(t, cmdNewNS.String(), "new_ns")
	assert.Equal(t, cmdGetFSInfo.String(), "get_fs_info")
	assert.Equal(t, Command(99).String(), "command(99)")
}
