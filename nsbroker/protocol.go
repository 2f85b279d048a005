package nsbroker

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Command is the single byte a worker sends to the dispatcher to ask
// for an operation. Values match the original broker protocol.
type Command byte

const (
	cmdNewNS         Command = 1
	cmdRemoveNS      Command = 2
	cmdJoinNS        Command = 3
	cmdPersistentNS  Command = 4
	cmdGetFSInfo     Command = 5
	cmdCloseChannels Command = 6
)

func (c Command) String() string {
	switch c {
	case cmdNewNS:
		return "new_ns"
	case cmdRemoveNS:
		return "remove_ns"
	case cmdJoinNS:
		return "join_ns"
	case cmdPersistentNS:
		return "persistent_ns"
	case cmdGetFSInfo:
		return "get_fs_info"
	case cmdCloseChannels:
		return "close_channels"
	default:
		return fmt.Sprintf("command(%d)", byte(c))
	}
}

// Response is the single byte the dispatcher sends back for every
// command except a takeover (see dispatch_linux.go).
type Response byte

const (
	respSuccess Response = 0
	respFailure Response = 1
)

func (r Response) ok() bool { return r == respSuccess }

// maxPayload bounds the size field of a command frame. It mirrors the
// PATH_MAX the original protocol used to bound its path payloads.
const maxPayload = 4096

// frameConn wraps the raw pipe ends shared between a worker and its
// dispatcher with the command/response framing from the wire format:
//
//	command frame:  u8 command [i32 size, size bytes payload]
//	response frame: u8 response
//
// All integers are host byte order, matching the original protocol
// (both ends of a pipe always run on the same machine).
type frameConn struct {
	r io.Reader
	w io.Writer
}

func newFrameConn(r io.Reader, w io.Writer) *frameConn {
	return &frameConn{r: r, w: w}
}

// sendCommand writes a command frame. payload may be nil for commands
// that carry no data.
func (c *frameConn) sendCommand(cmd Command, payload []byte) error {
	if err := writeByte(c.w, byte(cmd)); err != nil {
		return fmt.Errorf("nsbroker: writing command %s: %w", cmd, err)
	}
	if payload == nil {
		return nil
	}
	if len(payload) > maxPayload {
		return fmt.Errorf("nsbroker: payload of %d bytes exceeds the %d byte limit", len(payload), maxPayload)
	}
	size := int32(len(payload))
	if err := binary.Write(c.w, binary.NativeEndian, size); err != nil {
		return fmt.Errorf("nsbroker: writing payload size for %s: %w", cmd, err)
	}
	if _, err := c.w.Write(payload); err != nil {
		return fmt.Errorf("nsbroker: writing payload for %s: %w", cmd, err)
	}
	return nil
}

// recvCommand reads one command frame. io.EOF is returned verbatim
// when the peer closed its write end cleanly (the dispatch loop's
// normal shutdown signal); any other error is wrapped.
func (c *frameConn) recvCommand() (Command, []byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(c.r, b[:]); err != nil {
		if err == io.EOF {
			return 0, nil, io.EOF
		}
		return 0, nil, fmt.Errorf("nsbroker: reading command: %w", err)
	}
	cmd := Command(b[0])
	if !cmd.hasPayload() {
		return cmd, nil, nil
	}
	var size int32
	if err := binary.Read(c.r, binary.NativeEndian, &size); err != nil {
		return 0, nil, fmt.Errorf("nsbroker: reading payload size for %s: %w", cmd, unexpectedEOF(err))
	}
	if size < 0 || size > maxPayload {
		return 0, nil, fmt.Errorf("nsbroker: payload size %d for %s out of bounds", size, cmd)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		return 0, nil, fmt.Errorf("nsbroker: reading payload for %s: %w", cmd, unexpectedEOF(err))
	}
	return cmd, payload, nil
}

// unexpectedEOF turns a plain io.EOF into io.ErrUnexpectedEOF so that
// an EOF partway through a frame — after the command byte has already
// been consumed — is never mistaken by a caller checking
// errors.Is(err, io.EOF) for the clean, between-frames shutdown signal
// recvCommand itself returns when the very first byte read hits EOF.
func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// hasPayload reports whether this command carries a size+payload
// after its command byte. Only close_channels carries none.
func (c Command) hasPayload() bool {
	return c != cmdCloseChannels
}

func (c *frameConn) sendResponse(r Response) error {
	if err := writeByte(c.w, byte(r)); err != nil {
		return fmt.Errorf("nsbroker: writing response: %w", err)
	}
	return nil
}

func (c *frameConn) recvResponse() (Response, error) {
	var b [1]byte
	if _, err := io.ReadFull(c.r, b[:]); err != nil {
		return 0, fmt.Errorf("nsbroker: reading response: %w", err)
	}
	return Response(b[0]), nil
}

// sendSizedPayload and recvSizedPayload carry the extra fs_info
// payload that follows a successful get_fs_info response: the same
// `i32 size` + bytes framing used for command payloads, reused here
// since struct fs_info's four fields serialize to a variable number
// of bytes once their bounded C buffers become plain Go strings.
func (c *frameConn) sendSizedPayload(b []byte) error {
	if err := binary.Write(c.w, binary.NativeEndian, int32(len(b))); err != nil {
		return fmt.Errorf("nsbroker: writing payload size: %w", err)
	}
	if _, err := c.w.Write(b); err != nil {
		return fmt.Errorf("nsbroker: writing payload: %w", err)
	}
	return nil
}

func (c *frameConn) recvSizedPayload() ([]byte, error) {
	var size int32
	if err := binary.Read(c.r, binary.NativeEndian, &size); err != nil {
		return nil, fmt.Errorf("nsbroker: reading payload size: %w", err)
	}
	if size < 0 || size > maxPayload {
		return nil, fmt.Errorf("nsbroker: payload size %d out of bounds", size)
	}
	b := make([]byte, size)
	if _, err := io.ReadFull(c.r, b); err != nil {
		return nil, fmt.Errorf("nsbroker: reading payload: %w", err)
	}
	return b, nil
}

func writeByte(w io.Writer, b byte) error {
	buf := [1]byte{b}
	_, err := w.Write(buf[:])
	return err
}
