package pgrepl

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Backend and frontend message type bytes used by this library.
const (
	msgAuthentication   = byte('R')
	msgBackendKeyData   = byte('K')
	msgCopyBothResponse = byte('W')
	msgCopyData         = byte('d')
	msgErrorResponse    = byte('E')
	msgNoticeResponse   = byte('N')
	msgParameterStatus  = byte('S')
	msgPassword         = byte('p')
	msgQuery            = byte('Q')
	msgReadyForQuery    = byte('Z')

	// Replication sub-protocol bytes carried inside CopyData envelopes.
	msgKeepalive     = byte('k')
	msgWALData       = byte('w')
	msgStandbyStatus = byte('r')
)

// maxFrameLength bounds a single message; anything larger indicates a
// corrupted stream rather than a legitimate frame.
const maxFrameLength = 1 << 30

// framer reads and writes PostgreSQL v3 protocol frames on a byte stream:
// one type byte followed by a big-endian length that includes itself. While
// the connection is in COPY BOTH mode the replication sub-protocol travels
// inside CopyData ('d') envelopes; readMessage unwraps them and writeMessage
// wraps outgoing messages the same way.
type framer struct {
	rw io.ReadWriter
}

// readMessage reads one complete frame. With copyData set, a non-empty
// CopyData payload is unwrapped: its first byte becomes the returned type
// and the remainder the returned payload. Non-CopyData frames (a trailing
// CopyDone, an ErrorResponse) and empty CopyData frames come back verbatim.
func (f *framer) readMessage(copyData bool) (byte, []byte, error) {
	var header [5]byte
	if _, err := io.ReadFull(f.rw, header[:]); err != nil {
		return 0, nil, readError(err, "message header")
	}

	msgType := header[0]
	length := int(binary.BigEndian.Uint32(header[1:]))
	if length < 4 || length > maxFrameLength {
		return 0, nil, &ProtocolViolationError{Reason: fmt.Sprintf("invalid message length %d", length)}
	}

	payload := make([]byte, length-4)
	if _, err := io.ReadFull(f.rw, payload); err != nil {
		return 0, nil, readError(err, "message payload")
	}

	if !copyData || msgType != msgCopyData || len(payload) == 0 {
		return msgType, payload, nil
	}
	return payload[0], payload[1:], nil
}

// writeMessage sends one frame. With copyData set the message is wrapped in
// a CopyData envelope: the inner type byte is carried inside the payload and
// counted by the length.
func (f *framer) writeMessage(msgType byte, payload []byte, copyData bool) error {
	length := len(payload) + 4
	if copyData {
		length++
	}

	buf := make([]byte, 0, length+1)
	if copyData {
		buf = append(buf, msgCopyData)
	} else {
		buf = append(buf, msgType)
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(length))
	if copyData {
		buf = append(buf, msgType)
	}
	buf = append(buf, payload...)

	if _, err := f.rw.Write(buf); err != nil {
		return fmt.Errorf("write message %q: %w", msgType, err)
	}
	return nil
}

// readError maps end-of-stream conditions to UnexpectedEOFError and leaves
// transport errors (including deadline timeouts) untouched so callers can
// classify them.
func readError(err error, context string) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &UnexpectedEOFError{Context: context}
	}
	return err
}
