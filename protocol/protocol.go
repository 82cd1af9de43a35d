// Package protocol implements varlink message framing on a byte stream.
//
// There is no header: every message is a JSON text followed by one NUL byte.
//
//	┌─────────────────────────────────────┬────┐
//	│ {"method":"...","parameters":{...}} │ 00 │
//	└─────────────────────────────────────┴────┘
//
// JSON text never contains a raw NUL, so the terminator is unambiguous. A
// stream reader splits on it; a single delivered chunk is checked with Unframe.
package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// Terminator ends every message.
const Terminator byte = 0x00

// MaxMessageSize bounds what ReadMessage buffers before giving up on a peer.
const MaxMessageSize = 16 << 20

var (
	// ErrMissingTerminator means a chunk did not end in the NUL terminator.
	ErrMissingTerminator = errors.New("expecting terminating 0")
	// ErrMessageTooLarge means a peer sent more than MaxMessageSize without a terminator.
	ErrMessageTooLarge = errors.New("message exceeds maximum size")
)

// Frame returns body with the terminator appended. body is not modified.
func Frame(body []byte) []byte {
	out := make([]byte, len(body)+1)
	copy(out, body)
	out[len(body)] = Terminator
	return out
}

// Unframe checks that data is one terminated message and returns the body
// without the terminator. It does not look for embedded terminators.
func Unframe(data []byte) ([]byte, error) {
	if len(data) == 0 || data[len(data)-1] != Terminator {
		return nil, ErrMissingTerminator
	}
	return data[:len(data)-1], nil
}

// WriteMessage writes body and its terminator in a single Write so that a
// reader delivering one chunk per read sees the whole message at once.
func WriteMessage(w io.Writer, body []byte) error {
	if bytes.IndexByte(body, Terminator) >= 0 {
		return fmt.Errorf("message body contains terminator byte")
	}
	_, err := w.Write(Frame(body))
	return err
}

// ReadMessage reads up to and including the next terminator and returns the
// body without it. io.EOF is returned only when the stream ends cleanly
// between messages; a stream ending mid-message gives io.ErrUnexpectedEOF.
func ReadMessage(r *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		chunk, err := r.ReadSlice(Terminator)
		buf = append(buf, chunk...)
		if len(buf) > MaxMessageSize {
			return nil, ErrMessageTooLarge
		}
		switch {
		case err == nil:
			return buf[:len(buf)-1], nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(buf) > 0:
			return nil, io.ErrUnexpectedEOF
		default:
			return nil, err
		}
	}
}
