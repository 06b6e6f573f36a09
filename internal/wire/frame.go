// Package wire implements the CSR binary framing and field codec: a
// u64 length prefix followed by a position-by-position stream of
// untagged typed fields, matching the client libraries this daemon
// serves (out of scope for this repository, but the byte layout is
// fixed by them).
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame's payload to guard against a
// malformed or hostile length prefix forcing an unbounded allocation.
const MaxFrameSize = 64 << 20 // 64 MiB

// ErrFrameTooLarge is returned when a decoded length prefix exceeds
// MaxFrameSize.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

// ReadFrame reads one length-prefixed frame from r. A short read
// before EOF, or a length prefix over MaxFrameSize, is a framing
// error and the caller must close the connection.
func ReadFrame(r io.Reader) ([]byte, error) {
	var length uint64
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, fmt.Errorf("wire: reading frame length: %w", err)
	}
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("wire: reading frame payload: %w", err)
	}
	return payload, nil
}

// WriteFrame writes payload to w as one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	var length [8]byte
	binary.LittleEndian.PutUint64(length[:], uint64(len(payload)))
	if _, err := w.Write(length[:]); err != nil {
		return fmt.Errorf("wire: writing frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: writing frame payload: %w", err)
	}
	return nil
}
