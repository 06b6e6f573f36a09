package wire

import (
	"encoding/binary"
	"fmt"
)

// Encoder appends typed, untagged fields to an in-memory buffer in
// the order the decoder on the other end expects them.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an Encoder with a pre-sized internal buffer.
func NewEncoder() *Encoder {
	return &Encoder{buf: make([]byte, 0, 256)}
}

// Bytes returns the encoded payload, ready to pass to WriteFrame.
func (e *Encoder) Bytes() []byte { return e.buf }

// Int32 appends a little-endian 32-bit signed integer.
func (e *Encoder) Int32(v int32) *Encoder {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	e.buf = append(e.buf, b[:]...)
	return e
}

// Int64 appends a little-endian 64-bit signed integer.
func (e *Encoder) Int64(v int64) *Encoder {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	e.buf = append(e.buf, b[:]...)
	return e
}

// Bool appends a one-byte boolean.
func (e *Encoder) Bool(v bool) *Encoder {
	if v {
		e.buf = append(e.buf, 1)
	} else {
		e.buf = append(e.buf, 0)
	}
	return e
}

// Size appends a length value using the same width as Int64 (the
// wire's "size" atom).
func (e *Encoder) Size(v int) *Encoder { return e.Int64(int64(v)) }

// PutBytes appends a length-prefixed byte vector.
func (e *Encoder) PutBytes(v []byte) *Encoder {
	e.Size(len(v))
	e.buf = append(e.buf, v...)
	return e
}

// String appends a length-prefixed UTF-8 string.
func (e *Encoder) String(v string) *Encoder {
	return e.PutBytes([]byte(v))
}

// StringSlice appends a length-prefixed homogeneous sequence of
// strings.
func (e *Encoder) StringSlice(v []string) *Encoder {
	e.Size(len(v))
	for _, s := range v {
		e.String(s)
	}
	return e
}

// Decoder reads fields out of a received payload in the same order
// Encoder wrote them.
type Decoder struct {
	buf []byte
	pos int
}

// NewDecoder wraps a received frame payload for sequential reads.
func NewDecoder(payload []byte) *Decoder {
	return &Decoder{buf: payload}
}

// ErrShortPayload is returned when a decode operation needs more
// bytes than remain in the buffer; callers should translate this to
// a protocol error and close the connection.
type ErrShortPayload struct {
	Need, Have int
}

func (e *ErrShortPayload) Error() string {
	return fmt.Sprintf("wire: short payload: need %d bytes, have %d", e.Need, e.Have)
}

func (d *Decoder) take(n int) ([]byte, error) {
	if d.pos+n > len(d.buf) {
		return nil, &ErrShortPayload{Need: n, Have: len(d.buf) - d.pos}
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

// Int32 reads a little-endian 32-bit signed integer.
func (d *Decoder) Int32() (int32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

// Int64 reads a little-endian 64-bit signed integer.
func (d *Decoder) Int64() (int64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

// Bool reads a one-byte boolean.
func (d *Decoder) Bool() (bool, error) {
	b, err := d.take(1)
	if err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

// Size reads a length value (same width as Int64).
func (d *Decoder) Size() (int, error) {
	v, err := d.Int64()
	if err != nil {
		return 0, err
	}
	if v < 0 || v > MaxFrameSize {
		return 0, fmt.Errorf("wire: implausible size field %d", v)
	}
	return int(v), nil
}

// Bytes reads a length-prefixed byte vector.
func (d *Decoder) Bytes() ([]byte, error) {
	n, err := d.Size()
	if err != nil {
		return nil, err
	}
	b, err := d.take(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

// String reads a length-prefixed UTF-8 string.
func (d *Decoder) String() (string, error) {
	b, err := d.Bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// StringSlice reads a length-prefixed homogeneous sequence of
// strings.
func (d *Decoder) StringSlice() ([]string, error) {
	n, err := d.Size()
	if err != nil {
		return nil, err
	}
	out := make([]string, n)
	for i := range out {
		s, err := d.String()
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

// Remaining reports whether unread bytes remain in the payload.
func (d *Decoder) Remaining() int { return len(d.buf) - d.pos }
