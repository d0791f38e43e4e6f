package wire

import (
	"encoding/binary"
	"fmt"
)

// Encoder builds a canonical binary encoding: little-endian fixed-width
// integers, 32-bit length prefixes for variable data. The same byte layout
// is produced for the same message every time, which the content-addressed
// parts of the protocol depend on.
type Encoder struct {
	buf []byte
}

// NewEncoder creates an encoder with a small preallocated buffer.
func NewEncoder() *Encoder {
	return &Encoder{buf: make([]byte, 0, 256)}
}

// Bytes returns the encoded buffer.
func (e *Encoder) Bytes() []byte { return e.buf }

func (e *Encoder) U8(v uint8)   { e.buf = append(e.buf, v) }
func (e *Encoder) Bool(v bool)  { e.buf = append(e.buf, boolByte(v)) }
func (e *Encoder) U32(v uint32) { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }
func (e *Encoder) U64(v uint64) { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }

// Raw appends fixed-width data with no length prefix.
func (e *Encoder) Raw(b []byte) { e.buf = append(e.buf, b...) }

// Bytes32 appends a 32-byte value.
func (e *Encoder) Bytes32(b [32]byte) { e.buf = append(e.buf, b[:]...) }

// VarBytes appends a 32-bit length prefix followed by the data.
func (e *Encoder) VarBytes(b []byte) {
	e.U32(uint32(len(b)))
	e.Raw(b)
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

// Decoder consumes a canonical binary encoding. The first malformed field
// poisons the decoder; every subsequent read returns the zero value and the
// error is surfaced once through Err.
type Decoder struct {
	buf []byte
	off int
	err error
}

// NewDecoder wraps a buffer for decoding.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Err returns the first decode error, if any.
func (d *Decoder) Err() error { return d.err }

// Remaining reports the number of unconsumed bytes.
func (d *Decoder) Remaining() int { return len(d.buf) - d.off }

// Finish fails if any bytes remain unconsumed; trailing garbage on a
// fixed-layout message is a malformed payload, not padding.
func (d *Decoder) Finish() error {
	if d.err != nil {
		return d.err
	}
	if d.Remaining() != 0 {
		return fmt.Errorf("wire: %d trailing bytes after message body", d.Remaining())
	}
	return nil
}

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if d.Remaining() < n {
		d.err = fmt.Errorf("wire: truncated message: need %d bytes, have %d", n, d.Remaining())
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *Decoder) U8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *Decoder) Bool() bool {
	switch d.U8() {
	case 0:
		return false
	case 1:
		return true
	default:
		if d.err == nil {
			d.err = fmt.Errorf("wire: invalid boolean byte")
		}
		return false
	}
}

func (d *Decoder) U32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *Decoder) U64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// Bytes32 reads a fixed 32-byte value.
func (d *Decoder) Bytes32() [32]byte {
	var out [32]byte
	b := d.take(32)
	if b != nil {
		copy(out[:], b)
	}
	return out
}

// VarBytes reads a 32-bit length prefix and the following data, rejecting
// lengths above max to keep a malformed prefix from forcing a huge
// allocation.
func (d *Decoder) VarBytes(max int) []byte {
	n := d.U32()
	if d.err != nil {
		return nil
	}
	if int(n) > max {
		d.err = fmt.Errorf("wire: byte field of %d exceeds limit %d", n, max)
		return nil
	}
	if n == 0 {
		return nil
	}
	b := d.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

// Count reads a 32-bit element count, rejecting counts above max.
func (d *Decoder) Count(max int) int {
	n := d.U32()
	if d.err != nil {
		return 0
	}
	if int(n) > max {
		d.err = fmt.Errorf("wire: element count %d exceeds limit %d", n, max)
		return 0
	}
	return int(n)
}
