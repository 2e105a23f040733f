// Package codec implements the little-endian wire encoding shared by the
// HCI, L2CAP, ATT and SMP layers, plus the Address/AddressType and UUID
// value types used throughout the stack. It is the sole place that
// performs the big-endian/little-endian swap between Bluetooth's printable
// address form and its on-the-wire byte order.
package codec

import "errors"

// ErrShortBuffer is returned by Cursor reads/writes that would run past
// the end of the underlying buffer.
var ErrShortBuffer = errors.New("codec: short buffer")

// Cursor is a bounded byte view with independent read and write offsets,
// used to decode and encode HCI/L2CAP/ATT/SMP frames without repeated
// slice re-slicing at every call site.
type Cursor struct {
	buf []byte
	r   int
	w   int
}

// NewReader wraps buf for sequential little-endian reads.
func NewReader(buf []byte) *Cursor {
	return &Cursor{buf: buf, w: len(buf)}
}

// NewWriter allocates a Cursor with cap bytes available for writes.
func NewWriter(capHint int) *Cursor {
	return &Cursor{buf: make([]byte, 0, capHint)}
}

// Len returns the number of unread bytes.
func (c *Cursor) Len() int { return c.w - c.r }

// Bytes returns the written/unread portion of the buffer.
func (c *Cursor) Bytes() []byte { return c.buf[c.r:c.w] }

// Remaining returns a copy-free view of the unread tail, without advancing.
func (c *Cursor) Remaining() []byte { return c.buf[c.r:c.w] }

func (c *Cursor) need(n int) error {
	if c.r+n > c.w {
		return ErrShortBuffer
	}
	return nil
}

// U8 reads one byte.
func (c *Cursor) U8() (uint8, error) {
	if err := c.need(1); err != nil {
		return 0, err
	}
	v := c.buf[c.r]
	c.r++
	return v, nil
}

// U16 reads a little-endian uint16.
func (c *Cursor) U16() (uint16, error) {
	if err := c.need(2); err != nil {
		return 0, err
	}
	v := uint16(c.buf[c.r]) | uint16(c.buf[c.r+1])<<8
	c.r += 2
	return v, nil
}

// U32 reads a little-endian uint32.
func (c *Cursor) U32() (uint32, error) {
	if err := c.need(4); err != nil {
		return 0, err
	}
	v := uint32(c.buf[c.r]) | uint32(c.buf[c.r+1])<<8 | uint32(c.buf[c.r+2])<<16 | uint32(c.buf[c.r+3])<<24
	c.r += 4
	return v, nil
}

// U64 reads a little-endian uint64.
func (c *Cursor) U64() (uint64, error) {
	if err := c.need(8); err != nil {
		return 0, err
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(c.buf[c.r+i]) << (8 * i)
	}
	c.r += 8
	return v, nil
}

// ReadN reads n raw bytes.
func (c *Cursor) ReadN(n int) ([]byte, error) {
	if err := c.need(n); err != nil {
		return nil, err
	}
	v := c.buf[c.r : c.r+n]
	c.r += n
	return v, nil
}

// Skip advances the read cursor by n bytes.
func (c *Cursor) Skip(n int) error {
	if err := c.need(n); err != nil {
		return err
	}
	c.r += n
	return nil
}

// PutU8 appends one byte.
func (c *Cursor) PutU8(v uint8) { c.buf = append(c.buf, v) }

// PutU16 appends a little-endian uint16.
func (c *Cursor) PutU16(v uint16) { c.buf = append(c.buf, byte(v), byte(v>>8)) }

// PutU32 appends a little-endian uint32.
func (c *Cursor) PutU32(v uint32) {
	c.buf = append(c.buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

// PutU64 appends a little-endian uint64.
func (c *Cursor) PutU64(v uint64) {
	for i := 0; i < 8; i++ {
		c.buf = append(c.buf, byte(v>>(8*i)))
	}
}

// PutBytes appends raw bytes.
func (c *Cursor) PutBytes(b []byte) { c.buf = append(c.buf, b...) }

// Written returns everything written so far.
func (c *Cursor) Written() []byte { return c.buf }

// PutUint16 packs v into a fresh 2-byte little-endian slice.
func PutUint16(v uint16) []byte { return []byte{byte(v), byte(v >> 8)} }

// PutUint32 packs v into a fresh 4-byte little-endian slice.
func PutUint32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

// GetUint16 unpacks a little-endian uint16; caller must ensure len(b) >= 2.
func GetUint16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }

// GetUint32 unpacks a little-endian uint32; caller must ensure len(b) >= 4.
func GetUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
