package codec

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// baseUUID is the Bluetooth base UUID, "0000xxxx-0000-1000-8000-00805F9B34FB",
// into which every 16- and 32-bit UUID expands.
var baseUUID = [16]byte{
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x10, 0x00,
	0x80, 0x00, 0x00, 0x80, 0x5F, 0x9B, 0x34, 0xFB,
}

// UUIDSize is the on-the-wire width of a UUID value.
type UUIDSize int

const (
	UUID16 UUIDSize = 2
	UUID32 UUIDSize = 4
	UUID128 UUIDSize = 16
)

// UUID is a tagged union over the three Bluetooth UUID widths. All three
// round-trip bit-exactly through Bytes/ParseUUID*; the 16- and 32-bit
// forms compare equal to their 128-bit expansion for Canonical() display
// purposes but remain distinct on the wire (Size() is preserved).
type UUID struct {
	size UUIDSize
	b128 [16]byte
}

// UUIDFrom16 builds a UUID from its 16-bit alias.
func UUIDFrom16(v uint16) UUID {
	u := UUID{size: UUID16, b128: baseUUID}
	u.b128[2] = byte(v >> 8)
	u.b128[3] = byte(v)
	return u
}

// UUIDFrom32 builds a UUID from its 32-bit alias.
func UUIDFrom32(v uint32) UUID {
	u := UUID{size: UUID32, b128: baseUUID}
	u.b128[0] = byte(v >> 24)
	u.b128[1] = byte(v >> 16)
	u.b128[2] = byte(v >> 8)
	u.b128[3] = byte(v)
	return u
}

// UUIDFrom128 builds a UUID from its full 128-bit big-endian form.
func UUIDFrom128(b [16]byte) UUID {
	return UUID{size: UUID128, b128: b}
}

// Size reports the wire width this UUID was constructed/decoded with.
func (u UUID) Size() UUIDSize { return u.size }

// Is32OrSmaller reports whether u expands the Bluetooth base UUID, i.e. it
// could legally be represented in 16 or 32 bits regardless of how it was
// constructed.
func (u UUID) Is32OrSmaller() bool {
	tail := u.b128
	tail[0], tail[1], tail[2], tail[3] = 0, 0, 0, 0
	return tail == baseUUID
}

// As16 returns the 16-bit alias and true if u expands the base UUID and its
// top two bytes of the 32-bit field are zero.
func (u UUID) As16() (uint16, bool) {
	if !u.Is32OrSmaller() || u.b128[0] != 0 || u.b128[1] != 0 {
		return 0, false
	}
	return uint16(u.b128[2])<<8 | uint16(u.b128[3]), true
}

// As32 returns the 32-bit alias and true if u expands the base UUID.
func (u UUID) As32() (uint32, bool) {
	if !u.Is32OrSmaller() {
		return 0, false
	}
	return uint32(u.b128[0])<<24 | uint32(u.b128[1])<<16 | uint32(u.b128[2])<<8 | uint32(u.b128[3]), true
}

// Bytes128 returns the full 128-bit big-endian expansion.
func (u UUID) Bytes128() [16]byte { return u.b128 }

// Bytes returns the wire-width encoding in little-endian byte order, as
// carried in ATT/GATT PDUs.
func (u UUID) Bytes() []byte {
	switch u.size {
	case UUID16:
		v, _ := u.As16()
		return PutUint16(v)
	case UUID32:
		v, _ := u.As32()
		return PutUint32(v)
	default:
		out := make([]byte, 16)
		for i := 0; i < 16; i++ {
			out[i] = u.b128[15-i]
		}
		return out
	}
}

// Canonical renders the dashed 128-bit expansion, e.g.
// "0000180d-0000-1000-8000-00805f9b34fb".
func (u UUID) Canonical() string {
	h := hex.EncodeToString(u.b128[:])
	return fmt.Sprintf("%s-%s-%s-%s-%s", h[0:8], h[8:12], h[12:16], h[16:20], h[20:32])
}

// String renders the shortest faithful form: the 4 or 8 hex digits for a
// 16/32-bit UUID, the canonical dashed form otherwise.
func (u UUID) String() string {
	if v, ok := u.As16(); ok && u.size == UUID16 {
		return fmt.Sprintf("%04x", v)
	}
	if v, ok := u.As32(); ok && u.size == UUID32 {
		return fmt.Sprintf("%08x", v)
	}
	return u.Canonical()
}

// Equal compares the 128-bit expansion only, so a 16-bit UUID equals its
// 128-bit counterpart.
func (u UUID) Equal(o UUID) bool { return u.b128 == o.b128 }

// ParseUUIDLE decodes a little-endian wire UUID of the given size.
func ParseUUIDLE(b []byte, size UUIDSize) (UUID, error) {
	switch size {
	case UUID16:
		if len(b) < 2 {
			return UUID{}, ErrShortBuffer
		}
		return UUIDFrom16(GetUint16(b)), nil
	case UUID32:
		if len(b) < 4 {
			return UUID{}, ErrShortBuffer
		}
		return UUIDFrom32(GetUint32(b)), nil
	case UUID128:
		if len(b) < 16 {
			return UUID{}, ErrShortBuffer
		}
		var full [16]byte
		for i := 0; i < 16; i++ {
			full[i] = b[15-i]
		}
		return UUIDFrom128(full), nil
	default:
		return UUID{}, fmt.Errorf("codec: invalid UUID size %d", size)
	}
}

// ParseUUIDString parses a 4/8 hex-digit short form or a dashed/undashed
// 128-bit string into a UUID.
func ParseUUIDString(s string) (UUID, error) {
	clean := strings.ToLower(strings.ReplaceAll(s, "-", ""))
	switch len(clean) {
	case 4:
		v, err := hex.DecodeString(clean)
		if err != nil || len(v) != 2 {
			return UUID{}, fmt.Errorf("codec: invalid UUID %q", s)
		}
		return UUIDFrom16(uint16(v[0])<<8 | uint16(v[1])), nil
	case 8:
		v, err := hex.DecodeString(clean)
		if err != nil || len(v) != 4 {
			return UUID{}, fmt.Errorf("codec: invalid UUID %q", s)
		}
		return UUIDFrom32(uint32(v[0])<<24 | uint32(v[1])<<16 | uint32(v[2])<<8 | uint32(v[3])), nil
	case 32:
		v, err := hex.DecodeString(clean)
		if err != nil || len(v) != 16 {
			return UUID{}, fmt.Errorf("codec: invalid UUID %q", s)
		}
		var full [16]byte
		copy(full[:], v)
		return UUIDFrom128(full), nil
	default:
		return UUID{}, fmt.Errorf("codec: invalid UUID %q", s)
	}
}

// NormalizeUUID returns the lowercase, dash-free canonical form used as a
// map key throughout the GATT attribute database.
func NormalizeUUID(s string) string {
	u, err := ParseUUIDString(s)
	if err != nil {
		return strings.ToLower(strings.ReplaceAll(s, "-", ""))
	}
	return strings.ReplaceAll(u.Canonical(), "-", "")
}
