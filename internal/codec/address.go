package codec

import (
	"fmt"
	"strconv"
	"strings"
)

// Address is a Bluetooth EUI-48 device address. It is stored big-endian
// (index 0 is the most significant octet, matching the printable
// "AA:BB:CC:DD:EE:FF" form) even though HCI frames carry it little-endian
// on the wire; HCIBytes/AddressFromHCI perform that swap at the boundary.
type Address [6]byte

// ParseAddress parses a colon- or dash-separated EUI-48 string.
func ParseAddress(s string) (Address, error) {
	var a Address
	sep := ":"
	if strings.Contains(s, "-") {
		sep = "-"
	}
	parts := strings.Split(s, sep)
	if len(parts) != 6 {
		return a, fmt.Errorf("codec: invalid address %q", s)
	}
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return a, fmt.Errorf("codec: invalid address %q: %w", s, err)
		}
		a[i] = byte(v)
	}
	return a, nil
}

// String renders the canonical "AA:BB:CC:DD:EE:FF" upper-case form.
func (a Address) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[0], a[1], a[2], a[3], a[4], a[5])
}

// IsZero reports whether the address is all-zero (the "unset" sentinel).
func (a Address) IsZero() bool { return a == Address{} }

// HasPrefix reports whether the address's leading octets equal prefix,
// supporting inspect/scan filters that match on OUI or a partial address.
func (a Address) HasPrefix(prefix Address, n int) bool {
	if n > 6 {
		n = 6
	}
	for i := 0; i < n; i++ {
		if a[i] != prefix[i] {
			return false
		}
	}
	return true
}

// HCIBytes returns the little-endian on-the-wire byte order used by HCI
// command/event parameters.
func (a Address) HCIBytes() [6]byte {
	return [6]byte{a[5], a[4], a[3], a[2], a[1], a[0]}
}

// AddressFromHCI builds an Address from little-endian HCI wire bytes.
func AddressFromHCI(b [6]byte) Address {
	return Address{b[5], b[4], b[3], b[2], b[1], b[0]}
}

// AddrType is the Bluetooth address-type tag.
type AddrType uint8

const (
	AddrPublicBREDR AddrType = iota
	AddrPublicLE
	AddrRandomStatic
	AddrRandomResolvablePrivate
	AddrRandomNonResolvable
	AddrUndefined
)

func (t AddrType) String() string {
	switch t {
	case AddrPublicBREDR:
		return "public-bredr"
	case AddrPublicLE:
		return "public-le"
	case AddrRandomStatic:
		return "random-static"
	case AddrRandomResolvablePrivate:
		return "random-resolvable-private"
	case AddrRandomNonResolvable:
		return "random-non-resolvable"
	default:
		return "undefined"
	}
}

// IsRandom reports whether t is one of the random-LE sub-kinds.
func (t AddrType) IsRandom() bool {
	return t == AddrRandomStatic || t == AddrRandomResolvablePrivate || t == AddrRandomNonResolvable
}

// ClassifyRandomAddress determines the random-address sub-kind from the two
// most-significant bits of the top octet, per the Core spec's address
// classification rules.
func ClassifyRandomAddress(a Address) AddrType {
	top := a[0] >> 6
	switch top {
	case 0b11:
		return AddrRandomStatic
	case 0b01:
		return AddrRandomResolvablePrivate
	case 0b00:
		return AddrRandomNonResolvable
	default:
		return AddrUndefined
	}
}

// AddressType pairs an Address with its AddrType. Equality is over both
// fields: two devices with the same bytes but different types are
// distinct, since a resolvable-private address may coincidentally collide
// with an unrelated public address.
type AddressType struct {
	Addr Address
	Type AddrType
}

func (a AddressType) String() string {
	return fmt.Sprintf("%s/%s", a.Addr, a.Type)
}

// Equal reports field-wise equality.
func (a AddressType) Equal(b AddressType) bool {
	return a.Addr == b.Addr && a.Type == b.Type
}
