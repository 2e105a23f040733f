package codec

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUUIDRoundTrip16(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 100; i++ {
		v := uint16(r.Uint32())
		u := UUIDFrom16(v)
		decoded, err := ParseUUIDLE(u.Bytes(), UUID16)
		require.NoError(t, err)
		require.True(t, u.Equal(decoded))
		require.Equal(t, u.Bytes(), decoded.Bytes())
	}
}

func TestUUIDRoundTrip32(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	for i := 0; i < 100; i++ {
		v := r.Uint32()
		u := UUIDFrom32(v)
		decoded, err := ParseUUIDLE(u.Bytes(), UUID32)
		require.NoError(t, err)
		require.True(t, u.Equal(decoded))
		require.Equal(t, u.Bytes(), decoded.Bytes())
	}
}

func TestUUIDRoundTrip128(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	for i := 0; i < 100; i++ {
		var b [16]byte
		r.Read(b[:])
		u := UUIDFrom128(b)
		decoded, err := ParseUUIDLE(u.Bytes(), UUID128)
		require.NoError(t, err)
		require.True(t, u.Equal(decoded))
		require.Equal(t, u.Bytes(), decoded.Bytes())
	}
}

func TestUUID16EqualsExpansion(t *testing.T) {
	short := UUIDFrom16(0x180D)
	long, err := ParseUUIDString("0000180d-0000-1000-8000-00805f9b34fb")
	require.NoError(t, err)
	require.True(t, short.Equal(long))
	require.Equal(t, "180d", short.String())
	require.Equal(t, "0000180d-0000-1000-8000-00805f9b34fb", long.Canonical())
}

func TestParseUUIDStringShortForms(t *testing.T) {
	u16, err := ParseUUIDString("2A37")
	require.NoError(t, err)
	require.Equal(t, UUID16, u16.Size())

	u32, err := ParseUUIDString("12345678")
	require.NoError(t, err)
	require.Equal(t, UUID32, u32.Size())
}

func TestAddressRoundTrip(t *testing.T) {
	a, err := ParseAddress("C0:26:DA:01:DA:B1")
	require.NoError(t, err)
	require.Equal(t, "C0:26:DA:01:DA:B1", a.String())

	hciBytes := a.HCIBytes()
	back := AddressFromHCI(hciBytes)
	require.Equal(t, a, back)
}

func TestClassifyRandomAddress(t *testing.T) {
	static, _ := ParseAddress("F0:00:00:00:00:01")
	require.Equal(t, AddrRandomStatic, ClassifyRandomAddress(static))

	resolvable, _ := ParseAddress("52:AC:AD:2C:37:37")
	require.Equal(t, AddrRandomResolvablePrivate, ClassifyRandomAddress(resolvable))

	nonResolvable, _ := ParseAddress("10:00:00:00:00:01")
	require.Equal(t, AddrRandomNonResolvable, ClassifyRandomAddress(nonResolvable))
}
