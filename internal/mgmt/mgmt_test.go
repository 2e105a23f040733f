package mgmt

import (
	"testing"

	"github.com/srg/bthost/internal/codec"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{Opcode: OpStartDiscovery, Index: 0, Length: 1}
	decoded, err := DecodeHeader(EncodeHeader(h))
	require.NoError(t, err)
	require.Equal(t, h, decoded)
}

func TestEncodeDecodeFrame(t *testing.T) {
	payload := []byte{0x02}
	raw := Encode(OpStartDiscovery, 0, payload)
	frame, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, OpStartDiscovery, frame.Header.Opcode)
	require.Equal(t, payload, frame.Payload)
}

func TestDecodeReadIndexList(t *testing.T) {
	b := []byte{0x02, 0x00, 0x00, 0x00, 0x01, 0x00}
	list, err := ReadIndexList(b)
	require.NoError(t, err)
	require.Equal(t, []uint16{0, 1}, list)
}

func TestDecodeControllerInfo(t *testing.T) {
	addr, err := codec.ParseAddress("C0:26:DA:01:DA:B1")
	require.NoError(t, err)
	b := make([]byte, 280)
	copy(b[0:6], addr.HCIBytes()[:])
	b[6] = 0x08 // version
	b[9] = byte(SettingPowered | SettingLE)
	copy(b[20:], []byte("bthost-test"))
	info, err := DecodeControllerInfo(b)
	require.NoError(t, err)
	require.Equal(t, addr, info.Address)
	require.Equal(t, uint8(0x08), info.Version)
	require.Equal(t, "bthost-test", info.Name)
}

func TestDecodeDeviceFound(t *testing.T) {
	addr, err := codec.ParseAddress("28:FF:B2:C1:46:19")
	require.NoError(t, err)
	eir := []byte{0x02, 0x01, 0x06}
	b := make([]byte, 0, 13+len(eir))
	b = append(b, addr.HCIBytes()[:]...)
	b = append(b, 0x00)        // addr type
	b = append(b, 0xC8)        // rssi = -56
	b = append(b, 0, 0, 0, 0)  // flags
	b = append(b, byte(len(eir)), 0)
	b = append(b, eir...)

	df, err := DecodeDeviceFound(b)
	require.NoError(t, err)
	require.Equal(t, addr, df.Address)
	require.Equal(t, int8(-56), df.RSSI)
	require.Equal(t, eir, df.EIR)
}

func TestDecodeDiscovering(t *testing.T) {
	d, err := DecodeDiscovering([]byte{byte(ScanLE), 1})
	require.NoError(t, err)
	require.True(t, d.Discovering)
	require.Equal(t, ScanLE, d.Type)
}

func TestDecodeNewSettings(t *testing.T) {
	s, err := DecodeNewSettings([]byte{0x03, 0x00, 0x00, 0x00})
	require.NoError(t, err)
	require.Equal(t, SettingPowered|SettingConnectable, s)
}
