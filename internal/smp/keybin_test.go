package smp

import (
	"path/filepath"
	"testing"

	"github.com/srg/bthost/internal/codec"
	"github.com/stretchr/testify/require"
)

func sampleKeyBin(t *testing.T) KeyBin {
	t.Helper()
	addr, err := codec.ParseAddress("C0:26:DA:01:DA:B1")
	require.NoError(t, err)
	return KeyBin{
		Address:       addr,
		AddressType:   1,
		SecurityLevel: LevelAuthenticated,
		IOCapability:  IOCapDisplayYesNo,
		InitiatorLTK:  LTKRecord{},
		ResponderLTK: LTKRecord{
			Properties: 1,
			EncSize:    16,
			EDIV:       0x1234,
			Rand:       0xDEADBEEFCAFEBABE,
			LTK:        [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		},
		InitiatorCSRK: CSRKRecord{},
		ResponderCSRK: CSRKRecord{Properties: 1, CSRK: [16]byte{9, 9, 9}},
		CreatedAt:     1234567890,
	}
}

func TestKeyBinRoundTrip(t *testing.T) {
	kb := sampleKeyBin(t)
	encoded := Encode(kb)
	require.Len(t, encoded, keyBinSize)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, kb.Address, decoded.Address)
	require.Equal(t, kb.AddressType, decoded.AddressType)
	require.Equal(t, kb.SecurityLevel, decoded.SecurityLevel)
	require.Equal(t, kb.IOCapability, decoded.IOCapability)
	require.False(t, decoded.InitiatorLTK.Present)
	require.True(t, decoded.ResponderLTK.Present)
	require.Equal(t, kb.ResponderLTK, decoded.ResponderLTK)
	require.True(t, decoded.ResponderCSRK.Present)
	require.Equal(t, kb.ResponderCSRK, decoded.ResponderCSRK)
	require.Equal(t, kb.CreatedAt, decoded.CreatedAt)
}

func TestKeyBinDecodeRejectsWrongLength(t *testing.T) {
	_, err := Decode(make([]byte, keyBinSize-1))
	require.Error(t, err)
}

func TestKeyBinDecodeRejectsBadVersionMagic(t *testing.T) {
	kb := sampleKeyBin(t)
	encoded := Encode(kb)
	encoded[0] ^= 0xFF
	_, err := Decode(encoded)
	require.ErrorContains(t, err, "version")
}

func TestKeyBinDecodeRejectsCRCMismatch(t *testing.T) {
	kb := sampleKeyBin(t)
	encoded := Encode(kb)
	encoded[50] ^= 0xFF
	_, err := Decode(encoded)
	require.ErrorContains(t, err, "CRC")
}

func TestKeyBinFileName(t *testing.T) {
	addr, err := codec.ParseAddress("C0:26:DA:01:DA:B1")
	require.NoError(t, err)
	require.Equal(t, "bd_C0_26_DA_01_DA_B1_1-smpkey.bin", FileName(addr, 1))
}

func TestKeyBinWriteReadFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	kb := sampleKeyBin(t)

	require.NoError(t, WriteFile(dir, kb))

	// The atomic-rename temp file must not remain.
	tmpPath := filepath.Join(dir, FileName(kb.Address, kb.AddressType)+".tmp")
	require.NoFileExists(t, tmpPath)

	got, err := ReadFile(dir, kb.Address, kb.AddressType)
	require.NoError(t, err)
	require.Equal(t, kb.ResponderLTK, got.ResponderLTK)
}

func TestKeyBinReadFileMissing(t *testing.T) {
	dir := t.TempDir()
	addr, err := codec.ParseAddress("28:FF:B2:C1:46:19")
	require.NoError(t, err)
	_, err = ReadFile(dir, addr, 0)
	require.Error(t, err)
}
