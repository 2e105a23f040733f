package smp

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/srg/bthost/internal/codec"
)

// versionMagic identifies this codec's on-disk layout; Decode rejects any
// other value so a format change never silently misreads an old file.
const versionMagic uint16 = 0x5A31

const keyBinSize = 113

// SecurityLevel mirrors the four levels set_conn_security accepts.
type SecurityLevel uint8

const (
	LevelNone SecurityLevel = iota
	LevelEncrypted
	LevelAuthenticated
	LevelFIPS
)

// LTKRecord is one {props, enc_size, EDIV, Rand, LTK} record, 28 bytes on
// the wire. Present distinguishes "no key distributed for this role" from
// an all-zero key.
type LTKRecord struct {
	Present    bool
	Properties uint8
	EncSize    uint8
	EDIV       uint16
	Rand       uint64
	LTK        [16]byte
}

func (r LTKRecord) encode(w []byte) []byte {
	w = append(w, r.Properties, r.EncSize)
	w = append(w, byte(r.EDIV), byte(r.EDIV>>8))
	for i := 0; i < 8; i++ {
		w = append(w, byte(r.Rand>>(8*i)))
	}
	w = append(w, r.LTK[:]...)
	return w
}

func decodeLTK(b []byte) LTKRecord {
	r := LTKRecord{Properties: b[0], EncSize: b[1]}
	r.EDIV = binary.LittleEndian.Uint16(b[2:4])
	r.Rand = binary.LittleEndian.Uint64(b[4:12])
	copy(r.LTK[:], b[12:28])
	r.Present = r.Properties != 0 || r.EncSize != 0 || r.EDIV != 0 || r.Rand != 0 || r.LTK != [16]byte{}
	return r
}

// CSRKRecord is one {props, CSRK} record, 17 bytes on the wire.
type CSRKRecord struct {
	Present    bool
	Properties uint8
	CSRK       [16]byte
}

func (r CSRKRecord) encode(w []byte) []byte {
	w = append(w, r.Properties)
	w = append(w, r.CSRK[:]...)
	return w
}

func decodeCSRK(b []byte) CSRKRecord {
	r := CSRKRecord{Properties: b[0]}
	copy(r.CSRK[:], b[1:17])
	r.Present = r.Properties != 0 || r.CSRK != [16]byte{}
	return r
}

// KeyBin is the persisted pairing record for one peer, matching spec.md
// §6's byte layout exactly.
type KeyBin struct {
	Address       codec.Address
	AddressType   uint8
	SecurityLevel SecurityLevel
	IOCapability  uint8
	InitiatorLTK  LTKRecord
	ResponderLTK  LTKRecord
	InitiatorCSRK CSRKRecord
	ResponderCSRK CSRKRecord
	CreatedAt     int64
}

// Encode assembles the 113-byte record, CRC32 over the preceding 109 bytes.
func Encode(kb KeyBin) []byte {
	w := make([]byte, 0, keyBinSize)
	w = append(w, byte(versionMagic), byte(versionMagic>>8))
	w = append(w, kb.Address.HCIBytes()[:]...)
	w = append(w, kb.AddressType)
	w = append(w, uint8(kb.SecurityLevel))
	w = append(w, kb.IOCapability)
	w = kb.InitiatorLTK.encode(w)
	w = kb.ResponderLTK.encode(w)
	w = kb.InitiatorCSRK.encode(w)
	w = kb.ResponderCSRK.encode(w)
	ts := make([]byte, 8)
	binary.LittleEndian.PutUint64(ts, uint64(kb.CreatedAt))
	w = append(w, ts...)
	crc := crc32.ChecksumIEEE(w)
	crcBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(crcBytes, crc)
	w = append(w, crcBytes...)
	return w
}

// Decode validates the version magic and CRC before parsing fields.
func Decode(b []byte) (KeyBin, error) {
	if len(b) != keyBinSize {
		return KeyBin{}, fmt.Errorf("smp: key bin has %d bytes, want %d", len(b), keyBinSize)
	}
	if binary.LittleEndian.Uint16(b[0:2]) != versionMagic {
		return KeyBin{}, fmt.Errorf("smp: unrecognized key bin version")
	}
	wantCRC := binary.LittleEndian.Uint32(b[109:113])
	gotCRC := crc32.ChecksumIEEE(b[0:109])
	if wantCRC != gotCRC {
		return KeyBin{}, fmt.Errorf("smp: key bin CRC mismatch")
	}
	var hciAddr [6]byte
	copy(hciAddr[:], b[2:8])
	kb := KeyBin{
		Address:       codec.AddressFromHCI(hciAddr),
		AddressType:   b[8],
		SecurityLevel: SecurityLevel(b[9]),
		IOCapability:  b[10],
		InitiatorLTK:  decodeLTK(b[11:39]),
		ResponderLTK:  decodeLTK(b[39:67]),
		InitiatorCSRK: decodeCSRK(b[67:84]),
		ResponderCSRK: decodeCSRK(b[84:101]),
		CreatedAt:     int64(binary.LittleEndian.Uint64(b[101:109])),
	}
	return kb, nil
}

// FileName returns "bd_<AA_BB_CC_DD_EE_FF>_<type>-smpkey.bin".
func FileName(addr codec.Address, addrType uint8) string {
	underscored := strings.ReplaceAll(addr.String(), ":", "_")
	return fmt.Sprintf("bd_%s_%d-smpkey.bin", underscored, addrType)
}

// WriteFile persists kb atomically: write to a temp file in keyDir, then
// rename over the final path.
func WriteFile(keyDir string, kb KeyBin) error {
	if err := os.MkdirAll(keyDir, 0o700); err != nil {
		return fmt.Errorf("smp: mkdir key dir: %w", err)
	}
	final := filepath.Join(keyDir, FileName(kb.Address, kb.AddressType))
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, Encode(kb), 0o600); err != nil {
		return fmt.Errorf("smp: write temp key bin: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("smp: rename key bin into place: %w", err)
	}
	return nil
}

// ReadFile loads and validates the persisted key bin for (addr, addrType).
func ReadFile(keyDir string, addr codec.Address, addrType uint8) (KeyBin, error) {
	path := filepath.Join(keyDir, FileName(addr, addrType))
	b, err := os.ReadFile(path)
	if err != nil {
		return KeyBin{}, err
	}
	return Decode(b)
}

// stamp returns the current time as a Unix timestamp; a thin indirection so
// callers in this package never call time.Now() inline (kept out of
// Encode/Decode themselves to stay deterministic for tests).
func stamp() int64 { return time.Now().Unix() }
