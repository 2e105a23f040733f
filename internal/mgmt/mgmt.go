// Package mgmt implements the Linux kernel Bluetooth management-socket
// protocol: command/event frames with a 2-byte opcode, 2-byte controller
// index and 2-byte little-endian length, as consumed by the Manager (to
// enumerate controllers) and the Adapter controller (to negotiate
// settings and drive discovery/whitelist/key-load operations).
package mgmt

import (
	"encoding/binary"
	"fmt"

	"github.com/srg/bthost/internal/codec"
)

// Command opcodes, per the kernel's mgmt-api.txt.
const (
	OpReadVersion        uint16 = 0x0001
	OpReadIndexList      uint16 = 0x0003
	OpReadInfo           uint16 = 0x0004
	OpSetPowered         uint16 = 0x0005
	OpSetConnectable     uint16 = 0x0007
	OpSetDiscoverable    uint16 = 0x0006
	OpSetBondable        uint16 = 0x0009
	OpSetLE              uint16 = 0x000D
	OpStartDiscovery     uint16 = 0x0023
	OpStopDiscovery      uint16 = 0x0024
	OpAddDevice          uint16 = 0x0033 // whitelist add (auto-connect action)
	OpRemoveDevice       uint16 = 0x0034
	OpLoadLongTermKeys   uint16 = 0x0030
	OpUnpair             uint16 = 0x001B
)

// Event opcodes.
const (
	EvCommandComplete    uint16 = 0x0001
	EvCommandStatus      uint16 = 0x0002
	EvControllerError    uint16 = 0x0003
	EvIndexAdded         uint16 = 0x0004
	EvIndexRemoved       uint16 = 0x0005
	EvNewSettings        uint16 = 0x0006
	EvDeviceFound        uint16 = 0x0012
	EvDiscovering        uint16 = 0x0013
	EvDeviceConnected    uint16 = 0x000B
	EvDeviceDisconnected uint16 = 0x000C
)

// Settings bits, per MGMT's 32-bit settings bitmap.
const (
	SettingPowered uint32 = 1 << iota
	SettingConnectable
	SettingFastConnectable
	SettingDiscoverable
	SettingBondable
	SettingLinkSecurity
	SettingSSP
	SettingBREDR
	SettingHS
	SettingLE
	SettingAdvertising
	SettingSecureConn
	SettingDebugKeys
	SettingPrivacy
	SettingConfiguration
	SettingStaticAddress
)

// ScanType mirrors the kernel's discovery "address type" bitmap
// (BR/EDR=1, LE public=2, LE random=4); a value of 0 means "not scanning".
type ScanType uint8

const (
	ScanNone  ScanType = 0
	ScanBREDR ScanType = 1 << 0
	ScanLE    ScanType = 1<<1 | 1<<2
	ScanDual  ScanType = ScanBREDR | ScanLE
)

// Header is the 6-byte MGMT frame header common to commands and events.
type Header struct {
	Opcode uint16
	Index  uint16
	Length uint16
}

const HeaderSize = 6

// EncodeHeader packs h into the wire's little-endian 6 bytes.
func EncodeHeader(h Header) []byte {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint16(b[0:2], h.Opcode)
	binary.LittleEndian.PutUint16(b[2:4], h.Index)
	binary.LittleEndian.PutUint16(b[4:6], h.Length)
	return b
}

// DecodeHeader unpacks the first 6 bytes of a frame.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("mgmt: short header (%d bytes)", len(b))
	}
	return Header{
		Opcode: binary.LittleEndian.Uint16(b[0:2]),
		Index:  binary.LittleEndian.Uint16(b[2:4]),
		Length: binary.LittleEndian.Uint16(b[4:6]),
	}, nil
}

// Frame is a decoded command or event: header plus payload.
type Frame struct {
	Header  Header
	Payload []byte
}

// Encode assembles a command frame ready to write to the MGMT socket.
func Encode(opcode, index uint16, payload []byte) []byte {
	h := EncodeHeader(Header{Opcode: opcode, Index: index, Length: uint16(len(payload))})
	return append(h, payload...)
}

// Decode splits a raw read into a Frame, validating the declared length.
func Decode(b []byte) (Frame, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return Frame{}, err
	}
	if len(b) < HeaderSize+int(h.Length) {
		return Frame{}, fmt.Errorf("mgmt: short payload: want %d have %d", h.Length, len(b)-HeaderSize)
	}
	return Frame{Header: h, Payload: b[HeaderSize : HeaderSize+int(h.Length)]}, nil
}

// CommandCompletePayload is the common command-complete event body:
// the completed opcode, a status byte, and opcode-specific return
// parameters.
type CommandCompletePayload struct {
	Opcode uint16
	Status uint8
	Params []byte
}

func DecodeCommandComplete(payload []byte) (CommandCompletePayload, error) {
	if len(payload) < 3 {
		return CommandCompletePayload{}, fmt.Errorf("mgmt: short command-complete payload")
	}
	return CommandCompletePayload{
		Opcode: binary.LittleEndian.Uint16(payload[0:2]),
		Status: payload[2],
		Params: payload[3:],
	}, nil
}

// ControllerInfo is READ_INFO's response: address, current settings, class
// of device and name fields.
type ControllerInfo struct {
	Address         codec.Address
	BDAddrType      uint8
	Version         uint8
	Manufacturer    uint16
	SupportedSettings uint32
	CurrentSettings   uint32
	ClassOfDevice   [3]byte
	Name            string
	ShortName       string
}

// DecodeControllerInfo parses READ_INFO's 280-byte return parameters.
func DecodeControllerInfo(b []byte) (ControllerInfo, error) {
	if len(b) < 280 {
		return ControllerInfo{}, fmt.Errorf("mgmt: short READ_INFO payload (%d bytes)", len(b))
	}
	var hciBytes [6]byte
	copy(hciBytes[:], b[0:6])
	info := ControllerInfo{
		Address:           codec.AddressFromHCI(hciBytes),
		Version:           b[6],
		Manufacturer:      binary.LittleEndian.Uint16(b[7:9]),
		SupportedSettings: binary.LittleEndian.Uint32(b[9:13]),
		CurrentSettings:   binary.LittleEndian.Uint32(b[13:17]),
	}
	copy(info.ClassOfDevice[:], b[17:20])
	info.Name = cString(b[20:20+249])
	info.ShortName = cString(b[269:280])
	return info, nil
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// DeviceFoundPayload is the DEVICE_FOUND event body: the discovered
// address, its type, RSSI, a flags word, and trailing raw EIR data.
type DeviceFoundPayload struct {
	Address     codec.Address
	AddrType    uint8
	RSSI        int8
	Flags       uint32
	EIR         []byte
}

// DecodeDeviceFound parses a DEVICE_FOUND event payload.
func DecodeDeviceFound(b []byte) (DeviceFoundPayload, error) {
	if len(b) < 13 {
		return DeviceFoundPayload{}, fmt.Errorf("mgmt: short DEVICE_FOUND payload")
	}
	var hciBytes [6]byte
	copy(hciBytes[:], b[0:6])
	eirLen := binary.LittleEndian.Uint16(b[11:13])
	if len(b) < 13+int(eirLen) {
		return DeviceFoundPayload{}, fmt.Errorf("mgmt: short DEVICE_FOUND EIR data")
	}
	return DeviceFoundPayload{
		Address:  codec.AddressFromHCI(hciBytes),
		AddrType: b[6],
		RSSI:     int8(b[7]),
		Flags:    binary.LittleEndian.Uint32(b[8:12]),
		EIR:      append([]byte(nil), b[13:13+eirLen]...),
	}, nil
}

// DiscoveringPayload is the DISCOVERING event body.
type DiscoveringPayload struct {
	Type        ScanType
	Discovering bool
}

// DecodeDiscovering parses a DISCOVERING event payload.
func DecodeDiscovering(b []byte) (DiscoveringPayload, error) {
	if len(b) < 2 {
		return DiscoveringPayload{}, fmt.Errorf("mgmt: short DISCOVERING payload")
	}
	return DiscoveringPayload{Type: ScanType(b[0]), Discovering: b[1] != 0}, nil
}

// DecodeNewSettings parses a NEW_SETTINGS event payload: a 32-bit settings
// bitmap, same layout as READ_INFO's current-settings field.
func DecodeNewSettings(b []byte) (uint32, error) {
	if len(b) < 4 {
		return 0, fmt.Errorf("mgmt: short NEW_SETTINGS payload")
	}
	return binary.LittleEndian.Uint32(b[0:4]), nil
}

// ReadIndexList decodes READ_INDEX_LIST's return parameters: a count
// followed by that many little-endian controller indices.
func ReadIndexList(b []byte) ([]uint16, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("mgmt: short READ_INDEX_LIST payload")
	}
	count := binary.LittleEndian.Uint16(b[0:2])
	if len(b) < 2+int(count)*2 {
		return nil, fmt.Errorf("mgmt: short READ_INDEX_LIST index array")
	}
	out := make([]uint16, count)
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(b[2+i*2 : 4+i*2])
	}
	return out, nil
}
