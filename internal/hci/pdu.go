package hci

import (
	"fmt"

	"github.com/srg/bthost/internal/codec"
)

// Command is an encoded HCI command: opcode plus raw parameter bytes.
type Command struct {
	Opcode Opcode
	Params []byte
}

// Encode assembles the 3-byte command header (opcode LE, length) plus
// parameters, as written to an HCI_CHANNEL_USER socket.
func (c Command) Encode() []byte {
	w := codec.NewWriter(3 + len(c.Params))
	w.PutU16(uint16(c.Opcode))
	w.PutU8(uint8(len(c.Params)))
	w.PutBytes(c.Params)
	return w.Written()
}

// Event is a decoded HCI event: event code, optional LE-meta subevent code,
// and the raw parameter bytes following the code(s).
type Event struct {
	Code     uint8
	Subevent uint8 // valid iff Code == EvtLEMeta
	Params   []byte
}

// DecodeEvent splits a raw HCI event frame (as read from the socket, sans
// any H4 packet-type prefix) into code/subevent/params.
func DecodeEvent(b []byte) (Event, error) {
	if len(b) < 2 {
		return Event{}, fmt.Errorf("hci: short event header")
	}
	code := b[0]
	length := int(b[1])
	if len(b) < 2+length {
		return Event{}, fmt.Errorf("hci: short event payload: want %d have %d", length, len(b)-2)
	}
	params := b[2 : 2+length]
	ev := Event{Code: code, Params: params}
	if code == EvtLEMeta && len(params) >= 1 {
		ev.Subevent = params[0]
		ev.Params = params[1:]
	}
	return ev, nil
}

// CommandComplete is the decoded body of a Command_Complete event.
type CommandComplete struct {
	NumHCICommandPackets uint8
	Opcode               Opcode
	ReturnParams         []byte
}

func DecodeCommandComplete(params []byte) (CommandComplete, error) {
	if len(params) < 3 {
		return CommandComplete{}, fmt.Errorf("hci: short command-complete")
	}
	r := codec.NewReader(params)
	ncmd, _ := r.U8()
	opcode, _ := r.U16()
	return CommandComplete{
		NumHCICommandPackets: ncmd,
		Opcode:               Opcode(opcode),
		ReturnParams:         r.Remaining(),
	}, nil
}

// CommandStatus is the decoded body of a Command_Status event.
type CommandStatus struct {
	Status               uint8
	NumHCICommandPackets uint8
	Opcode               Opcode
}

func DecodeCommandStatus(params []byte) (CommandStatus, error) {
	if len(params) < 4 {
		return CommandStatus{}, fmt.Errorf("hci: short command-status")
	}
	return CommandStatus{
		Status:               params[0],
		NumHCICommandPackets: params[1],
		Opcode:               Opcode(uint16(params[2]) | uint16(params[3])<<8),
	}, nil
}

// DisconnectionComplete is the decoded body of a Disconnection_Complete
// event.
type DisconnectionComplete struct {
	Status        uint8
	ConnHandle    uint16
	Reason        uint8
}

func DecodeDisconnectionComplete(params []byte) (DisconnectionComplete, error) {
	if len(params) < 4 {
		return DisconnectionComplete{}, fmt.Errorf("hci: short disconnection-complete")
	}
	return DisconnectionComplete{
		Status:     params[0],
		ConnHandle: uint16(params[1]) | uint16(params[2])<<8,
		Reason:     params[3],
	}, nil
}

// LEConnectionComplete is the decoded body of the LE_Connection_Complete
// (and, field-for-field, LE_Enhanced_Connection_Complete) subevent.
type LEConnectionComplete struct {
	Status          uint8
	ConnHandle      uint16
	Role            uint8
	PeerAddrType    uint8
	PeerAddr        codec.Address
	ConnInterval    uint16
	ConnLatency     uint16
	SupervisionTimeout uint16
}

func DecodeLEConnectionComplete(params []byte) (LEConnectionComplete, error) {
	if len(params) < 18 {
		return LEConnectionComplete{}, fmt.Errorf("hci: short LE connection-complete")
	}
	r := codec.NewReader(params)
	status, _ := r.U8()
	handle, _ := r.U16()
	role, _ := r.U8()
	peerType, _ := r.U8()
	addrBytes, _ := r.ReadN(6)
	var hciBytes [6]byte
	copy(hciBytes[:], addrBytes)
	interval, _ := r.U16()
	latency, _ := r.U16()
	timeout, _ := r.U16()
	return LEConnectionComplete{
		Status:             status,
		ConnHandle:         handle,
		Role:               role,
		PeerAddrType:       peerType,
		PeerAddr:           codec.AddressFromHCI(hciBytes),
		ConnInterval:       interval,
		ConnLatency:        latency,
		SupervisionTimeout: timeout,
	}, nil
}

// Legacy advertising event-type codes carried in LEAdvertisingReport.EventType.
const (
	AdvEventInd        uint8 = 0x00 // ADV_IND: connectable, scannable
	AdvEventDirectInd  uint8 = 0x01 // ADV_DIRECT_IND: connectable, not scannable
	AdvEventScanInd    uint8 = 0x02 // ADV_SCAN_IND: scannable, not connectable
	AdvEventNonconnInd uint8 = 0x03 // ADV_NONCONN_IND: neither
	AdvEventScanResponse uint8 = 0x04
)

// LEAdvertisingReport is one device report decoded from the
// LE_Advertising_Report subevent, which may carry several back-to-back.
type LEAdvertisingReport struct {
	EventType uint8
	AddrType  uint8
	Addr      codec.Address
	Data      []byte
	RSSI      int8
}

// DecodeLEAdvertisingReports splits the subevent params (one leading count
// byte, then per-report fixed fields + variable data + trailing RSSI) into
// individual reports.
func DecodeLEAdvertisingReports(params []byte) ([]LEAdvertisingReport, error) {
	if len(params) < 1 {
		return nil, fmt.Errorf("hci: short advertising-report count")
	}
	count := int(params[0])
	r := codec.NewReader(params[1:])

	eventTypes := make([]uint8, count)
	addrTypes := make([]uint8, count)
	addrs := make([]codec.Address, count)
	for i := 0; i < count; i++ {
		v, err := r.U8()
		if err != nil {
			return nil, err
		}
		eventTypes[i] = v
	}
	for i := 0; i < count; i++ {
		v, err := r.U8()
		if err != nil {
			return nil, err
		}
		addrTypes[i] = v
	}
	for i := 0; i < count; i++ {
		b, err := r.ReadN(6)
		if err != nil {
			return nil, err
		}
		var hciBytes [6]byte
		copy(hciBytes[:], b)
		addrs[i] = codec.AddressFromHCI(hciBytes)
	}
	lens := make([]uint8, count)
	for i := 0; i < count; i++ {
		v, err := r.U8()
		if err != nil {
			return nil, err
		}
		lens[i] = v
	}
	datas := make([][]byte, count)
	for i := 0; i < count; i++ {
		b, err := r.ReadN(int(lens[i]))
		if err != nil {
			return nil, err
		}
		datas[i] = append([]byte(nil), b...)
	}
	reports := make([]LEAdvertisingReport, count)
	for i := 0; i < count; i++ {
		rssi, err := r.U8()
		if err != nil {
			return nil, err
		}
		reports[i] = LEAdvertisingReport{
			EventType: eventTypes[i],
			AddrType:  addrTypes[i],
			Addr:      addrs[i],
			Data:      datas[i],
			RSSI:      int8(rssi),
		}
	}
	return reports, nil
}
