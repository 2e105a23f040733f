// Package hci implements the command/event engine against a raw HCI
// socket: command submission with synchronous reply semantics over the
// inherently asynchronous bus, a bounded reply ring, and typed LE-scan and
// LE-connect orchestration (spec.md §4.D).
package hci

// OGF/OCF opcode groups used by this stack. Opcode = OGF<<10 | OCF.
const (
	ogfLinkControl    = 0x01
	ogfHostController = 0x03
	ogfInfoParams     = 0x04
	ogfStatusParams   = 0x05
	ogfLEController   = 0x08

	ocfDisconnect = 0x0006

	ocfReset = 0x0003

	ocfReadLocalVersion  = 0x0001
	ocfReadLocalFeatures = 0x0003
	ocfReadBDADDR        = 0x0009

	ocfReadRSSI = 0x0005

	ocfLESetScanParameters  = 0x000B
	ocfLESetScanEnable      = 0x000C
	ocfLECreateConnection   = 0x000D
	ocfLECreateConnCancel   = 0x000E
	ocfLEConnUpdate         = 0x0013
	ocfLEReadLocalFeatures  = 0x0003
	ocfLEStartEncryption    = 0x0019
	ocfLELongTermKeyReply   = 0x001A
)

// Opcode identifies one HCI command.
type Opcode uint16

func mkOpcode(ogf, ocf uint16) Opcode { return Opcode(ogf<<10 | ocf) }

var (
	OpDisconnect = mkOpcode(ogfLinkControl, ocfDisconnect)
	OpReset      = mkOpcode(ogfHostController, ocfReset)

	OpReadLocalVersion  = mkOpcode(ogfInfoParams, ocfReadLocalVersion)
	OpReadLocalFeatures = mkOpcode(ogfInfoParams, ocfReadLocalFeatures)
	OpReadBDADDR        = mkOpcode(ogfInfoParams, ocfReadBDADDR)

	OpReadRSSI = mkOpcode(ogfStatusParams, ocfReadRSSI)

	OpLESetScanParameters = mkOpcode(ogfLEController, ocfLESetScanParameters)
	OpLESetScanEnable     = mkOpcode(ogfLEController, ocfLESetScanEnable)
	OpLECreateConnection  = mkOpcode(ogfLEController, ocfLECreateConnection)
	OpLECreateConnCancel  = mkOpcode(ogfLEController, ocfLECreateConnCancel)
	OpLEConnUpdate        = mkOpcode(ogfLEController, ocfLEConnUpdate)
	OpLEStartEncryption   = mkOpcode(ogfLEController, ocfLEStartEncryption)
	OpLELongTermKeyReply  = mkOpcode(ogfLEController, ocfLELongTermKeyReply)
)

// OpcodeClass groups opcodes that must serialize against one another
// because the controller itself treats them as a single pending operation
// (e.g. only one LE_Create_Connection may be outstanding at a time). Most
// opcodes are their own class; a handful share one.
func (o Opcode) Class() Opcode {
	switch o {
	case OpLECreateConnection, OpLECreateConnCancel:
		return OpLECreateConnection
	default:
		return o
	}
}

// Event codes.
const (
	EvtDisconnectionComplete uint8 = 0x05
	EvtEncryptionChange      uint8 = 0x08
	EvtCommandComplete       uint8 = 0x0E
	EvtCommandStatus         uint8 = 0x0F
	EvtLEMeta                uint8 = 0x3E
)

// LE meta subevent codes, per Core spec Vol 4 Part E §7.7.65.
const (
	SubevtLEConnectionComplete        uint8 = 0x01
	SubevtLEAdvertisingReport         uint8 = 0x02
	SubevtLEConnectionUpdateComplete  uint8 = 0x05
	SubevtLEEnhancedConnectionComplete uint8 = 0x0A
	SubevtLEExtendedAdvertisingReport uint8 = 0x0B
)

// Packet type prefix byte used on HCI_CHANNEL_RAW sockets ("H4" framing);
// HCI_CHANNEL_USER sockets omit it and this stack targets channel USER, but
// the constants are kept for sockets opened in RAW mode.
const (
	PacketTypeCommand uint8 = 0x01
	PacketTypeACLData  uint8 = 0x02
	PacketTypeEvent    uint8 = 0x04
)
