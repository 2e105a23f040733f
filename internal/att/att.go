// Package att implements the Attribute Protocol PDU codec: opcode
// constants and encode/decode functions for every PDU the engine submits
// or must recognize on an L2CAP ATT pipe (Bluetooth Core Vol 3 Part F).
package att

import (
	"fmt"

	"github.com/srg/bthost/internal/codec"
)

// Opcode identifies one ATT PDU.
type Opcode uint8

const (
	OpErrorResponse Opcode = 0x01

	OpExchangeMTURequest  Opcode = 0x02
	OpExchangeMTUResponse Opcode = 0x03

	OpFindInformationRequest  Opcode = 0x04
	OpFindInformationResponse Opcode = 0x05

	OpFindByTypeValueRequest  Opcode = 0x06
	OpFindByTypeValueResponse Opcode = 0x07

	OpReadByTypeRequest  Opcode = 0x08
	OpReadByTypeResponse Opcode = 0x09

	OpReadRequest  Opcode = 0x0A
	OpReadResponse Opcode = 0x0B

	OpReadBlobRequest  Opcode = 0x0C
	OpReadBlobResponse Opcode = 0x0D

	OpReadByGroupTypeRequest  Opcode = 0x10
	OpReadByGroupTypeResponse Opcode = 0x11

	OpWriteRequest  Opcode = 0x12
	OpWriteResponse Opcode = 0x13

	OpPrepareWriteRequest  Opcode = 0x16
	OpPrepareWriteResponse Opcode = 0x17
	OpExecuteWriteRequest  Opcode = 0x18
	OpExecuteWriteResponse Opcode = 0x19

	OpHandleValueNotification Opcode = 0x1B
	OpHandleValueIndication   Opcode = 0x1D
	OpHandleValueConfirmation Opcode = 0x1E

	OpWriteCommand Opcode = 0x52
)

// Error codes carried by an Error Response, per Core Vol 3 Part F §3.4.1.1.
const (
	ErrInvalidHandle                 uint8 = 0x01
	ErrReadNotPermitted               uint8 = 0x02
	ErrWriteNotPermitted               uint8 = 0x03
	ErrInvalidPDU                     uint8 = 0x04
	ErrInsufficientAuthentication     uint8 = 0x05
	ErrRequestNotSupported            uint8 = 0x06
	ErrInvalidOffset                  uint8 = 0x07
	ErrInsufficientAuthorization      uint8 = 0x08
	ErrPrepareQueueFull               uint8 = 0x09
	ErrAttributeNotFound              uint8 = 0x0A
	ErrAttributeNotLong               uint8 = 0x0B
	ErrInsufficientEncryptionKeySize  uint8 = 0x0C
	ErrInvalidAttributeValueLength    uint8 = 0x0D
	ErrUnlikelyError                  uint8 = 0x0E
	ErrInsufficientEncryption         uint8 = 0x0F
	ErrUnsupportedGroupType           uint8 = 0x10
	ErrInsufficientResources          uint8 = 0x11
)

// GATT declaration and descriptor UUIDs used while walking the database.
var (
	UUIDPrimaryService    = codec.UUIDFrom16(0x2800)
	UUIDSecondaryService  = codec.UUIDFrom16(0x2801)
	UUIDCharacteristic    = codec.UUIDFrom16(0x2803)
	UUIDCCCD              = codec.UUIDFrom16(0x2902)
)

// ErrorResponse is the decoded body of OpErrorResponse.
type ErrorResponse struct {
	RequestOpcode Opcode
	Handle        uint16
	Code          uint8
}

func (e ErrorResponse) Error() string {
	return fmt.Sprintf("att: error 0x%02x on opcode 0x%02x handle 0x%04x", e.Code, e.RequestOpcode, e.Handle)
}

func EncodeErrorResponse(e ErrorResponse) []byte {
	w := codec.NewWriter(5)
	w.PutU8(uint8(OpErrorResponse))
	w.PutU8(uint8(e.RequestOpcode))
	w.PutU16(e.Handle)
	w.PutU8(e.Code)
	return w.Written()
}

func DecodeErrorResponse(b []byte) (ErrorResponse, error) {
	if len(b) < 5 || Opcode(b[0]) != OpErrorResponse {
		return ErrorResponse{}, fmt.Errorf("att: malformed error response")
	}
	r := codec.NewReader(b[1:])
	op, _ := r.U8()
	handle, _ := r.U16()
	code, _ := r.U8()
	return ErrorResponse{RequestOpcode: Opcode(op), Handle: handle, Code: code}, nil
}

// EncodeExchangeMTURequest/Response carry the sender's receive MTU.
func EncodeExchangeMTURequest(mtu uint16) []byte {
	w := codec.NewWriter(3)
	w.PutU8(uint8(OpExchangeMTURequest))
	w.PutU16(mtu)
	return w.Written()
}

func DecodeExchangeMTU(b []byte) (uint16, error) {
	if len(b) < 3 {
		return 0, fmt.Errorf("att: short exchange-mtu pdu")
	}
	return uint16(b[1]) | uint16(b[2])<<8, nil
}

func EncodeExchangeMTUResponse(mtu uint16) []byte {
	w := codec.NewWriter(3)
	w.PutU8(uint8(OpExchangeMTUResponse))
	w.PutU16(mtu)
	return w.Written()
}

// EncodeFindInformationRequest asks for attribute handle/type pairs in
// [startHandle, endHandle].
func EncodeFindInformationRequest(startHandle, endHandle uint16) []byte {
	w := codec.NewWriter(5)
	w.PutU8(uint8(OpFindInformationRequest))
	w.PutU16(startHandle)
	w.PutU16(endHandle)
	return w.Written()
}

// HandleUUIDPair is one element of a Find Information Response.
type HandleUUIDPair struct {
	Handle uint16
	UUID   codec.UUID
}

// DecodeFindInformationResponse decodes the response's format byte (1 =
// 16-bit UUIDs, 2 = 128-bit UUIDs) and its handle/UUID pairs.
func DecodeFindInformationResponse(b []byte) ([]HandleUUIDPair, error) {
	if len(b) < 2 || Opcode(b[0]) != OpFindInformationResponse {
		return nil, fmt.Errorf("att: malformed find-information response")
	}
	format := b[1]
	var uuidSize codec.UUIDSize
	switch format {
	case 1:
		uuidSize = codec.UUID16
	case 2:
		uuidSize = codec.UUID128
	default:
		return nil, fmt.Errorf("att: unknown find-information format %d", format)
	}
	r := codec.NewReader(b[2:])
	stride := 2 + int(uuidSize)
	var out []HandleUUIDPair
	for r.Remaining() >= stride {
		handle, _ := r.U16()
		raw, _ := r.ReadN(int(uuidSize))
		u, err := codec.ParseUUIDLE(raw, uuidSize)
		if err != nil {
			return nil, err
		}
		out = append(out, HandleUUIDPair{Handle: handle, UUID: u})
	}
	return out, nil
}

// EncodeReadByGroupTypeRequest walks primary/secondary service declarations.
func EncodeReadByGroupTypeRequest(startHandle, endHandle uint16, groupType codec.UUID) []byte {
	ub := groupType.Bytes()
	w := codec.NewWriter(5 + len(ub))
	w.PutU8(uint8(OpReadByGroupTypeRequest))
	w.PutU16(startHandle)
	w.PutU16(endHandle)
	w.PutBytes(ub)
	return w.Written()
}

// GroupAttributeData is one service range from a Read By Group Type
// Response.
type GroupAttributeData struct {
	Handle    uint16
	EndGroup  uint16
	Value     []byte
}

func DecodeReadByGroupTypeResponse(b []byte) ([]GroupAttributeData, error) {
	if len(b) < 2 || Opcode(b[0]) != OpReadByGroupTypeResponse {
		return nil, fmt.Errorf("att: malformed read-by-group-type response")
	}
	length := int(b[1])
	if length < 4 {
		return nil, fmt.Errorf("att: invalid group length %d", length)
	}
	r := codec.NewReader(b[2:])
	valueLen := length - 4
	var out []GroupAttributeData
	for r.Remaining() >= length {
		handle, _ := r.U16()
		endGroup, _ := r.U16()
		val, _ := r.ReadN(valueLen)
		out = append(out, GroupAttributeData{Handle: handle, EndGroup: endGroup, Value: append([]byte(nil), val...)})
	}
	return out, nil
}

// EncodeReadByTypeRequest walks attributes of a given type, used for
// characteristic declaration discovery within a service range.
func EncodeReadByTypeRequest(startHandle, endHandle uint16, attrType codec.UUID) []byte {
	ub := attrType.Bytes()
	w := codec.NewWriter(5 + len(ub))
	w.PutU8(uint8(OpReadByTypeRequest))
	w.PutU16(startHandle)
	w.PutU16(endHandle)
	w.PutBytes(ub)
	return w.Written()
}

// AttributeData is one element of a Read By Type Response.
type AttributeData struct {
	Handle uint16
	Value  []byte
}

func DecodeReadByTypeResponse(b []byte) ([]AttributeData, error) {
	if len(b) < 2 || Opcode(b[0]) != OpReadByTypeResponse {
		return nil, fmt.Errorf("att: malformed read-by-type response")
	}
	length := int(b[1])
	if length < 2 {
		return nil, fmt.Errorf("att: invalid attribute-data length %d", length)
	}
	r := codec.NewReader(b[2:])
	valueLen := length - 2
	var out []AttributeData
	for r.Remaining() >= length {
		handle, _ := r.U16()
		val, _ := r.ReadN(valueLen)
		out = append(out, AttributeData{Handle: handle, Value: append([]byte(nil), val...)})
	}
	return out, nil
}

// CharacteristicDeclaration decodes a 0x2803 characteristic declaration
// value: properties, value handle, UUID.
type CharacteristicDeclaration struct {
	Properties uint8
	ValueHandle uint16
	UUID       codec.UUID
}

func DecodeCharacteristicDeclaration(value []byte) (CharacteristicDeclaration, error) {
	if len(value) < 5 {
		return CharacteristicDeclaration{}, fmt.Errorf("att: short characteristic declaration")
	}
	r := codec.NewReader(value)
	props, _ := r.U8()
	handle, _ := r.U16()
	rest := r.Remaining()
	var size codec.UUIDSize
	switch len(rest) {
	case 2:
		size = codec.UUID16
	case 16:
		size = codec.UUID128
	default:
		return CharacteristicDeclaration{}, fmt.Errorf("att: unexpected characteristic UUID length %d", len(rest))
	}
	u, err := codec.ParseUUIDLE(rest, size)
	if err != nil {
		return CharacteristicDeclaration{}, err
	}
	return CharacteristicDeclaration{Properties: props, ValueHandle: handle, UUID: u}, nil
}

func EncodeReadRequest(handle uint16) []byte {
	w := codec.NewWriter(3)
	w.PutU8(uint8(OpReadRequest))
	w.PutU16(handle)
	return w.Written()
}

func DecodeReadResponse(b []byte) ([]byte, error) {
	if len(b) < 1 || Opcode(b[0]) != OpReadResponse {
		return nil, fmt.Errorf("att: malformed read response")
	}
	return b[1:], nil
}

func EncodeReadBlobRequest(handle, offset uint16) []byte {
	w := codec.NewWriter(5)
	w.PutU8(uint8(OpReadBlobRequest))
	w.PutU16(handle)
	w.PutU16(offset)
	return w.Written()
}

func DecodeReadBlobResponse(b []byte) ([]byte, error) {
	if len(b) < 1 || Opcode(b[0]) != OpReadBlobResponse {
		return nil, fmt.Errorf("att: malformed read-blob response")
	}
	return b[1:], nil
}

func EncodeWriteRequest(handle uint16, value []byte) []byte {
	w := codec.NewWriter(3 + len(value))
	w.PutU8(uint8(OpWriteRequest))
	w.PutU16(handle)
	w.PutBytes(value)
	return w.Written()
}

func EncodeWriteCommand(handle uint16, value []byte) []byte {
	w := codec.NewWriter(3 + len(value))
	w.PutU8(uint8(OpWriteCommand))
	w.PutU16(handle)
	w.PutBytes(value)
	return w.Written()
}

func EncodePrepareWriteRequest(handle, offset uint16, value []byte) []byte {
	w := codec.NewWriter(5 + len(value))
	w.PutU8(uint8(OpPrepareWriteRequest))
	w.PutU16(handle)
	w.PutU16(offset)
	w.PutBytes(value)
	return w.Written()
}

// PrepareWriteResponse mirrors the request's handle/offset/value so the
// caller can verify the controller queued exactly what was sent.
type PrepareWriteResponse struct {
	Handle uint16
	Offset uint16
	Value  []byte
}

func DecodePrepareWriteResponse(b []byte) (PrepareWriteResponse, error) {
	if len(b) < 5 || Opcode(b[0]) != OpPrepareWriteResponse {
		return PrepareWriteResponse{}, fmt.Errorf("att: malformed prepare-write response")
	}
	r := codec.NewReader(b[1:])
	handle, _ := r.U16()
	offset, _ := r.U16()
	return PrepareWriteResponse{Handle: handle, Offset: offset, Value: r.Remaining()}, nil
}

func EncodeExecuteWriteRequest(flags uint8) []byte {
	w := codec.NewWriter(2)
	w.PutU8(uint8(OpExecuteWriteRequest))
	w.PutU8(flags)
	return w.Written()
}

const (
	ExecuteWriteCancel uint8 = 0x00
	ExecuteWriteCommit uint8 = 0x01
)

// HandleValue is the decoded shape shared by notifications and
// indications.
type HandleValue struct {
	Handle uint16
	Value  []byte
}

func DecodeHandleValueNotification(b []byte) (HandleValue, error) {
	return decodeHandleValue(b, OpHandleValueNotification)
}

func DecodeHandleValueIndication(b []byte) (HandleValue, error) {
	return decodeHandleValue(b, OpHandleValueIndication)
}

func decodeHandleValue(b []byte, want Opcode) (HandleValue, error) {
	if len(b) < 3 || Opcode(b[0]) != want {
		return HandleValue{}, fmt.Errorf("att: malformed handle-value pdu")
	}
	r := codec.NewReader(b[1:])
	handle, _ := r.U16()
	return HandleValue{Handle: handle, Value: r.Remaining()}, nil
}

func EncodeHandleValueConfirmation() []byte {
	return []byte{uint8(OpHandleValueConfirmation)}
}
