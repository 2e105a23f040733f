package att

import (
	"testing"

	"github.com/srg/bthost/internal/codec"
	"github.com/stretchr/testify/require"
)

func TestErrorResponseRoundTrip(t *testing.T) {
	want := ErrorResponse{RequestOpcode: OpReadRequest, Handle: 0x002A, Code: ErrInsufficientEncryption}
	got, err := DecodeErrorResponse(EncodeErrorResponse(want))
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestExchangeMTURoundTrip(t *testing.T) {
	req := EncodeExchangeMTURequest(247)
	mtu, err := DecodeExchangeMTU(req)
	require.NoError(t, err)
	require.EqualValues(t, 247, mtu)
}

func TestFindInformationResponse16Bit(t *testing.T) {
	b := []byte{uint8(OpFindInformationResponse), 0x01,
		0x01, 0x00, 0x00, 0x28, // handle 1, UUID 0x2800
		0x02, 0x00, 0x03, 0x28, // handle 2, UUID 0x2803
	}
	pairs, err := DecodeFindInformationResponse(b)
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	require.Equal(t, uint16(1), pairs[0].Handle)
	require.Equal(t, "2800", pairs[0].UUID.String())
	require.Equal(t, uint16(2), pairs[1].Handle)
	require.Equal(t, "2803", pairs[1].UUID.String())
}

func TestReadByGroupTypeResponsePrimaryServices(t *testing.T) {
	// Two services: [0x0001-0x0009] UUID 0x1800, [0x000A-0x000D] UUID 0x1801.
	b := []byte{uint8(OpReadByGroupTypeResponse), 6,
		0x01, 0x00, 0x09, 0x00, 0x00, 0x18,
		0x0A, 0x00, 0x0D, 0x00, 0x01, 0x18,
	}
	groups, err := DecodeReadByGroupTypeResponse(b)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	require.Equal(t, uint16(1), groups[0].Handle)
	require.Equal(t, uint16(9), groups[0].EndGroup)
	uuid0, _ := codec.ParseUUIDLE(groups[0].Value, codec.UUID16)
	require.Equal(t, "1800", uuid0.String())
}

func TestCharacteristicDeclarationDecode(t *testing.T) {
	value := []byte{0x12, 0x03, 0x00, 0x00, 0x2A} // notify|read props, value handle 0x03
	cd, err := DecodeCharacteristicDeclaration(value)
	require.NoError(t, err)
	require.EqualValues(t, 0x12, cd.Properties)
	require.Equal(t, uint16(3), cd.ValueHandle)
	require.Equal(t, "2a00", cd.UUID.String())
}

func TestReadResponseAndBlobRoundTrip(t *testing.T) {
	readReq := EncodeReadRequest(0x0010)
	require.Equal(t, []byte{uint8(OpReadRequest), 0x10, 0x00}, readReq)

	resp := append([]byte{uint8(OpReadResponse)}, []byte("hello")...)
	val, err := DecodeReadResponse(resp)
	require.NoError(t, err)
	require.Equal(t, "hello", string(val))

	blobReq := EncodeReadBlobRequest(0x0010, 5)
	require.Equal(t, []byte{uint8(OpReadBlobRequest), 0x10, 0x00, 0x05, 0x00}, blobReq)
}

func TestWriteRequestAndCommandEncoding(t *testing.T) {
	req := EncodeWriteRequest(0x0020, []byte{0x01})
	require.Equal(t, []byte{uint8(OpWriteRequest), 0x20, 0x00, 0x01}, req)

	cmd := EncodeWriteCommand(0x0020, []byte{0x01})
	require.Equal(t, []byte{uint8(OpWriteCommand), 0x20, 0x00, 0x01}, cmd)
}

func TestPrepareAndExecuteWrite(t *testing.T) {
	req := EncodePrepareWriteRequest(0x0030, 2, []byte{0xAA, 0xBB})
	require.Equal(t, []byte{uint8(OpPrepareWriteRequest), 0x30, 0x00, 0x02, 0x00, 0xAA, 0xBB}, req)

	resp := append([]byte{uint8(OpPrepareWriteResponse), 0x30, 0x00, 0x02, 0x00}, []byte{0xAA, 0xBB}...)
	got, err := DecodePrepareWriteResponse(resp)
	require.NoError(t, err)
	require.Equal(t, uint16(0x0030), got.Handle)
	require.Equal(t, uint16(2), got.Offset)
	require.Equal(t, []byte{0xAA, 0xBB}, got.Value)

	exec := EncodeExecuteWriteRequest(ExecuteWriteCommit)
	require.Equal(t, []byte{uint8(OpExecuteWriteRequest), 0x01}, exec)
}

func TestHandleValueNotificationAndIndication(t *testing.T) {
	ntf := append([]byte{uint8(OpHandleValueNotification), 0x15, 0x00}, []byte{0x4E, 0x00, 0x00, 0x00}...)
	hv, err := DecodeHandleValueNotification(ntf)
	require.NoError(t, err)
	require.Equal(t, uint16(0x0015), hv.Handle)
	require.Equal(t, []byte{0x4E, 0x00, 0x00, 0x00}, hv.Value)

	ind := append([]byte{uint8(OpHandleValueIndication), 0x16, 0x00}, []byte{0x01}...)
	hv2, err := DecodeHandleValueIndication(ind)
	require.NoError(t, err)
	require.Equal(t, uint16(0x0016), hv2.Handle)

	require.Equal(t, []byte{uint8(OpHandleValueConfirmation)}, EncodeHandleValueConfirmation())
}
