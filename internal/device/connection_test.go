package device

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/srg/bthost/internal/adapter"
	"github.com/srg/bthost/internal/att"
	"github.com/srg/bthost/internal/codec"
	"github.com/srg/bthost/internal/gatt"
)

// fakePeerPipe is a gatt.Pipe whose Write synchronously computes a server
// reply via handler and whose Read drains the resulting response queue,
// grounded in internal/gatt's own fake-peer test harness.
type fakePeerPipe struct {
	mu      sync.Mutex
	out     chan []byte
	handler func(req []byte) []byte
}

func newFakePeerPipe(handler func(req []byte) []byte) *fakePeerPipe {
	return &fakePeerPipe{out: make(chan []byte, 16), handler: handler}
}

func (f *fakePeerPipe) Write(pdu []byte) error {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if resp := h(pdu); resp != nil {
		f.out <- resp
	}
	return nil
}

func (f *fakePeerPipe) Read(timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		return <-f.out, nil
	}
	select {
	case msg := <-f.out:
		return msg, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("timeout")
	}
}

func attrNotFound(reqOp att.Opcode, handle uint16) []byte {
	return att.EncodeErrorResponse(att.ErrorResponse{RequestOpcode: reqOp, Handle: handle, Code: att.ErrAttributeNotFound})
}

// heartRatePeer serves a single Heart Rate service (0x180D, handles 1..4)
// exposing one notifying Heart Rate Measurement characteristic (0x2A37,
// decl handle 2, value handle 3, CCCD at handle 4).
func heartRatePeer(t *testing.T) gatt.Pipe {
	return newFakePeerPipe(func(req []byte) []byte {
		switch att.Opcode(req[0]) {
		case att.OpExchangeMTURequest:
			return []byte{uint8(att.OpExchangeMTUResponse), 0xB7, 0x00}
		case att.OpReadByGroupTypeRequest:
			start := codec.GetUint16(req[1:3])
			if start != 1 {
				return attrNotFound(att.OpReadByGroupTypeRequest, start)
			}
			resp := []byte{uint8(att.OpReadByGroupTypeResponse), 6}
			resp = append(resp, codec.PutUint16(1)...)
			resp = append(resp, codec.PutUint16(4)...)
			resp = append(resp, codec.UUIDFrom16(0x180D).Bytes()...)
			return resp
		case att.OpReadByTypeRequest:
			start := codec.GetUint16(req[1:3])
			if start != 1 {
				return attrNotFound(att.OpReadByTypeRequest, start)
			}
			value := append([]byte{gatt.PropNotify}, codec.PutUint16(3)...)
			value = append(value, codec.UUIDFrom16(0x2A37).Bytes()...)
			resp := []byte{uint8(att.OpReadByTypeResponse), byte(len(value) + 2)}
			resp = append(resp, codec.PutUint16(2)...)
			resp = append(resp, value...)
			return resp
		case att.OpFindInformationRequest:
			start := codec.GetUint16(req[1:3])
			if start != 4 {
				return attrNotFound(att.OpFindInformationRequest, start)
			}
			resp := []byte{uint8(att.OpFindInformationResponse), 1}
			resp = append(resp, codec.PutUint16(4)...)
			resp = append(resp, codec.UUIDFrom16(0x2902).Bytes()...)
			return resp
		case att.OpWriteRequest:
			return []byte{uint8(att.OpWriteResponse)}
		default:
			t.Fatalf("heartRatePeer: unexpected opcode %#x", req[0])
			return nil
		}
	})
}

// newTestConnection builds a BLEConnection over a fake GATT peer exposing
// the Heart Rate service, running discover() the way Adapter.ConnectDefault
// + BLEDevice.Connect would.
func newTestConnection(t *testing.T, opts *ConnectOptions) *BLEConnection {
	t.Helper()
	session := gatt.NewSession(heartRatePeer(t), gatt.DefaultConfig(), nil)
	t.Cleanup(session.Close)

	dev := &adapter.Device{GATT: session, State: adapter.DeviceReady}
	conn := NewBLEConnection(nil, dev, logrus.New())
	require.NoError(t, conn.discover(opts))
	return conn
}

func TestBLEConnectionDiscoversServiceAndCharacteristic(t *testing.T) {
	conn := newTestConnection(t, nil)

	svcs := conn.Services()
	require.Len(t, svcs, 1)
	require.Equal(t, "180d", svcs[0].UUID())

	char, err := conn.GetCharacteristic("180d", "2a37")
	require.NoError(t, err)
	require.Equal(t, "2a37", char.UUID())
	require.NotNil(t, char.GetProperties().Notify())
}

func TestBLEConnectionGetServiceNotFound(t *testing.T) {
	conn := newTestConnection(t, nil)

	_, err := conn.GetService("ffff")
	require.Error(t, err)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	require.Equal(t, "service", nf.Resource)
}

func TestBLEConnectionGetCharacteristicNotFound(t *testing.T) {
	conn := newTestConnection(t, nil)

	_, err := conn.GetCharacteristic("180d", "2aff")
	require.Error(t, err)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	require.Equal(t, "characteristic", nf.Resource)
}

func TestBLEConnectionConnectOptionsEnablesCCCD(t *testing.T) {
	conn := newTestConnection(t, &ConnectOptions{
		Services: []SubscribeOptions{{Service: "180d"}},
	})

	char, err := conn.GetCharacteristic("180d", "2a37")
	require.NoError(t, err)
	bchar, ok := char.(*BLECharacteristic)
	require.True(t, ok)
	require.True(t, bchar.gatt.NotifyEnabled)
}

func TestBLEConnectionSubscribeSucceedsForNotifyCharacteristic(t *testing.T) {
	conn := newTestConnection(t, nil)

	err := conn.Subscribe([]*SubscribeOptions{
		{Service: "180d", Characteristics: []string{"2a37"}},
	}, StreamEveryUpdate, 0, func(*Record) {})
	require.NoError(t, err)
	conn.cancel()
}

func TestBLEConnectionSubscribeUnknownCharacteristic(t *testing.T) {
	conn := newTestConnection(t, nil)

	err := conn.Subscribe([]*SubscribeOptions{
		{Service: "180d", Characteristics: []string{"2aff"}},
	}, StreamEveryUpdate, 0, func(*Record) {
		t.Fatal("callback must not be invoked when validation fails")
	})
	require.Error(t, err)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestBLEConnectionSubscribeUnknownService(t *testing.T) {
	conn := newTestConnection(t, nil)

	err := conn.Subscribe([]*SubscribeOptions{
		{Service: "ffff", Characteristics: []string{"2a37"}},
	}, StreamEveryUpdate, 0, func(*Record) {
		t.Fatal("callback must not be invoked when validation fails")
	})
	require.Error(t, err)
}
