package smp

import (
	"sync"
	"testing"
	"time"

	"github.com/srg/bthost/internal/codec"
	"github.com/srg/bthost/internal/hci"
	"github.com/stretchr/testify/require"
)

// fakeEncryptor is a minimal HCIEncryptor double that lets tests script the
// controller's response to StartEncryption by injecting an
// EvtEncryptionChange event (or nothing, to exercise the timeout path).
type fakeEncryptor struct {
	mu        sync.Mutex
	listeners map[uint64]hci.ListenerFunc
	nextID    uint64

	startErr      error
	injectOnStart func(handle uint16) (params []byte, ok bool)
}

func newFakeEncryptor() *fakeEncryptor {
	return &fakeEncryptor{listeners: make(map[uint64]hci.ListenerFunc)}
}

func (f *fakeEncryptor) StartEncryption(handle uint16, rand uint64, ediv uint16, ltk [16]byte) error {
	if f.startErr != nil {
		return f.startErr
	}
	if f.injectOnStart != nil {
		if params, ok := f.injectOnStart(handle); ok {
			f.mu.Lock()
			snapshot := make([]hci.ListenerFunc, 0, len(f.listeners))
			for _, fn := range f.listeners {
				snapshot = append(snapshot, fn)
			}
			f.mu.Unlock()
			ev := hci.Event{Code: hci.EvtEncryptionChange, Params: params}
			for _, fn := range snapshot {
				fn(ev)
			}
		}
	}
	return nil
}

func (f *fakeEncryptor) Subscribe(code uint8, handle *uint16, fn hci.ListenerFunc) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.listeners[id] = fn
	return id
}

func (f *fakeEncryptor) Unsubscribe(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.listeners, id)
}

func peerAddr(t *testing.T) codec.Address {
	t.Helper()
	addr, err := codec.ParseAddress("52:AC:AD:2C:37:37")
	require.NoError(t, err)
	return addr
}

// TestFastPathCompletesOnEncryptionChange grounds spec.md §4.G's "given a
// valid persisted key bin for peer P, connecting to P triggers
// PAIRING_STATE = COMPLETED, MODE = PRE_PAIRED".
func TestFastPathCompletesOnEncryptionChange(t *testing.T) {
	enc := newFakeEncryptor()
	enc.injectOnStart = func(handle uint16) ([]byte, bool) {
		return []byte{0x00, byte(handle), byte(handle >> 8), 0x01}, true
	}

	e := NewEngine(peerAddr(t), 0, 0x0040)
	var states []State
	e.OnStateChanged(func(s State, m Mode) { states = append(states, s) })

	kb := KeyBin{
		Address:      peerAddr(t),
		ResponderLTK: LTKRecord{Present: true, EDIV: 7, Rand: 99, LTK: [16]byte{1}},
	}
	err := e.TryFastPath(enc, kb, time.Second)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, e.State())
	require.Contains(t, states, StatePrePaired)
	require.Equal(t, StateCompleted, states[len(states)-1])
}

func TestFastPathFailsWithoutResponderLTK(t *testing.T) {
	enc := newFakeEncryptor()
	e := NewEngine(peerAddr(t), 0, 0x0040)
	err := e.TryFastPath(enc, KeyBin{}, time.Second)
	require.Error(t, err)
}

// TestFastPathFailsOnEncryptionChangeError grounds the "controller rejects
// the stored key" failure edge case.
func TestFastPathFailsOnEncryptionChangeError(t *testing.T) {
	enc := newFakeEncryptor()
	enc.injectOnStart = func(handle uint16) ([]byte, bool) {
		return []byte{0x05, byte(handle), byte(handle >> 8), 0x00}, true
	}
	e := NewEngine(peerAddr(t), 0, 0x0040)
	kb := KeyBin{ResponderLTK: LTKRecord{Present: true, LTK: [16]byte{1}}}
	err := e.TryFastPath(enc, kb, time.Second)
	require.Error(t, err)
	require.Equal(t, StateFailed, e.State())
}

func TestFastPathTimesOutWithoutControllerEvent(t *testing.T) {
	enc := newFakeEncryptor() // never injects an encryption-change event
	e := NewEngine(peerAddr(t), 0, 0x0040)
	kb := KeyBin{ResponderLTK: LTKRecord{Present: true, LTK: [16]byte{1}}}
	err := e.TryFastPath(enc, kb, 20*time.Millisecond)
	require.Error(t, err)
	require.Equal(t, StateFailed, e.State())
}

// TestFeatureExchangeJustWorksGoesStraightToKeyDistribution grounds the
// association-model table's no-MITM branch.
func TestFeatureExchangeJustWorksGoesStraightToKeyDistribution(t *testing.T) {
	e := NewEngine(peerAddr(t), 0, 0x0041)
	e.BeginFeatureExchange()
	require.Equal(t, StateFeatureExchangeStarted, e.State())

	local := PairingRequest{IOCapability: IOCapNoInputNoOutput, AuthReq: 0x00}
	peer := PairingRequest{IOCapability: IOCapNoInputNoOutput, AuthReq: 0x00}
	e.CompleteFeatureExchange(local, peer, true)
	require.Equal(t, StateKeyDistribution, e.State())
}

// TestFeatureExchangeNumericCompare grounds the DisplayYesNo/DisplayYesNo
// MITM branch.
func TestFeatureExchangeNumericCompare(t *testing.T) {
	e := NewEngine(peerAddr(t), 0, 0x0042)
	local := PairingRequest{IOCapability: IOCapDisplayYesNo, AuthReq: 0x04}
	peer := PairingRequest{IOCapability: IOCapDisplayYesNo, AuthReq: 0x04}
	e.CompleteFeatureExchange(local, peer, true)
	require.Equal(t, StateNumericCompareExpected, e.State())

	require.NoError(t, e.SetPairingNumericCompare(true))
	require.Equal(t, StateKeyDistribution, e.State())
}

func TestFeatureExchangePasskeyEntry(t *testing.T) {
	e := NewEngine(peerAddr(t), 0, 0x0043)
	local := PairingRequest{IOCapability: IOCapDisplayOnly, AuthReq: 0x04}
	peer := PairingRequest{IOCapability: IOCapKeyboardOnly, AuthReq: 0x04}
	e.CompleteFeatureExchange(local, peer, true)
	require.Equal(t, StatePasskeyExpected, e.State())

	require.NoError(t, e.SetPairingPasskey(123456))
	require.Equal(t, StateKeyDistribution, e.State())
}

func TestSetPairingPasskeyRejectedOutsideExpectedState(t *testing.T) {
	e := NewEngine(peerAddr(t), 0, 0x0044)
	err := e.SetPairingPasskey(1)
	require.ErrorIs(t, err, ErrNotExpected)
}

func TestNumericCompareRejectionFailsPairing(t *testing.T) {
	e := NewEngine(peerAddr(t), 0, 0x0045)
	local := PairingRequest{IOCapability: IOCapDisplayYesNo, AuthReq: 0x04}
	peer := PairingRequest{IOCapability: IOCapDisplayYesNo, AuthReq: 0x04}
	e.CompleteFeatureExchange(local, peer, true)

	err := e.SetPairingNumericCompare(false)
	require.ErrorIs(t, err, ErrFailed)
	require.Equal(t, StateFailed, e.State())
}

// TestCompleteKeyDistributionPersistsKeys grounds "the engine calls back the
// adapter controller with the derived {LTK, CSRK} per role for persistence".
func TestCompleteKeyDistributionPersistsKeys(t *testing.T) {
	e := NewEngine(peerAddr(t), 1, 0x0046)
	var persisted KeyBin
	e.OnKeysDistributed(func(kb KeyBin) { persisted = kb })

	kb := KeyBin{
		Address:      peerAddr(t),
		AddressType:  1,
		ResponderLTK: LTKRecord{Present: true, LTK: [16]byte{7}},
	}
	e.CompleteKeyDistribution(kb)

	require.Equal(t, StateCompleted, e.State())
	require.Equal(t, peerAddr(t), persisted.Address)
	require.True(t, persisted.ResponderLTK.Present)
	require.NotZero(t, persisted.CreatedAt)
}

func TestPairingPDUEncodeDecodeRoundTrip(t *testing.T) {
	req := PairingRequest{
		IOCapability:             IOCapKeyboardDisplay,
		OOBDataFlag:              0,
		AuthReq:                  0x05,
		MaxEncryptionKeySize:     16,
		InitiatorKeyDistribution: 0x0D,
		ResponderKeyDistribution: 0x0D,
	}
	encoded := EncodePairingRequest(req)
	decoded, err := DecodePairingRequest(encoded)
	require.NoError(t, err)
	require.Equal(t, req, decoded)

	respEncoded := EncodePairingResponse(req)
	require.Equal(t, OpPairingResponse, respEncoded[0])
	respDecoded, err := DecodePairingResponse(respEncoded)
	require.NoError(t, err)
	require.Equal(t, req, respDecoded)
}

func TestPairingFailedRoundTrip(t *testing.T) {
	encoded := EncodePairingFailed(ReasonConfirmValueFailed)
	reason, err := DecodePairingFailed(encoded)
	require.NoError(t, err)
	require.Equal(t, ReasonConfirmValueFailed, reason)
}

func TestEncryptionInformationRoundTrip(t *testing.T) {
	var ltk [16]byte
	for i := range ltk {
		ltk[i] = byte(i + 1)
	}
	encoded := EncodeEncryptionInformation(ltk)
	decoded, err := DecodeEncryptionInformation(encoded)
	require.NoError(t, err)
	require.Equal(t, ltk, decoded)
}

func TestMasterIdentificationRoundTrip(t *testing.T) {
	encoded := EncodeMasterIdentification(0xABCD, 0x1122334455667788)
	ediv, rand, err := DecodeMasterIdentification(encoded)
	require.NoError(t, err)
	require.Equal(t, uint16(0xABCD), ediv)
	require.Equal(t, uint64(0x1122334455667788), rand)
}
