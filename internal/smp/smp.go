// Package smp implements the Security Manager pairing state machine, SMP
// PDU codec, and the persisted key-bin resumption path (spec.md §4.G). The
// actual cryptographic primitives (confirm/check value computation, ECDH)
// are assumed to be supplied elsewhere; this engine drives protocol state
// and key persistence around them.
package smp

import (
	"fmt"
	"sync"
	"time"

	"github.com/srg/bthost/internal/codec"
	"github.com/srg/bthost/internal/hci"
)

// PDU opcodes, Core Vol 3 Part H §3.3.
const (
	OpPairingRequest             uint8 = 0x01
	OpPairingResponse            uint8 = 0x02
	OpPairingConfirm             uint8 = 0x03
	OpPairingRandom              uint8 = 0x04
	OpPairingFailed              uint8 = 0x05
	OpEncryptionInformation      uint8 = 0x06
	OpMasterIdentification       uint8 = 0x07
	OpIdentityInformation        uint8 = 0x08
	OpIdentityAddressInformation uint8 = 0x09
	OpSigningInformation         uint8 = 0x0A
	OpSecurityRequest            uint8 = 0x0B
)

// IO capabilities, Core Vol 3 Part H §2.3.2.
const (
	IOCapDisplayOnly     uint8 = 0x00
	IOCapDisplayYesNo    uint8 = 0x01
	IOCapKeyboardOnly    uint8 = 0x02
	IOCapNoInputNoOutput uint8 = 0x03
	IOCapKeyboardDisplay uint8 = 0x04
)

// State is one node of the pairing state machine from spec.md §4.G.
type State int

const (
	StateNone State = iota
	StateFeatureExchangeStarted
	StateFeatureExchangeCompleted
	StatePasskeyExpected
	StateNumericCompareExpected
	StateOOBExpected
	StateKeyDistribution
	StateCompleted
	StateFailed
	StatePrePaired
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateFeatureExchangeStarted:
		return "feature_exchange_started"
	case StateFeatureExchangeCompleted:
		return "feature_exchange_completed"
	case StatePasskeyExpected:
		return "passkey_expected"
	case StateNumericCompareExpected:
		return "numeric_compare_expected"
	case StateOOBExpected:
		return "oob_expected"
	case StateKeyDistribution:
		return "key_distribution"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StatePrePaired:
		return "pre_paired"
	default:
		return "unknown"
	}
}

// Mode reports how pairing (or resumption) reached StateCompleted.
type Mode int

const (
	ModeNone Mode = iota
	ModeJustWorks
	ModePasskeyEntry
	ModeNumericCompare
	ModeOOB
	ModePrePaired
)

var (
	ErrNotExpected = fmt.Errorf("smp: response not expected in current state")
	ErrFailed      = fmt.Errorf("smp: pairing failed")
)

// PairingRequest/Response is the feature-exchange PDU body (opcode +
// io_capability + oob_data_flag + auth_req + max_enc_key_size +
// initiator_key_distribution + responder_key_distribution = 7 bytes).
type PairingRequest struct {
	IOCapability            uint8
	OOBDataFlag             uint8
	AuthReq                 uint8
	MaxEncryptionKeySize    uint8
	InitiatorKeyDistribution uint8
	ResponderKeyDistribution uint8
}

func EncodePairingRequest(p PairingRequest) []byte {
	return []byte{OpPairingRequest, p.IOCapability, p.OOBDataFlag, p.AuthReq, p.MaxEncryptionKeySize, p.InitiatorKeyDistribution, p.ResponderKeyDistribution}
}

func DecodePairingRequest(b []byte) (PairingRequest, error) {
	return decodePairingBody(b, OpPairingRequest)
}

func EncodePairingResponse(p PairingRequest) []byte {
	b := EncodePairingRequest(p)
	b[0] = OpPairingResponse
	return b
}

func DecodePairingResponse(b []byte) (PairingRequest, error) {
	return decodePairingBody(b, OpPairingResponse)
}

func decodePairingBody(b []byte, want uint8) (PairingRequest, error) {
	if len(b) < 7 || b[0] != want {
		return PairingRequest{}, fmt.Errorf("smp: malformed pairing pdu")
	}
	return PairingRequest{
		IOCapability:             b[1],
		OOBDataFlag:              b[2],
		AuthReq:                  b[3],
		MaxEncryptionKeySize:     b[4],
		InitiatorKeyDistribution: b[5],
		ResponderKeyDistribution: b[6],
	}, nil
}

// Pairing failure reason codes, Core Vol 3 Part H §3.5.5.
const (
	ReasonPasskeyEntryFailed uint8 = 0x01
	ReasonAuthenticationRequirements uint8 = 0x03
	ReasonConfirmValueFailed uint8 = 0x04
	ReasonUnspecifiedReason  uint8 = 0x08
)

func EncodePairingFailed(reason uint8) []byte { return []byte{OpPairingFailed, reason} }

func DecodePairingFailed(b []byte) (uint8, error) {
	if len(b) < 2 || b[0] != OpPairingFailed {
		return 0, fmt.Errorf("smp: malformed pairing-failed pdu")
	}
	return b[1], nil
}

func EncodeEncryptionInformation(ltk [16]byte) []byte {
	return append([]byte{OpEncryptionInformation}, ltk[:]...)
}

func DecodeEncryptionInformation(b []byte) ([16]byte, error) {
	var ltk [16]byte
	if len(b) < 17 || b[0] != OpEncryptionInformation {
		return ltk, fmt.Errorf("smp: malformed encryption-information pdu")
	}
	copy(ltk[:], b[1:17])
	return ltk, nil
}

func EncodeMasterIdentification(ediv uint16, rand uint64) []byte {
	w := []byte{OpMasterIdentification, byte(ediv), byte(ediv >> 8)}
	for i := 0; i < 8; i++ {
		w = append(w, byte(rand>>(8*i)))
	}
	return w
}

func DecodeMasterIdentification(b []byte) (ediv uint16, rand uint64, err error) {
	if len(b) < 11 || b[0] != OpMasterIdentification {
		return 0, 0, fmt.Errorf("smp: malformed master-identification pdu")
	}
	ediv = uint16(b[1]) | uint16(b[2])<<8
	for i := 0; i < 8; i++ {
		rand |= uint64(b[3+i]) << (8 * i)
	}
	return ediv, rand, nil
}

// Pipe is the SMP fixed-channel (CID 0x0006) byte transport; *l2cap.Pipe
// satisfies it.
type Pipe interface {
	Read(timeout time.Duration) ([]byte, error)
	Write(pdu []byte) error
}

// HCIEncryptor is the subset of *hci.Handler the fast path needs.
type HCIEncryptor interface {
	StartEncryption(handle uint16, rand uint64, ediv uint16, ltk [16]byte) error
	Subscribe(code uint8, handle *uint16, fn hci.ListenerFunc) uint64
	Unsubscribe(id uint64)
}

// KeyDistributedFunc persists the derived keys once KEY_DISTRIBUTION
// completes, per spec.md's "calls back the adapter controller" contract.
type KeyDistributedFunc func(KeyBin)

// StateChangedFunc reports every pairing-state transition.
type StateChangedFunc func(state State, mode Mode)

// Engine is the per-connection SMP state machine.
type Engine struct {
	peer     codec.Address
	peerType uint8
	handle   uint16

	mu    sync.Mutex
	state State
	mode  Mode

	secLevel SecurityLevel
	ioCap    uint8

	onStateChanged StateChangedFunc
	onKeys         KeyDistributedFunc
}

// NewEngine creates an Engine bound to one connected peer.
func NewEngine(peer codec.Address, peerType uint8, handle uint16) *Engine {
	return &Engine{peer: peer, peerType: peerType, handle: handle, state: StateNone}
}

// OnStateChanged installs the pairing-state listener.
func (e *Engine) OnStateChanged(fn StateChangedFunc) { e.onStateChanged = fn }

// OnKeysDistributed installs the key-persistence callback.
func (e *Engine) OnKeysDistributed(fn KeyDistributedFunc) { e.onKeys = fn }

// State returns the engine's current pairing state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State, m Mode) {
	e.mu.Lock()
	e.state = s
	e.mode = m
	cb := e.onStateChanged
	e.mu.Unlock()
	if cb != nil {
		cb(s, m)
	}
}

// SetConnSecurity pre-configures the desired security level and IO
// capability before pairing or resumption begins.
func (e *Engine) SetConnSecurity(level SecurityLevel, ioCap uint8) {
	e.mu.Lock()
	e.secLevel = level
	e.ioCap = ioCap
	e.mu.Unlock()
}

// TryFastPath attempts to resume encryption from a persisted key bin,
// taking the PRE_PAIRED → COMPLETED path on success. It blocks for the
// controller's encryption-change event, bounded by timeout.
func (e *Engine) TryFastPath(hciHandler HCIEncryptor, kb KeyBin, timeout time.Duration) error {
	if !kb.ResponderLTK.Present {
		return fmt.Errorf("smp: key bin has no responder LTK to resume from")
	}
	e.setState(StatePrePaired, ModePrePaired)

	result := make(chan error, 1)
	handle := e.handle
	id := hciHandler.Subscribe(hci.EvtEncryptionChange, &handle, func(ev hci.Event) {
		if len(ev.Params) < 4 {
			result <- fmt.Errorf("smp: short encryption-change event")
			return
		}
		status := ev.Params[0]
		encEnabled := ev.Params[3]
		if status != 0 || encEnabled == 0 {
			result <- fmt.Errorf("smp: encryption change failed (status=%d enabled=%d)", status, encEnabled)
			return
		}
		result <- nil
	})
	defer hciHandler.Unsubscribe(id)

	ltk := kb.ResponderLTK
	if err := hciHandler.StartEncryption(e.handle, ltk.Rand, ltk.EDIV, ltk.LTK); err != nil {
		e.setState(StateFailed, ModeNone)
		return err
	}

	select {
	case err := <-result:
		if err != nil {
			e.setState(StateFailed, ModeNone)
			return err
		}
		e.setState(StateCompleted, ModePrePaired)
		return nil
	case <-time.After(timeout):
		e.setState(StateFailed, ModeNone)
		return fmt.Errorf("smp: fast-path encryption timed out")
	}
}

// BeginFeatureExchange marks the start of an interactive pairing attempt
// (used when no usable key bin exists).
func (e *Engine) BeginFeatureExchange() {
	e.setState(StateFeatureExchangeStarted, ModeNone)
}

// CompleteFeatureExchange records the negotiated IO capabilities and
// advances to the mode-specific expectation state, or straight to key
// distribution for Just Works.
func (e *Engine) CompleteFeatureExchange(localReq, peerReq PairingRequest, weAreInitiator bool) {
	mode, next := classifyAssociationModel(localReq, peerReq)
	e.setState(StateFeatureExchangeCompleted, mode)
	e.setState(next, mode)
}

// classifyAssociationModel implements the IO-capability association-model
// table (Core Vol 3 Part H §2.3.5.1), collapsed to this engine's four
// outcomes since the actual confirm/check math is assumed elsewhere.
func classifyAssociationModel(a, b PairingRequest) (Mode, State) {
	oob := a.OOBDataFlag != 0 || b.OOBDataFlag != 0
	if oob {
		return ModeOOB, StateOOBExpected
	}
	mitm := a.AuthReq&0x04 != 0 || b.AuthReq&0x04 != 0
	if !mitm {
		return ModeJustWorks, StateKeyDistribution
	}
	noIO := func(c uint8) bool { return c == IOCapNoInputNoOutput }
	if noIO(a.IOCapability) || noIO(b.IOCapability) {
		return ModeJustWorks, StateKeyDistribution
	}
	displayYesNo := func(c uint8) bool { return c == IOCapDisplayYesNo }
	if displayYesNo(a.IOCapability) && displayYesNo(b.IOCapability) {
		return ModeNumericCompare, StateNumericCompareExpected
	}
	return ModePasskeyEntry, StatePasskeyExpected
}

// SetPairingPasskey supplies the user-entered passkey once the engine is in
// StatePasskeyExpected.
func (e *Engine) SetPairingPasskey(passkey uint32) error {
	if e.State() != StatePasskeyExpected {
		return ErrNotExpected
	}
	e.setState(StateKeyDistribution, ModePasskeyEntry)
	return nil
}

// SetPairingNumericCompare supplies the user's yes/no confirmation once the
// engine is in StateNumericCompareExpected.
func (e *Engine) SetPairingNumericCompare(confirmed bool) error {
	if e.State() != StateNumericCompareExpected {
		return ErrNotExpected
	}
	if !confirmed {
		e.setState(StateFailed, ModeNone)
		return ErrFailed
	}
	e.setState(StateKeyDistribution, ModeNumericCompare)
	return nil
}

// CompleteKeyDistribution finishes pairing, persists kb via the
// OnKeysDistributed callback, and transitions to StateCompleted.
func (e *Engine) CompleteKeyDistribution(kb KeyBin) {
	e.mu.Lock()
	mode := e.mode
	cb := e.onKeys
	e.mu.Unlock()
	kb.CreatedAt = stamp()
	if cb != nil {
		cb(kb)
	}
	e.setState(StateCompleted, mode)
}

// Fail moves the engine to StateFailed, e.g. on PairingFailed from the peer
// or an internal timeout.
func (e *Engine) Fail() {
	e.setState(StateFailed, ModeNone)
}
