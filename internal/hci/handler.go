package hci

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bthost/internal/ring"
)

// Failure kinds surfaced by SendCommand/SendWithReply, per spec.md §7.
var (
	ErrNotPowered     = errors.New("hci: not powered")
	ErrDisconnected   = errors.New("hci: disconnected")
	ErrTimeout        = errors.New("hci: timeout")
	ErrInternalFailure = errors.New("hci: internal failure")
	ErrIOError        = errors.New("hci: io error")
)

// Transport is the minimal socket surface the Handler needs; satisfied by
// *sockio.Socket in production and by a fake in tests.
type Transport interface {
	Read(buf []byte, timeout time.Duration) (int, error)
	Write(buf []byte) (int, error)
	Close() error
}

// Config carries the timeouts and ring size from spec.md §6.
type Config struct {
	CommandCompleteTimeout time.Duration
	CommandStatusTimeout   time.Duration
	RingSize               int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		CommandCompleteTimeout: 10 * time.Second,
		CommandStatusTimeout:   3 * time.Second,
		RingSize:               64,
	}
}

// ScanState is the LE-scan state machine from spec.md §4.D.
type ScanState int

const (
	ScanOff ScanState = iota
	ScanStarting
	ScanOn
	ScanStopping
)

func (s ScanState) String() string {
	switch s {
	case ScanOff:
		return "off"
	case ScanStarting:
		return "starting"
	case ScanOn:
		return "on"
	case ScanStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// ListenerFunc receives dispatched events outside the reader goroutine's
// critical section.
type ListenerFunc func(Event)

type listener struct {
	id     uint64
	handle *uint16 // nil means "all connection handles"
	fn     ListenerFunc
}

// Handler is the command/event engine bound to one HCI socket.
type Handler struct {
	cfg       Config
	transport Transport
	log       *logrus.Logger

	replies *ring.Ring[Event]
	events  chan Event

	mu             sync.Mutex
	closed         bool
	scanState      ScanState
	opcodeInFlight map[Opcode]bool
	opcodeCond     *sync.Cond
	nextListenerID uint64
	listeners      map[uint8][]listener // keyed by event code (or EvtLEMeta+subevent packed below)

	discoveringChanged func(enabled bool)

	wg sync.WaitGroup
}

// leListenerKey packs the LE-meta subevent into the upper byte so it can
// share the listeners map with plain event codes.
func leListenerKey(subevent uint8) uint8 { return subevent | 0x80 }

// New creates a Handler bound to transport and starts its reader and
// dispatcher goroutines.
func New(transport Transport, cfg Config, log *logrus.Logger) *Handler {
	if log == nil {
		log = logrus.New()
	}
	h := &Handler{
		cfg:            cfg,
		transport:      transport,
		log:            log,
		replies:        ring.New[Event](cfg.RingSize),
		events:         make(chan Event, cfg.RingSize),
		opcodeInFlight: make(map[Opcode]bool),
		listeners:      make(map[uint8][]listener),
	}
	h.opcodeCond = sync.NewCond(&h.mu)
	h.wg.Add(2)
	go h.readLoop()
	go h.dispatchLoop()
	return h
}

// Close shuts the handler down: closes the transport (waking the reader),
// closes the reply ring, and waits for the reader and dispatcher goroutines
// to exit.
func (h *Handler) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	err := h.transport.Close()
	h.replies.Close()
	h.wg.Wait()
	return err
}

// readLoop does nothing but read one HCI event and hand it to the
// dispatcher goroutine via h.events; it never decodes listeners' work
// itself, so a slow or blocking listener can never stall socket reads.
func (h *Handler) readLoop() {
	defer h.wg.Done()
	defer close(h.events)
	buf := make([]byte, 1024)
	for {
		n, err := h.transport.Read(buf, 0)
		if err != nil {
			h.mu.Lock()
			alreadyClosed := h.closed
			h.closed = true
			h.mu.Unlock()
			if !alreadyClosed {
				h.log.WithError(err).Warn("hci: transport read failed, closing handler")
			}
			h.replies.Close()
			return
		}
		ev, err := DecodeEvent(buf[:n])
		if err != nil {
			h.log.WithError(err).Debug("hci: dropping malformed event")
			continue
		}
		h.events <- ev
	}
}

// dispatchLoop is the second, dedicated dispatcher goroutine required by
// spec.md §4.D/§5: it drains the queue readLoop feeds and calls dispatch
// entirely off the reader's goroutine, so listener callbacks can never
// block a raw HCI socket read.
func (h *Handler) dispatchLoop() {
	defer h.wg.Done()
	for ev := range h.events {
		h.dispatch(ev)
	}
}

// dispatch routes one decoded event to the reply ring (if it's a
// command-complete/status) and to registered listeners. Listener
// invocation never happens while holding the handler's mutex, per the
// copy-then-release pattern required by spec.md §5.
func (h *Handler) dispatch(ev Event) {
	switch ev.Code {
	case EvtCommandComplete:
		if cc, err := DecodeCommandComplete(ev.Params); err == nil {
			h.releaseOpcode(cc.Opcode)
		}
	case EvtCommandStatus:
		if cs, err := DecodeCommandStatus(ev.Params); err == nil {
			h.releaseOpcode(cs.Opcode)
		}
	case EvtLEMeta:
		if ev.Subevent == SubevtLEConnectionComplete || ev.Subevent == SubevtLEEnhancedConnectionComplete {
			// Scan implicitly stops once a connection completes.
			h.mu.Lock()
			h.scanState = ScanOff
			cb := h.discoveringChanged
			h.mu.Unlock()
			if cb != nil {
				cb(false)
			}
		}
	}

	_ = h.replies.Put(ev, 2*time.Second)

	key := ev.Code
	if ev.Code == EvtLEMeta {
		key = leListenerKey(ev.Subevent)
	}
	h.mu.Lock()
	snapshot := append([]listener(nil), h.listeners[key]...)
	h.mu.Unlock()
	for _, l := range snapshot {
		if l.handle != nil && (len(ev.Params) < 3 || uint16(ev.Params[1])|uint16(ev.Params[2])<<8 != *l.handle) {
			continue
		}
		l.fn(ev)
	}
}

func (h *Handler) releaseOpcode(op Opcode) {
	h.mu.Lock()
	delete(h.opcodeInFlight, op.Class())
	h.opcodeCond.Broadcast()
	h.mu.Unlock()
}

// acquireOpcode blocks until no command of op's class is outstanding, then
// marks one in-flight. Enforces "exactly one outstanding command per opcode
// class" (spec.md §4.D).
func (h *Handler) acquireOpcode(op Opcode) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	class := op.Class()
	for h.opcodeInFlight[class] {
		if h.closed {
			return ErrIOError
		}
		h.opcodeCond.Wait()
	}
	if h.closed {
		return ErrIOError
	}
	h.opcodeInFlight[class] = true
	return nil
}

// SendCommand submits cmd and blocks for its matching Command_Complete (or
// Command_Status for async commands), subject to the configured timeout.
func (h *Handler) SendCommand(cmd Command) (CommandComplete, error) {
	if err := h.acquireOpcode(cmd.Opcode); err != nil {
		return CommandComplete{}, ErrIOError
	}
	// acquireOpcode's hold is released by dispatch() once the reply
	// arrives; on any early return here we must release it ourselves.
	releaseOnErr := true
	defer func() {
		if releaseOnErr {
			h.releaseOpcode(cmd.Opcode)
		}
	}()

	if _, err := h.transport.Write(cmd.Encode()); err != nil {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()
		return CommandComplete{}, fmt.Errorf("%w: %v", ErrIOError, err)
	}

	match := func(ev Event) bool {
		if ev.Code == EvtCommandComplete {
			if cc, err := DecodeCommandComplete(ev.Params); err == nil {
				return cc.Opcode == cmd.Opcode
			}
		}
		return false
	}
	ev, err := h.replies.GetUntil(match, true, h.cfg.CommandCompleteTimeout)
	if err != nil {
		return CommandComplete{}, classifyRingErr(err)
	}
	releaseOnErr = false
	cc, _ := DecodeCommandComplete(ev.Params)
	return cc, nil
}

// SendWithReply submits cmd and waits for expected (a non-command-complete
// event), optionally filtered to a connection handle carried in the first
// two bytes of the event's parameters (the common HCI layout).
func (h *Handler) SendWithReply(cmd Command, expected uint8, handleFilter *uint16) (Event, error) {
	if err := h.acquireOpcode(cmd.Opcode); err != nil {
		return Event{}, ErrIOError
	}
	defer h.releaseOpcode(cmd.Opcode)

	if _, err := h.transport.Write(cmd.Encode()); err != nil {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()
		return Event{}, fmt.Errorf("%w: %v", ErrIOError, err)
	}

	match := func(ev Event) bool {
		if ev.Code != expected {
			return false
		}
		if handleFilter == nil {
			return true
		}
		if len(ev.Params) < 2 {
			return false
		}
		h2 := uint16(ev.Params[0]) | uint16(ev.Params[1])<<8
		return h2 == *handleFilter
	}
	ev, err := h.replies.GetUntil(match, true, h.cfg.CommandStatusTimeout)
	if err != nil {
		return Event{}, classifyRingErr(err)
	}
	return ev, nil
}

func classifyRingErr(err error) error {
	switch {
	case errors.Is(err, ring.ErrTimeout):
		return ErrTimeout
	case errors.Is(err, ring.ErrClosed):
		return ErrIOError
	case errors.Is(err, ring.ErrInterrupted):
		return ErrDisconnected
	default:
		return ErrInternalFailure
	}
}

// Subscribe registers fn for events of code, optionally scoped to a single
// connection handle, read from the parameter bytes right after the status
// byte (the Disconnection_Complete/Encryption_Change layout).
// Removal is by the returned id.
func (h *Handler) Subscribe(code uint8, handle *uint16, fn ListenerFunc) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextListenerID++
	id := h.nextListenerID
	h.listeners[code] = append(h.listeners[code], listener{id: id, handle: handle, fn: fn})
	return id
}

// SubscribeLEMeta registers fn for a specific LE-meta subevent.
func (h *Handler) SubscribeLEMeta(subevent uint8, fn ListenerFunc) uint64 {
	return h.Subscribe(leListenerKey(subevent), nil, fn)
}

// Unsubscribe removes a listener by identity.
func (h *Handler) Unsubscribe(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for code, ls := range h.listeners {
		filtered := ls[:0]
		for _, l := range ls {
			if l.id != id {
				filtered = append(filtered, l)
			}
		}
		h.listeners[code] = filtered
	}
}

// OnDiscoveringChanged installs the callback invoked when the handler
// detects the controller silently left scanning state (e.g. on connection
// complete). Only one callback is supported; the Adapter controller is the
// sole subscriber.
func (h *Handler) OnDiscoveringChanged(fn func(enabled bool)) {
	h.mu.Lock()
	h.discoveringChanged = fn
	h.mu.Unlock()
}

// ScanState returns the current LE-scan state machine state.
func (h *Handler) ScanState() ScanState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.scanState
}

// LESetScanEnable drives the off/starting/on (or on/stopping/off)
// transition and issues HCI LE_Set_Scan_Enable. The state only becomes
// ScanOn/ScanOff after the controller confirms via Command_Complete.
func (h *Handler) LESetScanEnable(enable bool, filterDuplicates bool) error {
	h.mu.Lock()
	if enable {
		h.scanState = ScanStarting
	} else {
		h.scanState = ScanStopping
	}
	h.mu.Unlock()

	params := []byte{boolByte(enable), boolByte(filterDuplicates)}
	_, err := h.SendCommand(Command{Opcode: OpLESetScanEnable, Params: params})

	h.mu.Lock()
	if err == nil {
		if enable {
			h.scanState = ScanOn
		} else {
			h.scanState = ScanOff
		}
	} else {
		// Leave state as it was before the failed attempt so callers can
		// retry; roll back to the prior steady state.
		if enable {
			h.scanState = ScanOff
		} else {
			h.scanState = ScanOn
		}
	}
	cb := h.discoveringChanged
	h.mu.Unlock()
	if err == nil && cb != nil {
		cb(enable)
	}
	return err
}

// ConnectionParams configures LE_Create_Connection.
type ConnectionParams struct {
	ScanInterval    uint16
	ScanWindow      uint16
	PeerAddrType    uint8
	PeerAddr        [6]byte // HCI wire order
	OwnAddrType     uint8
	ConnIntervalMin uint16
	ConnIntervalMax uint16
	ConnLatency     uint16
	SupervisionTimeout uint16
}

// LECreateConnection issues the command; per the Core spec it replies with
// Command_Status, and the actual outcome arrives later as an LE
// Connection_Complete meta event which callers should already be
// subscribed to.
func (h *Handler) LECreateConnection(p ConnectionParams) error {
	w := make([]byte, 0, 25)
	put16 := func(v uint16) { w = append(w, byte(v), byte(v>>8)) }
	put16(p.ScanInterval)
	put16(p.ScanWindow)
	w = append(w, 0x00) // initiator filter policy: use peer address
	w = append(w, p.PeerAddrType)
	w = append(w, p.PeerAddr[:]...)
	w = append(w, p.OwnAddrType)
	put16(p.ConnIntervalMin)
	put16(p.ConnIntervalMax)
	put16(p.ConnLatency)
	put16(p.SupervisionTimeout)
	put16(0) // min CE length
	put16(0) // max CE length

	_, err := h.SendWithReply(Command{Opcode: OpLECreateConnection, Params: w}, EvtCommandStatus, nil)
	return err
}

// Disconnect issues HCI Disconnect for handle with the given reason code.
func (h *Handler) Disconnect(handle uint16, reason uint8) error {
	params := []byte{byte(handle), byte(handle >> 8), reason}
	_, err := h.SendWithReply(Command{Opcode: OpDisconnect, Params: params}, EvtCommandStatus, nil)
	return err
}

// StartEncryption issues HCI LE_Start_Encryption for handle with the given
// EDIV/Rand/LTK, the command used both for fresh pairing completion and for
// the SMP fast path that resumes encryption from a persisted key.
func (h *Handler) StartEncryption(handle uint16, rand uint64, ediv uint16, ltk [16]byte) error {
	w := make([]byte, 0, 28)
	w = append(w, byte(handle), byte(handle>>8))
	for i := 0; i < 8; i++ {
		w = append(w, byte(rand>>(8*i)))
	}
	w = append(w, byte(ediv), byte(ediv>>8))
	w = append(w, ltk[:]...)
	_, err := h.SendWithReply(Command{Opcode: OpLEStartEncryption, Params: w}, EvtCommandStatus, nil)
	return err
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
