// Package gatt implements the GATT client session: a single-outstanding
// ATT request pipeline over one L2CAP pipe, the attribute database built by
// service/characteristic/descriptor discovery, and notification/indication
// dispatch (spec.md §4.F).
package gatt

import (
	"errors"
	"fmt"
	"sync"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/sirupsen/logrus"
	"github.com/srg/bthost/internal/att"
	"github.com/srg/bthost/internal/codec"
)

// Pipe is the framed byte transport a Session reads/writes whole ATT PDUs
// over; *l2cap.Pipe satisfies it in production.
type Pipe interface {
	Read(timeout time.Duration) ([]byte, error)
	Write(pdu []byte) error
}

// Characteristic property bits, Core Vol 3 Part G §3.3.1.1.
const (
	PropBroadcast      uint8 = 0x01
	PropRead           uint8 = 0x02
	PropWriteNoResp    uint8 = 0x04
	PropWrite          uint8 = 0x08
	PropNotify         uint8 = 0x10
	PropIndicate       uint8 = 0x20
	PropSignedWrite    uint8 = 0x40
	PropExtendedProps  uint8 = 0x80
)

// CCCD bitmap values.
const (
	CCCDNotify   uint16 = 0x0001
	CCCDIndicate uint16 = 0x0002
)

var (
	ErrDisconnected = errors.New("gatt: disconnected")
	ErrTimeout      = errors.New("gatt: timeout")
)

// Config carries the timings and ring size from spec.md §6.
type Config struct {
	CommandInitTimeout  time.Duration
	CommandReadTimeout  time.Duration
	CommandWriteTimeout time.Duration
	RingSize            int
	LocalMTU            uint16
}

func DefaultConfig() Config {
	return Config{
		CommandInitTimeout:  2500 * time.Millisecond,
		CommandReadTimeout:  500 * time.Millisecond,
		CommandWriteTimeout: 500 * time.Millisecond,
		RingSize:            128,
		LocalMTU:            512,
	}
}

// Attribute is one entry of the discovered database.
type Attribute struct {
	Handle uint16
	Type   codec.UUID
	Value  []byte
}

// Service is a primary or secondary service range.
type Service struct {
	StartHandle uint16
	EndHandle   uint16
	UUID        codec.UUID
}

// Characteristic is one discovered characteristic, with its CCCD handle (if
// any) and locally tracked subscription state.
type Characteristic struct {
	DeclHandle      uint16
	ValueHandle     uint16
	Properties      uint8
	UUID            codec.UUID
	CCCDHandle      uint16
	NotifyEnabled   bool
	IndicateEnabled bool
}

// Database is the attribute tree discovered for one peer, ordered by
// handle so iteration and printing follow the wire's natural order.
type Database struct {
	attrs *orderedmap.OrderedMap[uint16, *Attribute]
	mu    sync.RWMutex

	Services        []*Service
	Characteristics []*Characteristic
}

func newDatabase() *Database {
	return &Database{attrs: orderedmap.New[uint16, *Attribute]()}
}

func (d *Database) put(a *Attribute) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attrs.Set(a.Handle, a)
}

// Attribute returns the attribute at handle, if discovered.
func (d *Database) Attribute(handle uint16) (*Attribute, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.attrs.Get(handle)
}

// CharacteristicByUUID finds the first characteristic matching uuid.
func (d *Database) CharacteristicByUUID(uuid codec.UUID) (*Characteristic, bool) {
	for _, c := range d.Characteristics {
		if c.UUID.Equal(uuid) {
			return c, true
		}
	}
	return nil, false
}

// NotifyFunc receives a characteristic value-handle notification/indication.
type NotifyFunc func(handle uint16, value []byte)

// SecurityRetryFunc raises link security (via SMP) for the current
// connection; returning nil means the caller should retry its request once.
type SecurityRetryFunc func() error

// Session is the single-outstanding ATT request pipeline for one connected
// peer.
type Session struct {
	pipe Pipe
	cfg  Config
	log  *logrus.Logger

	reqMu   sync.Mutex // enforces single-outstanding-request semantics
	pending chan []byte

	mu              sync.Mutex
	effectiveMTU    uint16
	mtuNegotiated   bool
	closed          bool
	listeners       map[uint16][]NotifyFunc
	securityRetried map[uint16]bool

	RaiseSecurity SecurityRetryFunc

	DB *Database

	wg sync.WaitGroup
}

// NewSession starts the reader goroutine over pipe.
func NewSession(pipe Pipe, cfg Config, log *logrus.Logger) *Session {
	if log == nil {
		log = logrus.New()
	}
	s := &Session{
		pipe:            pipe,
		cfg:             cfg,
		log:             log,
		pending:         make(chan []byte, 1),
		effectiveMTU:    23, // Core-spec default ATT_MTU before negotiation
		listeners:       make(map[uint16][]NotifyFunc),
		securityRetried: make(map[uint16]bool),
		DB:              newDatabase(),
	}
	s.wg.Add(1)
	go s.readLoop()
	return s
}

func (s *Session) readLoop() {
	defer s.wg.Done()
	for {
		pdu, err := s.pipe.Read(0)
		if err != nil {
			s.mu.Lock()
			s.closed = true
			s.mu.Unlock()
			select {
			case s.pending <- nil:
			default:
			}
			return
		}
		if len(pdu) == 0 {
			continue
		}
		opcode := att.Opcode(pdu[0])
		switch opcode {
		case att.OpHandleValueNotification:
			s.dispatchValue(pdu, att.DecodeHandleValueNotification)
		case att.OpHandleValueIndication:
			s.dispatchValue(pdu, att.DecodeHandleValueIndication)
			_ = s.pipe.Write(att.EncodeHandleValueConfirmation())
		default:
			s.pending <- pdu
		}
	}
}

func (s *Session) dispatchValue(pdu []byte, decode func([]byte) (att.HandleValue, error)) {
	hv, err := decode(pdu)
	if err != nil {
		s.log.WithError(err).Debug("gatt: dropping malformed handle-value pdu")
		return
	}
	s.mu.Lock()
	fns := append([]NotifyFunc(nil), s.listeners[hv.Handle]...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(hv.Handle, hv.Value)
	}
}

// Subscribe registers fn to receive notifications/indications for handle.
func (s *Session) Subscribe(handle uint16, fn NotifyFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[handle] = append(s.listeners[handle], fn)
}

// Close shuts the session down: further requests fail with ErrDisconnected.
// It does not wait for the reader goroutine, which exits once the pipe's
// Read returns an error; the underlying pipe is the caller's to close once
// both GATT and SMP sessions on it are finished.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// request submits pdu (addressed at handle, or 0 for handle-less requests
// like discovery and MTU exchange) and blocks for the matching response,
// retrying once through RaiseSecurity on an insufficient-authentication/
// encryption error. The retry latch is kept per handle, not session-wide:
// a security error on one characteristic must not permanently suppress the
// retry for every other handle on the same session.
func (s *Session) request(handle uint16, pdu []byte, timeout time.Duration) ([]byte, error) {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()

	resp, err := s.roundTrip(pdu, timeout)
	if err != nil {
		return nil, err
	}
	if att.Opcode(resp[0]) == att.OpErrorResponse {
		ec, _ := att.DecodeErrorResponse(resp)
		if (ec.Code == att.ErrInsufficientAuthentication || ec.Code == att.ErrInsufficientEncryption) && s.RaiseSecurity != nil {
			s.mu.Lock()
			alreadyRetried := s.securityRetried[handle]
			s.securityRetried[handle] = true
			s.mu.Unlock()
			if !alreadyRetried {
				if serr := s.RaiseSecurity(); serr == nil {
					resp2, err2 := s.roundTrip(pdu, timeout)
					if err2 != nil {
						return nil, err2
					}
					if att.Opcode(resp2[0]) == att.OpErrorResponse {
						ec2, _ := att.DecodeErrorResponse(resp2)
						return nil, ec2
					}
					s.mu.Lock()
					delete(s.securityRetried, handle)
					s.mu.Unlock()
					return resp2, nil
				}
			}
		}
		return nil, ec
	}
	return resp, nil
}

func (s *Session) roundTrip(pdu []byte, timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrDisconnected
	}
	s.mu.Unlock()

	if err := s.pipe.Write(pdu); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}

	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	select {
	case resp := <-s.pending:
		if resp == nil {
			return nil, ErrDisconnected
		}
		return resp, nil
	case <-timeoutCh:
		return nil, ErrTimeout
	}
}

// ExchangeMTU negotiates the effective ATT_MTU; the effective value is
// min(local, remote) and is cached on the session.
func (s *Session) ExchangeMTU() (uint16, error) {
	local := s.cfg.LocalMTU
	if local == 0 {
		local = 512
	}
	resp, err := s.request(0, att.EncodeExchangeMTURequest(local), s.cfg.CommandInitTimeout)
	if err != nil {
		return 0, err
	}
	remote, err := att.DecodeExchangeMTU(resp)
	if err != nil {
		return 0, err
	}
	eff := local
	if remote < eff {
		eff = remote
	}
	s.mu.Lock()
	s.effectiveMTU = eff
	s.mtuNegotiated = true
	s.mu.Unlock()
	return eff, nil
}

func (s *Session) mtu() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.effectiveMTU
}

// DiscoverServices walks the full handle space with READ_BY_GROUP_TYPE
// until the controller reports ATTRIBUTE_NOT_FOUND.
func (s *Session) DiscoverServices() ([]*Service, error) {
	start := uint16(0x0001)
	var out []*Service
	for start != 0 {
		resp, err := s.request(start, att.EncodeReadByGroupTypeRequest(start, 0xFFFF, att.UUIDPrimaryService), s.cfg.CommandReadTimeout)
		if err != nil {
			var ec att.ErrorResponse
			if errors.As(err, &ec) && ec.Code == att.ErrAttributeNotFound {
				break
			}
			return out, err
		}
		groups, err := att.DecodeReadByGroupTypeResponse(resp)
		if err != nil {
			return out, err
		}
		for _, g := range groups {
			var uuid codec.UUID
			switch len(g.Value) {
			case 2:
				uuid, _ = codec.ParseUUIDLE(g.Value, codec.UUID16)
			case 16:
				uuid, _ = codec.ParseUUIDLE(g.Value, codec.UUID128)
			default:
				continue
			}
			svc := &Service{StartHandle: g.Handle, EndHandle: g.EndGroup, UUID: uuid}
			out = append(out, svc)
			s.DB.put(&Attribute{Handle: g.Handle, Type: att.UUIDPrimaryService, Value: g.Value})
		}
		last := groups[len(groups)-1]
		if last.EndGroup == 0xFFFF {
			break
		}
		start = last.EndGroup + 1
	}
	s.DB.Services = out
	return out, nil
}

// DiscoverCharacteristics walks svc's handle range with READ_BY_TYPE.
func (s *Session) DiscoverCharacteristics(svc *Service) ([]*Characteristic, error) {
	start := svc.StartHandle
	end := svc.EndHandle
	var out []*Characteristic
	for start <= end {
		resp, err := s.request(start, att.EncodeReadByTypeRequest(start, end, att.UUIDCharacteristic), s.cfg.CommandReadTimeout)
		if err != nil {
			var ec att.ErrorResponse
			if errors.As(err, &ec) && ec.Code == att.ErrAttributeNotFound {
				break
			}
			return out, err
		}
		attrs, err := att.DecodeReadByTypeResponse(resp)
		if err != nil {
			return out, err
		}
		for _, a := range attrs {
			decl, err := att.DecodeCharacteristicDeclaration(a.Value)
			if err != nil {
				continue
			}
			c := &Characteristic{
				DeclHandle:  a.Handle,
				ValueHandle: decl.ValueHandle,
				Properties:  decl.Properties,
				UUID:        decl.UUID,
			}
			out = append(out, c)
			s.DB.put(&Attribute{Handle: a.Handle, Type: att.UUIDCharacteristic, Value: a.Value})
		}
		if len(attrs) == 0 {
			break
		}
		last := attrs[len(attrs)-1]
		if last.Handle >= end {
			break
		}
		start = last.Handle + 1
	}
	s.DB.Characteristics = append(s.DB.Characteristics, out...)
	return out, nil
}

// DiscoverDescriptors walks (char.ValueHandle+1 .. rangeEnd) with
// FIND_INFORMATION, recording the CCCD handle if one is found.
func (s *Session) DiscoverDescriptors(char *Characteristic, rangeEnd uint16) error {
	start := char.ValueHandle + 1
	if start > rangeEnd {
		return nil
	}
	for start <= rangeEnd {
		resp, err := s.request(start, att.EncodeFindInformationRequest(start, rangeEnd), s.cfg.CommandReadTimeout)
		if err != nil {
			var ec att.ErrorResponse
			if errors.As(err, &ec) && ec.Code == att.ErrAttributeNotFound {
				return nil
			}
			return err
		}
		pairs, err := att.DecodeFindInformationResponse(resp)
		if err != nil {
			return err
		}
		if len(pairs) == 0 {
			return nil
		}
		for _, p := range pairs {
			s.DB.put(&Attribute{Handle: p.Handle, Type: p.UUID})
			if p.UUID.Equal(att.UUIDCCCD) {
				char.CCCDHandle = p.Handle
			}
		}
		last := pairs[len(pairs)-1]
		if last.Handle >= rangeEnd {
			return nil
		}
		start = last.Handle + 1
	}
	return nil
}

// ReadCharacteristic reads handle in full, transparently looping READ_BLOB
// once the first response saturates the ATT_MTU.
func (s *Session) ReadCharacteristic(handle uint16) ([]byte, error) {
	resp, err := s.request(handle, att.EncodeReadRequest(handle), s.cfg.CommandReadTimeout)
	if err != nil {
		return nil, err
	}
	val, err := att.DecodeReadResponse(resp)
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), val...)
	maxChunk := int(s.mtu()) - 1
	for len(val) == maxChunk {
		resp, err = s.request(handle, att.EncodeReadBlobRequest(handle, uint16(len(out))), s.cfg.CommandReadTimeout)
		if err != nil {
			return out, err
		}
		val, err = att.DecodeReadBlobResponse(resp)
		if err != nil {
			return out, err
		}
		if len(val) == 0 {
			break
		}
		out = append(out, val...)
	}
	return out, nil
}

// WriteCharacteristic writes handle, either awaiting WRITE_RESPONSE
// (withResp) or firing WRITE_CMD with no reply.
func (s *Session) WriteCharacteristic(handle uint16, value []byte, withResp bool) error {
	if len(value) > int(s.mtu())-3 {
		return s.WriteLong(handle, value)
	}
	if !withResp {
		return s.pipe.Write(att.EncodeWriteCommand(handle, value))
	}
	_, err := s.request(handle, att.EncodeWriteRequest(handle, value), s.cfg.CommandWriteTimeout)
	return err
}

// WriteLong performs a PREPARE_WRITE/EXECUTE_WRITE sequence for a value
// longer than ATT_MTU-3.
func (s *Session) WriteLong(handle uint16, value []byte) error {
	chunkSize := int(s.mtu()) - 5
	if chunkSize <= 0 {
		return fmt.Errorf("gatt: MTU too small for long write")
	}
	offset := 0
	for offset < len(value) {
		end := offset + chunkSize
		if end > len(value) {
			end = len(value)
		}
		resp, err := s.request(handle, att.EncodePrepareWriteRequest(handle, uint16(offset), value[offset:end]), s.cfg.CommandWriteTimeout)
		if err != nil {
			_, _ = s.request(handle, att.EncodeExecuteWriteRequest(att.ExecuteWriteCancel), s.cfg.CommandWriteTimeout)
			return err
		}
		pw, err := att.DecodePrepareWriteResponse(resp)
		if err != nil || pw.Offset != uint16(offset) {
			_, _ = s.request(handle, att.EncodeExecuteWriteRequest(att.ExecuteWriteCancel), s.cfg.CommandWriteTimeout)
			return fmt.Errorf("gatt: prepare-write echo mismatch at offset %d", offset)
		}
		offset = end
	}
	_, err := s.request(handle, att.EncodeExecuteWriteRequest(att.ExecuteWriteCommit), s.cfg.CommandWriteTimeout)
	return err
}

// ConfigureCCCD writes the notify/indicate bitmap to char's CCCD, skipping
// the write entirely if the requested state already matches (spec.md's
// "rejects redundant writes").
func (s *Session) ConfigureCCCD(char *Characteristic, notify, indicate bool) error {
	if char.CCCDHandle == 0 {
		return fmt.Errorf("gatt: characteristic %s has no CCCD", char.UUID)
	}
	if char.NotifyEnabled == notify && char.IndicateEnabled == indicate {
		return nil
	}
	var bits uint16
	if notify {
		bits |= CCCDNotify
	}
	if indicate {
		bits |= CCCDIndicate
	}
	value := codec.PutUint16(bits)
	if _, err := s.request(char.CCCDHandle, att.EncodeWriteRequest(char.CCCDHandle, value), s.cfg.CommandWriteTimeout); err != nil {
		return err
	}
	char.NotifyEnabled = notify
	char.IndicateEnabled = indicate
	return nil
}

// Ping performs a best-effort read on handle to detect a silent disconnect.
func (s *Session) Ping(handle uint16) error {
	_, err := s.ReadCharacteristic(handle)
	return err
}
