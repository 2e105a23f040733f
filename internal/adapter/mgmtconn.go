package adapter

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bthost/internal/mgmt"
	"github.com/srg/bthost/internal/ring"
)

// MGMTTransport is the minimal socket surface MGMTConn needs; satisfied by
// *sockio.Socket bound to HCIChannelControl.
type MGMTTransport interface {
	Read(buf []byte, timeout time.Duration) (int, error)
	Write(buf []byte) (int, error)
	Close() error
}

// MGMTConfig carries the MGMT channel's timeouts and ring size, per
// spec.md §6's "mgmt" option prefix.
type MGMTConfig struct {
	CommandTimeout time.Duration
	RingSize       int
}

// DefaultMGMTConfig returns the documented defaults.
func DefaultMGMTConfig() MGMTConfig {
	return MGMTConfig{CommandTimeout: 3 * time.Second, RingSize: 64}
}

// MGMTEventFunc receives every decoded MGMT event outside the reader
// goroutine's critical section.
type MGMTEventFunc func(index uint16, opcode uint16, payload []byte)

// MGMTConn is the single process-wide MGMT channel connection: one reader
// goroutine, one reply ring keyed by (index, opcode), and a fanned-out
// event listener list. The Manager opens exactly one of these; every
// Adapter shares it, addressing commands by controller index.
type MGMTConn struct {
	cfg       MGMTConfig
	transport MGMTTransport
	log       *logrus.Logger

	replies *ring.Ring[mgmt.Frame]

	mu        sync.Mutex
	closed    bool
	listeners []MGMTEventFunc

	wg sync.WaitGroup
}

var (
	ErrMGMTIOError  = errors.New("mgmt: io error")
	ErrMGMTTimeout  = errors.New("mgmt: timeout")
	ErrMGMTDisconnected = errors.New("mgmt: disconnected")
)

// NewMGMTConn creates a MGMTConn bound to transport and starts its reader
// goroutine.
func NewMGMTConn(transport MGMTTransport, cfg MGMTConfig, log *logrus.Logger) *MGMTConn {
	if log == nil {
		log = logrus.New()
	}
	c := &MGMTConn{
		cfg:       cfg,
		transport: transport,
		log:       log,
		replies:   ring.New[mgmt.Frame](cfg.RingSize),
	}
	c.wg.Add(1)
	go c.readLoop()
	return c
}

// Close shuts the channel down, releasing every blocked SendCommand caller.
func (c *MGMTConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.transport.Close()
	c.replies.Close()
	c.wg.Wait()
	return err
}

func (c *MGMTConn) readLoop() {
	defer c.wg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := c.transport.Read(buf, 0)
		if err != nil {
			c.mu.Lock()
			c.closed = true
			c.mu.Unlock()
			c.replies.Close()
			return
		}
		frame, err := mgmt.Decode(buf[:n])
		if err != nil {
			c.log.WithError(err).Debug("mgmt: dropping malformed frame")
			continue
		}
		c.dispatch(frame)
	}
}

func (c *MGMTConn) dispatch(frame mgmt.Frame) {
	_ = c.replies.Put(frame, 2*time.Second)

	c.mu.Lock()
	snapshot := append([]MGMTEventFunc(nil), c.listeners...)
	c.mu.Unlock()

	opcode := frame.Header.Opcode
	payload := frame.Payload
	if frame.Header.Opcode == mgmt.EvCommandComplete {
		if cc, err := mgmt.DecodeCommandComplete(frame.Payload); err == nil {
			opcode = cc.Opcode
			payload = cc.Params
		}
	}
	for _, fn := range snapshot {
		fn(frame.Header.Index, opcode, payload)
	}
}

// Subscribe registers fn for every decoded MGMT event (command-complete
// events are unwrapped to their inner opcode before delivery).
func (c *MGMTConn) Subscribe(fn MGMTEventFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// SendCommand submits a MGMT command for index and blocks for its matching
// command-complete frame, subject to CommandTimeout.
func (c *MGMTConn) SendCommand(index uint16, opcode uint16, payload []byte) (mgmt.CommandCompletePayload, error) {
	if _, err := c.transport.Write(mgmt.Encode(opcode, index, payload)); err != nil {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		return mgmt.CommandCompletePayload{}, fmt.Errorf("%w: %v", ErrMGMTIOError, err)
	}

	match := func(f mgmt.Frame) bool {
		if f.Header.Opcode != mgmt.EvCommandComplete || f.Header.Index != index {
			return false
		}
		cc, err := mgmt.DecodeCommandComplete(f.Payload)
		return err == nil && cc.Opcode == opcode
	}
	frame, err := c.replies.GetUntil(match, true, c.cfg.CommandTimeout)
	if err != nil {
		return mgmt.CommandCompletePayload{}, classifyMGMTRingErr(err)
	}
	cc, _ := mgmt.DecodeCommandComplete(frame.Payload)
	if cc.Status != 0 {
		return cc, fmt.Errorf("mgmt: command 0x%04x failed with status %d", opcode, cc.Status)
	}
	return cc, nil
}

func classifyMGMTRingErr(err error) error {
	switch {
	case errors.Is(err, ring.ErrTimeout):
		return ErrMGMTTimeout
	case errors.Is(err, ring.ErrClosed):
		return ErrMGMTIOError
	case errors.Is(err, ring.ErrInterrupted):
		return ErrMGMTDisconnected
	default:
		return err
	}
}
