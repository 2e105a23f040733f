// Package l2cap implements the per-device L2CAP pipe that ATT/GATT and
// SMP frame their PDUs over: a raw Bluetooth L2CAP socket bound to a fixed
// channel (ATT = 0x0004, SMP = 0x0006), decoupled from its reader goroutine
// by a length-prefixed byte ring so Read can apply its own timeout
// independent of the socket's own poll loop; Write goes straight to the
// socket.
package l2cap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/bthost/internal/codec"
	"github.com/srg/bthost/internal/sockio"
)

// Fixed channel identifiers used by BLE (Core spec Vol 3 Part A §2.1).
const (
	CIDAttribute     uint16 = 0x0004
	CIDSecurityManager uint16 = 0x0006
)

var (
	ErrTimeout  = errors.New("l2cap: timeout")
	ErrClosed   = errors.New("l2cap: closed")
	ErrTooLarge = errors.New("l2cap: frame exceeds ring capacity")
)

// maxFrame bounds a single buffered PDU; ATT/SMP PDUs never approach this.
const maxFrame = 1024

// rawSocket is the subset of *sockio.Socket the pipe depends on; factored
// out so tests can drive the reader loop and framing logic without a real
// Bluetooth socket.
type rawSocket interface {
	Read(buf []byte, timeout time.Duration) (int, error)
	Write(buf []byte) (int, error)
	Close() error
}

// Pipe is a single fixed-channel L2CAP socket bound to one remote device.
type Pipe struct {
	LocalAddr  codec.Address
	RemoteAddr codec.Address
	RemoteType uint8
	CID        uint16

	sock rawSocket
	log  *logrus.Logger

	rbuf *ringbuffer.RingBuffer

	writeMu sync.Mutex
	readMu  sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup

	readerTimeout time.Duration
	restartCount  int
}

// Options configures a Pipe beyond its addressing.
type Options struct {
	RingCapacity  int
	ReaderTimeout time.Duration // per-socket-read poll tick while running the background reader
	RestartCount  int           // non-timeout read errors tolerated before the reader gives up and closes (default 0)
}

func (o Options) withDefaults() Options {
	if o.RingCapacity <= 0 {
		o.RingCapacity = 16 * maxFrame
	}
	if o.ReaderTimeout <= 0 {
		o.ReaderTimeout = 200 * time.Millisecond
	}
	return o
}

// Open binds a Bluetooth L2CAP socket to cid and connects it to remote,
// then starts the background reader that feeds Read.
func Open(localDev uint16, remote codec.Address, remoteType uint8, cid uint16, opts Options, log *logrus.Logger) (*Pipe, error) {
	opts = opts.withDefaults()
	if log == nil {
		log = logrus.New()
	}

	local := sockio.SockaddrL2{CID: cid}
	sock, err := sockio.Open(sockio.AFBluetooth, 5 /* SOCK_SEQPACKET */, sockio.BTProtoL2CAP, local)
	if err != nil {
		return nil, fmt.Errorf("l2cap: open socket: %w", err)
	}
	remoteAddr := sockio.SockaddrL2{Addr: remote.HCIBytes(), AddrType: remoteType, CID: cid}
	if err := sock.Connect(remoteAddr); err != nil {
		sock.Close()
		return nil, fmt.Errorf("l2cap: connect: %w", err)
	}

	p := newPipe(sock, remote, remoteType, cid, opts, log)
	return p, nil
}

func newPipe(sock rawSocket, remote codec.Address, remoteType uint8, cid uint16, opts Options, log *logrus.Logger) *Pipe {
	opts = opts.withDefaults()
	p := &Pipe{
		RemoteAddr:    remote,
		RemoteType:    remoteType,
		CID:           cid,
		sock:          sock,
		log:           log,
		rbuf:          ringbuffer.New(opts.RingCapacity),
		closed:        make(chan struct{}),
		readerTimeout: opts.ReaderTimeout,
		restartCount:  opts.RestartCount,
	}
	p.wg.Add(1)
	go p.readLoop()
	return p
}

// readLoop reads one complete PDU per socket read (SOCK_SEQPACKET preserves
// message boundaries) and pushes it onto the ring as a 2-byte length prefix
// followed by the payload, so Read can recover frame boundaries from the
// otherwise byte-oriented ring.
func (p *Pipe) readLoop() {
	defer p.wg.Done()
	buf := make([]byte, maxFrame)
	restarts := 0
	for {
		select {
		case <-p.closed:
			return
		default:
		}
		n, err := p.sock.Read(buf, p.readerTimeout)
		if err != nil {
			if errors.Is(err, sockio.ErrTimeout) {
				continue
			}
			if restarts < p.restartCount {
				restarts++
				p.log.WithError(err).WithField("attempt", restarts).Warn("l2cap: read error, restarting reader")
				continue
			}
			p.log.WithError(err).Debug("l2cap: read loop exiting")
			p.closeOnce.Do(func() { close(p.closed) })
			return
		}
		restarts = 0
		if n == 0 {
			continue
		}
		p.pushFrame(buf[:n])
	}
}

func (p *Pipe) pushFrame(payload []byte) {
	header := make([]byte, 2)
	binary.LittleEndian.PutUint16(header, uint16(len(payload)))
	frame := append(header, payload...)
	for len(frame) > 0 {
		n, err := p.rbuf.TryWrite(frame)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
			p.log.WithError(err).Warn("l2cap: ring write error, dropping frame")
			return
		}
		frame = frame[n:]
		if len(frame) > 0 {
			time.Sleep(time.Millisecond)
		}
	}
}

// Read blocks until one PDU is available, timeout elapses (0 means wait
// forever), or the pipe closes.
func (p *Pipe) Read(timeout time.Duration) ([]byte, error) {
	p.readMu.Lock()
	defer p.readMu.Unlock()

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	header, err := p.readExactly(2, deadline)
	if err != nil {
		return nil, err
	}
	plen := int(binary.LittleEndian.Uint16(header))
	if plen > maxFrame {
		return nil, ErrTooLarge
	}
	return p.readExactly(plen, deadline)
}

func (p *Pipe) readExactly(n int, deadline time.Time) ([]byte, error) {
	out := make([]byte, 0, n)
	buf := make([]byte, n)
	for len(out) < n {
		select {
		case <-p.closed:
			return nil, ErrClosed
		default:
		}
		got, err := p.rbuf.TryRead(buf[:n-len(out)])
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			return nil, err
		}
		if got > 0 {
			out = append(out, buf[:got]...)
			continue
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, ErrTimeout
		}
		time.Sleep(time.Millisecond)
	}
	return out, nil
}

// Write sends one complete PDU. Writes are serialized; L2CAP SEQPACKET
// sockets preserve the message boundary on the wire.
func (p *Pipe) Write(pdu []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err := p.sock.Write(pdu)
	return err
}

// Close shuts the pipe down, waking any blocked Read and the reader
// goroutine. Idempotent.
func (p *Pipe) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	err := p.sock.Close()
	p.wg.Wait()
	return err
}
