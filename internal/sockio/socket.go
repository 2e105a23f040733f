// Package sockio wraps the Linux kernel Bluetooth sockets (AF_BLUETOOTH)
// with non-blocking open/read/write and a poll-with-deadline read, so every
// blocking call above it (HCI, L2CAP, MGMT) has a bounded timeout and a
// close from another goroutine reliably wakes a blocked reader.
//
// golang.org/x/sys/unix does not expose a Sockaddr type for the Bluetooth
// address family, so addresses are packed by hand into the kernel's
// sockaddr_hci/sockaddr_l2/sockaddr_rc layouts and passed through
// unix.Syscall directly — the same approach used by every raw-socket
// Bluetooth stack that doesn't vendor a C shim.
package sockio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Bluetooth address family and protocol family constants from
// <linux/bluetooth.h>, not provided by golang.org/x/sys/unix.
const (
	AFBluetooth = 31

	BTProtoL2CAP = 0
	BTProtoHCI   = 1
	BTProtoSCO   = 2
	BTProtoRFCOMM = 3

	HCIChannelRaw     = 0
	HCIChannelUser    = 1
	HCIChannelMonitor = 2
	HCIChannelControl = 3

	HCIDevNone = 0xffff
)

// Sockaddr is implemented by the per-protocol address structs below; Raw
// returns the packed kernel sockaddr bytes.
type Sockaddr interface {
	Raw() []byte
}

// SockaddrHCI is struct sockaddr_hci { family, dev, channel uint16 }.
type SockaddrHCI struct {
	Dev     uint16
	Channel uint16
}

func (s SockaddrHCI) Raw() []byte {
	b := make([]byte, 6)
	binary.LittleEndian.PutUint16(b[0:2], AFBluetooth)
	binary.LittleEndian.PutUint16(b[2:4], s.Dev)
	binary.LittleEndian.PutUint16(b[4:6], s.Channel)
	return b
}

// SockaddrL2 is struct sockaddr_l2 { family uint16; psm uint16;
// bdaddr [6]byte; cid uint16; bdaddr_type uint8 }.
type SockaddrL2 struct {
	PSM        uint16
	Addr       [6]byte // little-endian HCI byte order
	CID        uint16
	AddrType   uint8
}

func (s SockaddrL2) Raw() []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint16(b[0:2], AFBluetooth)
	binary.LittleEndian.PutUint16(b[2:4], s.PSM)
	copy(b[4:10], s.Addr[:])
	binary.LittleEndian.PutUint16(b[10:12], s.CID)
	b[12] = s.AddrType
	return b
}

// ErrClosed is returned by Read/Write once Close has completed or run
// concurrently with the call.
var ErrClosed = errors.New("sockio: closed")

// ErrTimeout is returned by Read when the deadline elapses with no data.
var ErrTimeout = errors.New("sockio: timeout")

// ErrInterrupted is returned by Read when Close wakes a pending read.
var ErrInterrupted = errors.New("sockio: interrupted")

// Socket is a non-blocking Linux Bluetooth raw socket with a bounded Read.
type Socket struct {
	mu     sync.Mutex
	fd     int
	wakeR  int // read end of the close-notification pipe
	wakeW  int // write end
	closed bool
}

// Open creates a socket in the given family/type/protocol, optionally binds
// it to addr, and sets it non-blocking.
func Open(family, sockType, proto int, addr Sockaddr) (*Socket, error) {
	fd, err := unix.Socket(family, sockType, proto)
	if err != nil {
		return nil, fmt.Errorf("sockio: socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("sockio: set nonblock: %w", err)
	}
	if addr != nil {
		if err := bind(fd, addr); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("sockio: bind: %w", err)
		}
	}
	pipeFDs := make([]int, 2)
	if err := unix.Pipe2(pipeFDs, unix.O_NONBLOCK); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("sockio: wake pipe: %w", err)
	}
	return &Socket{fd: fd, wakeR: pipeFDs[0], wakeW: pipeFDs[1]}, nil
}

// Connect performs a (possibly EINPROGRESS) connect to addr, e.g. for an
// L2CAP client socket.
func (s *Socket) Connect(addr Sockaddr) error {
	raw := addr.Raw()
	_, _, errno := unix.Syscall(unix.SYS_CONNECT, uintptr(s.fd),
		uintptr(unsafe.Pointer(&raw[0])), uintptr(len(raw)))
	if errno != 0 && errno != unix.EINPROGRESS {
		return fmt.Errorf("sockio: connect: %w", errno)
	}
	return nil
}

func bind(fd int, addr Sockaddr) error {
	raw := addr.Raw()
	_, _, errno := unix.Syscall(unix.SYS_BIND, uintptr(fd),
		uintptr(unsafe.Pointer(&raw[0])), uintptr(len(raw)))
	if errno != 0 {
		return errno
	}
	return nil
}

// Read blocks until n>0 bytes are available, the deadline elapses, the
// socket is closed, or Close interrupts the wait. A zero timeout means no
// deadline (wait until data, close, or OS error).
func (s *Socket) Read(buf []byte, timeout time.Duration) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	fd, wakeR := s.fd, s.wakeR
	s.mu.Unlock()

	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		pollTimeout := -1
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return 0, ErrTimeout
			}
			pollTimeout = int(remaining.Milliseconds())
			if pollTimeout == 0 {
				pollTimeout = 1
			}
		}

		fds := []unix.PollFd{
			{Fd: int32(fd), Events: unix.POLLIN},
			{Fd: int32(wakeR), Events: unix.POLLIN},
		}
		n, err := unix.Poll(fds, pollTimeout)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return 0, fmt.Errorf("sockio: poll: %w", err)
		}
		if n == 0 {
			return 0, ErrTimeout
		}
		if fds[1].Revents&unix.POLLIN != 0 {
			var drain [8]byte
			_, _ = unix.Read(wakeR, drain[:])
			return 0, ErrInterrupted
		}
		if fds[0].Revents&(unix.POLLHUP|unix.POLLERR) != 0 {
			return 0, ErrClosed
		}
		if fds[0].Revents&unix.POLLIN != 0 {
			nr, err := unix.Read(fd, buf)
			if err != nil {
				if errors.Is(err, unix.EAGAIN) {
					continue
				}
				return 0, fmt.Errorf("sockio: read: %w", err)
			}
			if nr == 0 {
				return 0, ErrClosed
			}
			return nr, nil
		}
	}
}

// Write loops on short writes until all of buf is written or an error
// occurs.
func (s *Socket) Write(buf []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	fd := s.fd
	s.mu.Unlock()

	total := 0
	for total < len(buf) {
		n, err := unix.Write(fd, buf[total:])
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
				if _, perr := unix.Poll(fds, 1000); perr != nil && !errors.Is(perr, unix.EINTR) {
					return total, fmt.Errorf("sockio: poll write: %w", perr)
				}
				continue
			}
			return total, fmt.Errorf("sockio: write: %w", err)
		}
		total += n
	}
	return total, nil
}

// Close is idempotent and wakes any goroutine blocked in Read with
// ErrInterrupted before the underlying fd closes.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	fd, wakeW, wakeR := s.fd, s.wakeW, s.wakeR
	s.mu.Unlock()

	_, _ = unix.Write(wakeW, []byte{0})
	err := unix.Close(fd)
	_ = unix.Close(wakeW)
	_ = unix.Close(wakeR)
	return err
}

// Fd exposes the raw descriptor for ioctl-based operations (e.g. HCI dev
// info queries) that have no socket-option equivalent.
func (s *Socket) Fd() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fd
}
