package sockio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// pairedSockets builds two connected Sockets over an AF_UNIX socketpair so
// Read/Write/Close semantics can be exercised without a real Bluetooth
// adapter; the protocol-specific bind/connect paths are covered by the HCI
// and L2CAP packages' own fakes.
func pairedSockets(t *testing.T) (*Socket, *Socket) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	mk := func(fd int) *Socket {
		require.NoError(t, unix.SetNonblock(fd, true))
		pipeFDs := make([]int, 2)
		require.NoError(t, unix.Pipe2(pipeFDs, unix.O_NONBLOCK))
		return &Socket{fd: fd, wakeR: pipeFDs[0], wakeW: pipeFDs[1]}
	}
	return mk(fds[0]), mk(fds[1])
}

func TestSocketReadWriteRoundTrip(t *testing.T) {
	a, b := pairedSockets(t)
	defer a.Close()
	defer b.Close()

	n, err := a.Write([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)

	buf := make([]byte, 16)
	nr, err := b.Read(buf, time.Second)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:nr]))
}

func TestSocketReadTimeout(t *testing.T) {
	a, b := pairedSockets(t)
	defer a.Close()
	defer b.Close()

	buf := make([]byte, 16)
	_, err := b.Read(buf, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestSocketCloseWakesBlockedReader(t *testing.T) {
	a, b := pairedSockets(t)
	defer a.Close()

	done := make(chan error, 1)
	go func() {
		buf := make([]byte, 16)
		_, err := b.Read(buf, 5*time.Second)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Close())

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrInterrupted)
	case <-time.After(time.Second):
		t.Fatal("Read did not return after Close")
	}
}

func TestSocketCloseIsIdempotent(t *testing.T) {
	a, _ := pairedSockets(t)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
}
