package l2cap

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bthost/internal/codec"
	"github.com/srg/bthost/internal/sockio"
	"github.com/stretchr/testify/require"
)

// fakeSocket is a rawSocket backed by a channel of pre-framed messages, for
// driving the pipe's reader loop and Read/Write framing without a real
// Bluetooth socket.
type fakeSocket struct {
	mu       sync.Mutex
	inbox    [][]byte
	closed   bool
	written  [][]byte
	writeErr error
}

func (f *fakeSocket) push(msg []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbox = append(f.inbox, msg)
}

func (f *fakeSocket) Read(buf []byte, timeout time.Duration) (int, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return 0, sockio.ErrClosed
	}
	if len(f.inbox) == 0 {
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		return 0, fmt.Errorf("fake: %w", sockio.ErrTimeout)
	}
	msg := f.inbox[0]
	f.inbox = f.inbox[1:]
	f.mu.Unlock()
	return copy(buf, msg), nil
}

func (f *fakeSocket) Write(buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	f.written = append(f.written, append([]byte(nil), buf...))
	return len(buf), nil
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestPipeReadReassemblesOneFrame(t *testing.T) {
	fs := &fakeSocket{}
	p := newPipe(fs, codec.Address{}, 0, CIDAttribute, Options{}, quietLogger())
	defer p.Close()

	fs.push([]byte{0x02, 0x07, 0x00}) // an ATT Exchange MTU Request-shaped PDU

	got, err := p.Read(time.Second)
	require.NoError(t, err)
	require.Equal(t, []byte{0x02, 0x07, 0x00}, got)
}

func TestPipeReadOrderPreserved(t *testing.T) {
	fs := &fakeSocket{}
	p := newPipe(fs, codec.Address{}, 0, CIDAttribute, Options{}, quietLogger())
	defer p.Close()

	for i := 0; i < 5; i++ {
		fs.push([]byte{byte(i)})
	}

	for i := 0; i < 5; i++ {
		got, err := p.Read(time.Second)
		require.NoError(t, err)
		require.Equal(t, []byte{byte(i)}, got)
	}
}

func TestPipeReadTimesOutWhenNothingArrives(t *testing.T) {
	fs := &fakeSocket{}
	p := newPipe(fs, codec.Address{}, 0, CIDAttribute, Options{}, quietLogger())
	defer p.Close()

	_, err := p.Read(30 * time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestPipeWritePassesThroughUnframed(t *testing.T) {
	fs := &fakeSocket{}
	p := newPipe(fs, codec.Address{}, 0, CIDAttribute, Options{}, quietLogger())
	defer p.Close()

	pdu := []byte{0x12, 0x03, 0x00, 0xAB}
	require.NoError(t, p.Write(pdu))

	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.Len(t, fs.written, 1)
	require.Equal(t, pdu, fs.written[0])
}

func TestPipeCloseWakesBlockedRead(t *testing.T) {
	fs := &fakeSocket{}
	p := newPipe(fs, codec.Address{}, 0, CIDAttribute, Options{}, quietLogger())

	done := make(chan error, 1)
	go func() {
		_, err := p.Read(5 * time.Second)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.Close())

	select {
	case err := <-done:
		require.Error(t, err)
		require.True(t, errors.Is(err, ErrClosed) || errors.Is(err, ErrTimeout))
	case <-time.After(time.Second):
		t.Fatal("Read did not unblock after Close")
	}
}
