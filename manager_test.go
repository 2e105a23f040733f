package bthost

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/srg/bthost/internal/adapter"
	"github.com/srg/bthost/internal/hci"
	"github.com/srg/bthost/internal/mgmt"
)

// fakeMGMTTransport is an in-memory loopback MGMTTransport: Write appends a
// command to an inbox a test script drains and replies to via injectEvent,
// matching the style of internal/hci's own fakeController.
type fakeMGMTTransport struct {
	mu     sync.Mutex
	cond   *sync.Cond
	outbox [][]byte
	closed bool
	reply  func(index, opcode uint16, payload []byte) []byte
}

func newFakeMGMTTransport() *fakeMGMTTransport {
	f := &fakeMGMTTransport{}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *fakeMGMTTransport) Write(buf []byte) (int, error) {
	frame, err := mgmt.Decode(buf)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reply != nil {
		if ev := f.reply(frame.Header.Index, frame.Header.Opcode, frame.Payload); ev != nil {
			f.outbox = append(f.outbox, ev)
			f.cond.Broadcast()
		}
	}
	return len(buf), nil
}

func (f *fakeMGMTTransport) injectEvent(b []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outbox = append(f.outbox, b)
	f.cond.Broadcast()
}

func (f *fakeMGMTTransport) Read(buf []byte, timeout time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.outbox) == 0 && !f.closed {
		f.cond.Wait()
	}
	if f.closed && len(f.outbox) == 0 {
		return 0, io.EOF
	}
	ev := f.outbox[0]
	f.outbox = f.outbox[1:]
	n := copy(buf, ev)
	return n, nil
}

func (f *fakeMGMTTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.cond.Broadcast()
	return nil
}

func commandCompleteFrame(index, opcode uint16, status uint8, params []byte) []byte {
	body := append([]byte{byte(opcode), byte(opcode >> 8), status}, params...)
	return mgmt.Encode(mgmt.EvCommandComplete, index, body)
}

func testManager(t *testing.T, transport *fakeMGMTTransport) *Manager {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	m := &Manager{
		log:      log,
		mgmtConn: adapter.NewMGMTConn(transport, adapter.DefaultMGMTConfig(), log),
		adapters: hashmap.New[uint16, *adapter.Adapter](),
		handlers: hashmap.New[uint16, *hci.Handler](),
	}
	m.mgmtConn.Subscribe(m.handleMGMTEvent)
	t.Cleanup(func() { _ = m.mgmtConn.Close() })
	return m
}

func TestControllerIndexesDecodesReadIndexList(t *testing.T) {
	transport := newFakeMGMTTransport()
	transport.reply = func(index, opcode uint16, payload []byte) []byte {
		if opcode == mgmt.OpReadIndexList {
			return commandCompleteFrame(index, opcode, 0, []byte{0x02, 0x00, 0x00, 0x00, 0x01, 0x00})
		}
		return nil
	}
	m := testManager(t, transport)

	list, err := m.ControllerIndexes()
	require.NoError(t, err)
	require.Equal(t, []uint16{0, 1}, list)
}

func TestSetPoweredPropagatesSettingsToAcquiredAdapter(t *testing.T) {
	transport := newFakeMGMTTransport()
	transport.reply = func(index, opcode uint16, payload []byte) []byte {
		if opcode == mgmt.OpSetPowered {
			return commandCompleteFrame(index, opcode, 0, []byte{0x01, 0x00, 0x00, 0x00})
		}
		return nil
	}
	m := testManager(t, transport)

	var gotNew uint32
	fakeAdapter := &adapter.Adapter{}
	fakeAdapter.OnSettingsChanged(func(old, new uint32, changed uint32, at time.Time) {
		gotNew = new
	})
	m.adapters.Set(0, fakeAdapter)

	require.NoError(t, m.SetPowered(0, true))
	require.Equal(t, uint32(mgmt.SettingPowered), gotNew)
}

func TestAdapterSetChangedFiresOnIndexAddedAndRemoved(t *testing.T) {
	transport := newFakeMGMTTransport()
	m := testManager(t, transport)

	var events []struct {
		index uint16
		added bool
	}
	m.OnAdapterSetChanged(func(index uint16, added bool) {
		events = append(events, struct {
			index uint16
			added bool
		}{index, added})
	})

	transport.injectEvent(mgmt.Encode(mgmt.EvIndexAdded, 0, nil))
	require.Eventually(t, func() bool { return len(events) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, uint16(0), events[0].index)
	require.True(t, events[0].added)

	transport.injectEvent(mgmt.Encode(mgmt.EvIndexRemoved, 0, nil))
	require.Eventually(t, func() bool { return len(events) == 2 }, time.Second, 5*time.Millisecond)
	require.False(t, events[1].added)
}

func TestShutdownIsIdempotent(t *testing.T) {
	transport := newFakeMGMTTransport()
	m := testManager(t, transport)

	require.NoError(t, m.Shutdown())
	require.NoError(t, m.Shutdown())
}
