package hci

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bthost/internal/codec"
	"github.com/stretchr/testify/require"
)

// fakeController is a Transport that behaves like a cooperative HCI
// controller: Write enqueues a command, a background goroutine replies with
// whatever the test script provides for that opcode, and Read blocks until
// a reply (or injected event) is queued.
type fakeController struct {
	mu       sync.Mutex
	cond     *sync.Cond
	outbox   [][]byte
	closed   bool
	reply    func(cmd Command) []byte // returns raw event bytes, or nil to drop
	writeErr error
}

func newFakeController() *fakeController {
	f := &fakeController{}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *fakeController) Write(buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	if f.closed {
		return 0, errors.New("closed")
	}
	opcode := Opcode(uint16(buf[0]) | uint16(buf[1])<<8)
	plen := int(buf[2])
	cmd := Command{Opcode: opcode, Params: append([]byte(nil), buf[3:3+plen]...)}
	if f.reply != nil {
		if ev := f.reply(cmd); ev != nil {
			f.outbox = append(f.outbox, ev)
			f.cond.Broadcast()
		}
	}
	return len(buf), nil
}

func (f *fakeController) injectEvent(b []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outbox = append(f.outbox, b)
	f.cond.Broadcast()
}

func (f *fakeController) Read(buf []byte, timeout time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.outbox) == 0 && !f.closed {
		f.cond.Wait()
	}
	if f.closed {
		return 0, errors.New("closed")
	}
	ev := f.outbox[0]
	f.outbox = f.outbox[1:]
	n := copy(buf, ev)
	return n, nil
}

func (f *fakeController) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.cond.Broadcast()
	return nil
}

func commandCompleteEvent(opcode Opcode, returnParams []byte) []byte {
	params := append([]byte{0x01, byte(opcode), byte(opcode >> 8)}, returnParams...)
	return append([]byte{EvtCommandComplete, byte(len(params))}, params...)
}

func commandStatusEvent(opcode Opcode, status uint8) []byte {
	params := []byte{status, 0x01, byte(opcode), byte(opcode >> 8)}
	return append([]byte{EvtCommandStatus, byte(len(params))}, params...)
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestSendCommandReturnsMatchingCompletion(t *testing.T) {
	fc := newFakeController()
	fc.reply = func(cmd Command) []byte {
		if cmd.Opcode == OpReset {
			return commandCompleteEvent(OpReset, []byte{0x00})
		}
		return nil
	}
	h := New(fc, DefaultConfig(), testLogger())
	defer h.Close()

	cc, err := h.SendCommand(Command{Opcode: OpReset})
	require.NoError(t, err)
	require.Equal(t, OpReset, cc.Opcode)
	require.Equal(t, []byte{0x00}, cc.ReturnParams)
}

func TestSendCommandTimesOutWithoutClosingHandler(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CommandCompleteTimeout = 50 * time.Millisecond
	fc := newFakeController() // never replies
	h := New(fc, cfg, testLogger())
	defer h.Close()

	_, err := h.SendCommand(Command{Opcode: OpReset})
	require.ErrorIs(t, err, ErrTimeout)

	// Handler must still be usable: a second command on the same opcode
	// class should not deadlock behind the timed-out one.
	fc.reply = func(cmd Command) []byte {
		return commandCompleteEvent(OpReset, []byte{0x00})
	}
	cc, err := h.SendCommand(Command{Opcode: OpReset})
	require.NoError(t, err)
	require.Equal(t, OpReset, cc.Opcode)
}

func TestOpcodeClassSerializesConcurrentSenders(t *testing.T) {
	fc := newFakeController()
	var mu sync.Mutex
	var concurrentInFlight, maxConcurrent int
	fc.reply = func(cmd Command) []byte {
		mu.Lock()
		concurrentInFlight++
		if concurrentInFlight > maxConcurrent {
			maxConcurrent = concurrentInFlight
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		concurrentInFlight--
		mu.Unlock()
		return commandCompleteEvent(cmd.Opcode, nil)
	}
	h := New(fc, DefaultConfig(), testLogger())
	defer h.Close()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.SendCommand(Command{Opcode: OpLECreateConnection})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, maxConcurrent, "commands sharing an opcode class must serialize")
}

func TestIOErrorOnWriteClosesHandler(t *testing.T) {
	fc := newFakeController()
	fc.writeErr = errors.New("boom")
	h := New(fc, DefaultConfig(), testLogger())
	defer h.Close()

	_, err := h.SendCommand(Command{Opcode: OpReset})
	require.ErrorIs(t, err, ErrIOError)

	_, err = h.SendCommand(Command{Opcode: OpReadBDADDR})
	require.ErrorIs(t, err, ErrIOError)
}

func TestLEScanEnableStateMachine(t *testing.T) {
	fc := newFakeController()
	fc.reply = func(cmd Command) []byte {
		return commandCompleteEvent(OpLESetScanEnable, []byte{0x00})
	}
	h := New(fc, DefaultConfig(), testLogger())
	defer h.Close()

	require.Equal(t, ScanOff, h.ScanState())
	require.NoError(t, h.LESetScanEnable(true, true))
	require.Equal(t, ScanOn, h.ScanState())
	require.NoError(t, h.LESetScanEnable(false, false))
	require.Equal(t, ScanOff, h.ScanState())
}

func TestScanStateResetsOnConnectionComplete(t *testing.T) {
	fc := newFakeController()
	fc.reply = func(cmd Command) []byte {
		if cmd.Opcode == OpLESetScanEnable {
			return commandCompleteEvent(OpLESetScanEnable, []byte{0x00})
		}
		return nil
	}
	h := New(fc, DefaultConfig(), testLogger())
	defer h.Close()

	var notified bool
	var mu sync.Mutex
	h.OnDiscoveringChanged(func(enabled bool) {
		mu.Lock()
		notified = true
		mu.Unlock()
	})

	require.NoError(t, h.LESetScanEnable(true, true))
	require.Equal(t, ScanOn, h.ScanState())

	addr := codec.Address{}
	cc := LEConnectionComplete{Status: 0, ConnHandle: 1, PeerAddr: addr}
	_ = cc
	params := make([]byte, 18)
	fc.injectEvent(append([]byte{EvtLEMeta, byte(len(params) + 1), SubevtLEConnectionComplete}, params...))

	require.Eventually(t, func() bool {
		return h.ScanState() == ScanOff
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.True(t, notified)
}

func TestSubscribeDeliversLEMetaEvents(t *testing.T) {
	fc := newFakeController()
	h := New(fc, DefaultConfig(), testLogger())
	defer h.Close()

	reports := make(chan []LEAdvertisingReport, 1)
	h.SubscribeLEMeta(SubevtLEAdvertisingReport, func(ev Event) {
		rs, err := DecodeLEAdvertisingReports(ev.Params)
		if err == nil {
			reports <- rs
		}
	})

	body := []byte{0x01, 0x00, 0x00}
	body = append(body, []byte{0xB1, 0xDA, 0x01, 0xDA, 0x26, 0xC0}...)
	body = append(body, 0x00)
	body = append(body, 0xC8)
	fc.injectEvent(append([]byte{EvtLEMeta, byte(len(body) + 1), SubevtLEAdvertisingReport}, body...))

	select {
	case rs := <-reports:
		require.Len(t, rs, 1)
		require.Equal(t, "C0:26:DA:01:DA:B1", rs[0].Addr.String())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for advertising report")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	fc := newFakeController()
	h := New(fc, DefaultConfig(), testLogger())
	defer h.Close()

	var count int
	var mu sync.Mutex
	id := h.Subscribe(EvtDisconnectionComplete, nil, func(ev Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	h.Unsubscribe(id)

	fc.injectEvent([]byte{EvtDisconnectionComplete, 0x04, 0x00, 0x01, 0x00, 0x13})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 0, count)
}
