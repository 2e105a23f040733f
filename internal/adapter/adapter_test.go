package adapter

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/srg/bthost/internal/codec"
	"github.com/srg/bthost/internal/hci"
)

// fakeHCI is a minimal HCIController used to drive the Adapter without a
// real controller; tests invoke its captured listener functions directly to
// simulate controller events.
type fakeHCI struct {
	mu sync.Mutex

	advListener  hci.ListenerFunc
	discListener hci.ListenerFunc
	discChanged  func(bool)

	scanEnableCalls   int
	scanEnableErr     error
	createConnCalls   int
	createConnErr     error
	lastConnParams    hci.ConnectionParams
}

func newFakeHCI() *fakeHCI { return &fakeHCI{} }

func (f *fakeHCI) LESetScanEnable(enable bool, filterDuplicates bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanEnableCalls++
	return f.scanEnableErr
}

func (f *fakeHCI) LECreateConnection(p hci.ConnectionParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createConnCalls++
	f.lastConnParams = p
	return f.createConnErr
}

func (f *fakeHCI) Disconnect(handle uint16, reason uint8) error { return nil }

func (f *fakeHCI) StartEncryption(handle uint16, rand uint64, ediv uint16, ltk [16]byte) error {
	return nil
}

func (f *fakeHCI) Subscribe(code uint8, handle *uint16, fn hci.ListenerFunc) uint64 {
	if code == hci.EvtDisconnectionComplete {
		f.discListener = fn
	}
	return 1
}

func (f *fakeHCI) SubscribeLEMeta(subevent uint8, fn hci.ListenerFunc) uint64 {
	if subevent == hci.SubevtLEAdvertisingReport {
		f.advListener = fn
	}
	return 2
}

func (f *fakeHCI) Unsubscribe(id uint64) {}

func (f *fakeHCI) ScanState() hci.ScanState { return hci.ScanState(0) }

func (f *fakeHCI) OnDiscoveringChanged(fn func(enabled bool)) { f.discChanged = fn }

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func encodeAdvertisingReport(addrType uint8, addr codec.Address, data []byte, rssi int8) []byte {
	b := []byte{0x01, 0x00, addrType}
	b = append(b, addr.HCIBytes()[:]...)
	b = append(b, byte(len(data)))
	b = append(b, data...)
	b = append(b, byte(rssi))
	return b
}

func TestDeviceFoundFiltersResolvablePrivateAddress(t *testing.T) {
	f := newFakeHCI()
	a := NewAdapter(0, f, nil, DefaultConfig(), ModeDual, testLogger())
	defer a.Close()

	var found []string
	a.OnDeviceFound(func(d *Device, at time.Time) bool {
		found = append(found, d.Address().String())
		return true
	})

	pub, err := codec.ParseAddress("C0:26:DA:01:DA:B1")
	require.NoError(t, err)
	rpa, err := codec.ParseAddress("40:00:00:00:00:01") // top bits 01 => resolvable private
	require.NoError(t, err)

	params := encodeAdvertisingReport(0x00, pub, []byte{0x02, 0x01, 0x06}, -40)
	f.advListener(hci.Event{Code: hci.EvtLEMeta, Subevent: hci.SubevtLEAdvertisingReport, Params: params})

	rpaParams := encodeAdvertisingReport(0x01, rpa, []byte{0x02, 0x01, 0x06}, -40)
	f.advListener(hci.Event{Code: hci.EvtLEMeta, Subevent: hci.SubevtLEAdvertisingReport, Params: rpaParams})

	require.Equal(t, []string{pub.String()}, found)
	require.Equal(t, 1, len(a.Devices()))
}

func TestDeviceUpdatedFiresOnRepeatReport(t *testing.T) {
	f := newFakeHCI()
	a := NewAdapter(0, f, nil, DefaultConfig(), ModeDual, testLogger())
	defer a.Close()

	var foundCount, updatedCount int
	a.OnDeviceFound(func(d *Device, at time.Time) bool { foundCount++; return true })
	a.OnDeviceUpdated(func(d *Device, changed ChangedField, at time.Time) { updatedCount++ })

	pub, err := codec.ParseAddress("28:FF:B2:C1:46:19")
	require.NoError(t, err)

	params := encodeAdvertisingReport(0x00, pub, []byte{0x02, 0x01, 0x06}, -50)
	f.advListener(hci.Event{Subevent: hci.SubevtLEAdvertisingReport, Params: params})
	params2 := encodeAdvertisingReport(0x00, pub, []byte{0x02, 0x01, 0x06}, -45)
	f.advListener(hci.Event{Subevent: hci.SubevtLEAdvertisingReport, Params: params2})

	require.Equal(t, 1, foundCount)
	require.Equal(t, 1, updatedCount)
}

func TestSettingsChangedInitialCallHasEmptyOld(t *testing.T) {
	f := newFakeHCI()
	a := NewAdapter(0, f, nil, DefaultConfig(), ModeDual, testLogger())
	defer a.Close()

	var gotOld, gotNew uint32
	a.OnSettingsChanged(func(old, new uint32, changed uint32, at time.Time) {
		gotOld, gotNew = old, new
	})
	a.ApplySettings(0x03, time.Now())
	require.Equal(t, uint32(0), gotOld)
	require.Equal(t, uint32(0x03), gotNew)
}

func TestKeepAliveDiscoveryReissuesOnSpontaneousStop(t *testing.T) {
	f := newFakeHCI()
	cfg := DefaultConfig()
	cfg.DiscoveryBackoffMin = 5 * time.Millisecond
	a := NewAdapter(0, f, nil, cfg, ModeDual, testLogger())
	defer a.Close()

	require.NoError(t, a.StartDiscovery(true))
	require.Equal(t, 1, f.scanEnableCalls)

	f.discChanged(false)
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.scanEnableCalls >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestStopDiscoveryDisablesKeepAlive(t *testing.T) {
	f := newFakeHCI()
	a := NewAdapter(0, f, nil, DefaultConfig(), ModeDual, testLogger())
	defer a.Close()

	require.NoError(t, a.StartDiscovery(true))
	require.NoError(t, a.StopDiscovery())
	calls := f.scanEnableCalls
	f.discChanged(false)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, calls, f.scanEnableCalls)
}

func TestHandleDisconnectionFiresOnceAndClearsState(t *testing.T) {
	f := newFakeHCI()
	a := NewAdapter(0, f, nil, DefaultConfig(), ModeDual, testLogger())
	defer a.Close()

	addr, err := codec.ParseAddress("52:AC:AD:2C:37:37")
	require.NoError(t, err)
	d := newDevice(codec.AddressType{Addr: addr, Type: codec.AddrPublicLE})
	d.State = DeviceReady
	d.Handle = 7
	a.devices.Set(deviceKey(d.AddrType), d)

	var disconnected int
	var lastReason uint8
	a.OnDeviceDisconnected(func(dev *Device, reason uint8, oldHandle uint16, at time.Time) {
		disconnected++
		lastReason = reason
	})

	f.discListener(hci.Event{Params: []byte{0x00, 0x07, 0x00, 0x13}})

	require.Equal(t, 1, disconnected)
	require.Equal(t, uint8(0x13), lastReason)
	require.Equal(t, DeviceDisconnected, d.State)
	require.Equal(t, uint16(0), d.Handle)
}

func TestDeviceFoundRecordsWinningListener(t *testing.T) {
	f := newFakeHCI()
	a := NewAdapter(0, f, nil, DefaultConfig(), ModeDual, testLogger())
	defer a.Close()

	var loserCalls int
	a.OnDeviceFound(func(d *Device, at time.Time) bool { loserCalls++; return false })
	a.OnDeviceFound(func(d *Device, at time.Time) bool { return true })

	pub, err := codec.ParseAddress("C0:26:DA:01:DA:B1")
	require.NoError(t, err)
	params := encodeAdvertisingReport(0x00, pub, []byte{0x02, 0x01, 0x06}, -40)
	f.advListener(hci.Event{Code: hci.EvtLEMeta, Subevent: hci.SubevtLEAdvertisingReport, Params: params})

	require.Equal(t, 1, loserCalls)
	d, ok := a.DeviceByAddress(pub, codec.AddrPublicLE)
	require.True(t, ok)
	require.Equal(t, 1, d.Snapshot().FoundByListener)
}

func TestDeviceFoundLeavesWinnerUnsetWhenNoListenerClaimsIt(t *testing.T) {
	f := newFakeHCI()
	a := NewAdapter(0, f, nil, DefaultConfig(), ModeDual, testLogger())
	defer a.Close()

	a.OnDeviceFound(func(d *Device, at time.Time) bool { return false })

	pub, err := codec.ParseAddress("C0:26:DA:01:DA:B2")
	require.NoError(t, err)
	params := encodeAdvertisingReport(0x00, pub, []byte{0x02, 0x01, 0x06}, -40)
	f.advListener(hci.Event{Code: hci.EvtLEMeta, Subevent: hci.SubevtLEAdvertisingReport, Params: params})

	d, ok := a.DeviceByAddress(pub, codec.AddrPublicLE)
	require.True(t, ok)
	require.Equal(t, -1, d.Snapshot().FoundByListener)
}

func TestWhitelistFuncsRoutedWithDeviceAddress(t *testing.T) {
	f := newFakeHCI()
	a := NewAdapter(0, f, nil, DefaultConfig(), ModeDual, testLogger())
	defer a.Close()

	var addedAddr codec.Address
	var addedType ConnectType
	var removed bool
	a.SetWhitelistFuncs(
		func(addr codec.Address, addrType uint8, connectType ConnectType) error {
			addedAddr = addr
			addedType = connectType
			return nil
		},
		func(addr codec.Address, addrType uint8) error {
			removed = true
			return nil
		},
	)

	pub, err := codec.ParseAddress("C0:26:DA:01:DA:B3")
	require.NoError(t, err)
	d := newDevice(codec.AddressType{Addr: pub, Type: codec.AddrPublicLE})

	require.NoError(t, a.AddToWhitelist(d, ConnectTypeAlways))
	require.Equal(t, pub, addedAddr)
	require.Equal(t, ConnectTypeAlways, addedType)

	require.NoError(t, a.RemoveFromWhitelist(d))
	require.True(t, removed)
}

func TestWhitelistFuncsErrorWhenUnwired(t *testing.T) {
	f := newFakeHCI()
	a := NewAdapter(0, f, nil, DefaultConfig(), ModeDual, testLogger())
	defer a.Close()

	pub, err := codec.ParseAddress("C0:26:DA:01:DA:B4")
	require.NoError(t, err)
	d := newDevice(codec.AddressType{Addr: pub, Type: codec.AddrPublicLE})

	require.Error(t, a.AddToWhitelist(d, ConnectTypeAuto))
	require.Error(t, a.RemoveFromWhitelist(d))
}

func TestReadyCountTriggersResetEveryN(t *testing.T) {
	f := newFakeHCI()
	cfg := DefaultConfig()
	cfg.ResetEachConn = 2
	a := NewAdapter(0, f, nil, cfg, ModeDual, testLogger())
	defer a.Close()

	_, due := a.ReadyCount()
	require.False(t, due)

	a.maybeResetAfterReady()
	_, due = a.ReadyCount()
	require.False(t, due)

	a.maybeResetAfterReady()
	count, due := a.ReadyCount()
	require.Equal(t, 2, count)
	require.True(t, due)
}
