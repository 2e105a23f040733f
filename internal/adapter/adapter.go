// Package adapter implements the lifecycle controller that couples
// discovery, connection and teardown for one Bluetooth controller
// (spec.md §4.H): keep-alive scanning, the connect path from a found
// device through HCI/L2CAP/GATT/SMP to "ready", and copy-on-notify
// listener registries for every adapter- and device-level event.
package adapter

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/bthost/internal/codec"
	"github.com/srg/bthost/internal/eir"
	"github.com/srg/bthost/internal/gatt"
	"github.com/srg/bthost/internal/hci"
	"github.com/srg/bthost/internal/l2cap"
	"github.com/srg/bthost/internal/mgmt"
	"github.com/srg/bthost/internal/smp"
)

// HCIController is the subset of *hci.Handler the Adapter drives.
type HCIController interface {
	LESetScanEnable(enable bool, filterDuplicates bool) error
	LECreateConnection(p hci.ConnectionParams) error
	Disconnect(handle uint16, reason uint8) error
	StartEncryption(handle uint16, rand uint64, ediv uint16, ltk [16]byte) error
	Subscribe(code uint8, handle *uint16, fn hci.ListenerFunc) uint64
	SubscribeLEMeta(subevent uint8, fn hci.ListenerFunc) uint64
	Unsubscribe(id uint64)
	ScanState() hci.ScanState
	OnDiscoveringChanged(fn func(enabled bool))
}

// L2CAPOpener opens the fixed-channel ATT pipe for a newly connected
// peer; *l2cap.Pipe's package-level Open satisfies this via a thin
// closure in production wiring.
type L2CAPOpener func(remote codec.Address, remoteType uint8) (*l2cap.Pipe, error)

// UnpairFunc removes any existing MGMT-level bond for a peer before a
// fresh connection attempt; wired to an MGMT UNPAIR_DEVICE command in
// production.
type UnpairFunc func(addr codec.Address, addrType uint8) error

// ConnectType selects the MGMT whitelist action for AddToWhitelist, mirroring
// the kernel's ADD_DEVICE "action" byte (spec.md §4.H's "connect-type of
// {auto, direct, always}").
type ConnectType uint8

const (
	ConnectTypeAuto   ConnectType = 0x00 // background scan for auto-connect, no explicit connect
	ConnectTypeDirect ConnectType = 0x01 // direct connection
	ConnectTypeAlways ConnectType = 0x02 // always auto-connect once advertised
)

// WhitelistAddFunc issues MGMT ADD_DEVICE for (addr, addrType, connectType);
// wired to Manager.AddToWhitelist in production.
type WhitelistAddFunc func(addr codec.Address, addrType uint8, connectType ConnectType) error

// WhitelistRemoveFunc issues MGMT REMOVE_DEVICE for (addr, addrType); wired
// to Manager.RemoveFromWhitelist in production.
type WhitelistRemoveFunc func(addr codec.Address, addrType uint8) error

// Listener signatures, per spec.md §4.H's listener surface.
type (
	SettingsChangedFunc    func(old, new uint32, changed uint32, at time.Time)
	DiscoveringChangedFunc func(scanType mgmt.ScanType, enabled bool, keepAlive bool, at time.Time)
	DeviceFoundFunc        func(dev *Device, at time.Time) bool
	DeviceUpdatedFunc      func(dev *Device, changed ChangedField, at time.Time)
	DeviceConnectedFunc    func(dev *Device, handle uint16, at time.Time)
	PairingStateFunc       func(dev *Device, state smp.State, mode smp.Mode, at time.Time)
	DeviceReadyFunc        func(dev *Device, at time.Time)
	DeviceDisconnectedFunc func(dev *Device, reason uint8, oldHandle uint16, at time.Time)
)

// Mode is the controller's default BT operating mode, propagated from the
// Manager to every Adapter it creates (spec.md §4.I).
type Mode uint8

const (
	ModeBREDR Mode = iota
	ModeLE
	ModeDual
)

func (m Mode) String() string {
	switch m {
	case ModeBREDR:
		return "bredr"
	case ModeLE:
		return "le"
	case ModeDual:
		return "dual"
	default:
		return "unknown"
	}
}

// Config carries the Adapter's tunables: persistence directory, reset
// policy, default connection parameters, and the per-connection GATT
// config applied to every session it opens (spec.md §4.H, §6).
type Config struct {
	KeyDir              string
	ResetEachConn       int
	SecurityLevel       smp.SecurityLevel
	IOCapability        uint8
	ConnParams          hci.ConnectionParams
	DiscoveryBackoffMin time.Duration
	DiscoveryBackoffMax time.Duration
	FastPathTimeout     time.Duration
	GATTConfig          gatt.Config
	Mode                Mode
}

// DefaultConfig returns the documented connection-path defaults.
func DefaultConfig() Config {
	return Config{
		SecurityLevel: smp.LevelEncrypted,
		IOCapability:  smp.IOCapNoInputNoOutput,
		ConnParams: hci.ConnectionParams{
			ScanInterval:       0x0060,
			ScanWindow:         0x0030,
			ConnIntervalMin:    0x0018,
			ConnIntervalMax:    0x0028,
			SupervisionTimeout: 0x0064,
		},
		DiscoveryBackoffMin: 200 * time.Millisecond,
		DiscoveryBackoffMax: 10 * time.Second,
		FastPathTimeout:     5 * time.Second,
		GATTConfig:          gatt.DefaultConfig(),
		Mode:                ModeDual,
	}
}

// Adapter owns one HCI handler and the registry of devices it has
// observed or connected to.
type Adapter struct {
	index  uint16
	hci    HCIController
	opener L2CAPOpener
	unpair UnpairFunc
	cfg    Config
	log    *logrus.Logger
	trace  *EventTrace
	mode   Mode

	whitelistAdd    WhitelistAddFunc
	whitelistRemove WhitelistRemoveFunc

	devices *hashmap.Map[string, *Device]

	mu       sync.Mutex
	settings uint32
	readyCount int

	keepAliveMu sync.Mutex
	keepAlive   bool
	backoff     time.Duration

	listenerMu         sync.Mutex
	settingsChanged    []SettingsChangedFunc
	discoveringChanged []DiscoveringChangedFunc
	deviceFound        []DeviceFoundFunc
	deviceUpdated      []DeviceUpdatedFunc
	deviceConnected    []DeviceConnectedFunc
	pairingState       []PairingStateFunc
	deviceReady        []DeviceReadyFunc
	deviceDisconnected []DeviceDisconnectedFunc

	advSub  uint64
	discSub uint64
}

// NewAdapter wires an Adapter to hciHandler, subscribing to LE advertising
// reports and disconnection-complete events immediately. mode is the
// Manager's default BT mode (spec.md §4.I), propagated once at creation;
// an Adapter does not change mode afterward.
func NewAdapter(index uint16, hciHandler HCIController, opener L2CAPOpener, cfg Config, mode Mode, log *logrus.Logger) *Adapter {
	if log == nil {
		log = logrus.New()
	}
	a := &Adapter{
		index:   index,
		hci:     hciHandler,
		opener:  opener,
		cfg:     cfg,
		log:     log,
		mode:    mode,
		devices: hashmap.New[string, *Device](),
		backoff: cfg.DiscoveryBackoffMin,
	}
	a.advSub = a.hci.SubscribeLEMeta(hci.SubevtLEAdvertisingReport, a.handleAdvertisingReport)
	a.discSub = a.hci.Subscribe(hci.EvtDisconnectionComplete, nil, a.handleDisconnection)
	a.hci.OnDiscoveringChanged(a.handleDiscoveringChanged)
	return a
}

// Close releases the Adapter's HCI subscriptions. Device teardown
// (closing pipes/sessions) is the caller's responsibility per device.
func (a *Adapter) Close() {
	a.hci.Unsubscribe(a.advSub)
	a.hci.Unsubscribe(a.discSub)
}

// SetUnpairFunc wires the MGMT-level unpair hook invoked before every
// connection attempt; left unset, ConnectLE skips unpairing.
func (a *Adapter) SetUnpairFunc(fn UnpairFunc) { a.unpair = fn }

// SetWhitelistFuncs wires the MGMT ADD_DEVICE/REMOVE_DEVICE hooks used by
// AddToWhitelist/RemoveFromWhitelist; left unset, both return an error.
func (a *Adapter) SetWhitelistFuncs(add WhitelistAddFunc, remove WhitelistRemoveFunc) {
	a.whitelistAdd = add
	a.whitelistRemove = remove
}

// AddToWhitelist delegates d's reconnection to the controller's own
// background auto-connect via HCI (spec.md §4.H): once whitelisted with a
// connect-type of {auto, direct, always}, the controller itself reconnects
// on advertisement rather than the Adapter driving ConnectLE.
func (a *Adapter) AddToWhitelist(d *Device, connectType ConnectType) error {
	if a.whitelistAdd == nil {
		return errors.New("adapter: whitelist not wired")
	}
	return a.whitelistAdd(d.Address(), addrTypeWire(d.AddrType.Type), connectType)
}

// RemoveFromWhitelist undoes AddToWhitelist, returning d to ordinary
// Adapter-driven connection.
func (a *Adapter) RemoveFromWhitelist(d *Device) error {
	if a.whitelistRemove == nil {
		return errors.New("adapter: whitelist not wired")
	}
	return a.whitelistRemove(d.Address(), addrTypeWire(d.AddrType.Type))
}

// SetEventTrace attaches a debug trace; left unset, trace recording is a
// no-op.
func (a *Adapter) SetEventTrace(trace *EventTrace) { a.trace = trace }

// Mode returns the default BT mode the Manager propagated to this Adapter
// at creation (spec.md §4.I).
func (a *Adapter) Mode() Mode { return a.mode }

func deviceKey(at codec.AddressType) string { return at.String() }

// Devices returns a snapshot of every known device.
func (a *Adapter) Devices() []*Device {
	out := make([]*Device, 0, a.devices.Len())
	a.devices.Range(func(_ string, d *Device) bool {
		out = append(out, d)
		return true
	})
	return out
}

// DeviceByAddress looks up a device by address and type.
func (a *Adapter) DeviceByAddress(addr codec.Address, addrType codec.AddrType) (*Device, bool) {
	return a.devices.Get(deviceKey(codec.AddressType{Addr: addr, Type: addrType}))
}

// DeviceFor returns the registry entry for addr/addrType, creating a fresh
// DeviceDiscovered one if this address has never been reported by a scan or
// connected to directly. This lets a caller connect by address alone (no
// prior discovery) the same way the original spec's "connect by address"
// path works over MGMT.
func (a *Adapter) DeviceFor(addr codec.Address, addrType codec.AddrType) *Device {
	at := codec.AddressType{Addr: addr, Type: addrType}
	key := deviceKey(at)
	if d, ok := a.devices.Get(key); ok {
		return d
	}
	d := newDevice(at)
	d.Connectable = true
	actual, _ := a.devices.GetOrInsert(key, d)
	return actual
}

// --- listener registration -------------------------------------------------

func (a *Adapter) OnSettingsChanged(fn SettingsChangedFunc) {
	a.listenerMu.Lock()
	defer a.listenerMu.Unlock()
	a.settingsChanged = append(a.settingsChanged, fn)
}

func (a *Adapter) OnDiscoveringChanged(fn DiscoveringChangedFunc) {
	a.listenerMu.Lock()
	defer a.listenerMu.Unlock()
	a.discoveringChanged = append(a.discoveringChanged, fn)
}

func (a *Adapter) OnDeviceFound(fn DeviceFoundFunc) {
	a.listenerMu.Lock()
	defer a.listenerMu.Unlock()
	a.deviceFound = append(a.deviceFound, fn)
}

func (a *Adapter) OnDeviceUpdated(fn DeviceUpdatedFunc) {
	a.listenerMu.Lock()
	defer a.listenerMu.Unlock()
	a.deviceUpdated = append(a.deviceUpdated, fn)
}

func (a *Adapter) OnDeviceConnected(fn DeviceConnectedFunc) {
	a.listenerMu.Lock()
	defer a.listenerMu.Unlock()
	a.deviceConnected = append(a.deviceConnected, fn)
}

func (a *Adapter) OnPairingState(fn PairingStateFunc) {
	a.listenerMu.Lock()
	defer a.listenerMu.Unlock()
	a.pairingState = append(a.pairingState, fn)
}

func (a *Adapter) OnDeviceReady(fn DeviceReadyFunc) {
	a.listenerMu.Lock()
	defer a.listenerMu.Unlock()
	a.deviceReady = append(a.deviceReady, fn)
}

func (a *Adapter) OnDeviceDisconnected(fn DeviceDisconnectedFunc) {
	a.listenerMu.Lock()
	defer a.listenerMu.Unlock()
	a.deviceDisconnected = append(a.deviceDisconnected, fn)
}

// --- settings / power -------------------------------------------------------

// ApplySettings updates the cached settings bitmap and fires
// adapter_settings_changed with the changed-bits mask; the initial call
// has old=0 per spec.md's "initial call has old=empty".
func (a *Adapter) ApplySettings(new uint32, at time.Time) {
	a.mu.Lock()
	old := a.settings
	a.settings = new
	a.mu.Unlock()

	changed := old ^ new
	a.listenerMu.Lock()
	snapshot := append([]SettingsChangedFunc(nil), a.settingsChanged...)
	a.listenerMu.Unlock()
	for _, fn := range snapshot {
		fn(old, new, changed, at)
	}
	a.trace.Record(DebugAdapterEvent, at, "settings changed")

	if new&mgmt.SettingPowered != 0 && old&mgmt.SettingPowered == 0 {
		a.keepAliveMu.Lock()
		wantKeepAlive := a.keepAlive
		a.keepAliveMu.Unlock()
		if wantKeepAlive {
			_ = a.StartDiscovery(true)
		}
	}
}

// --- discovery ---------------------------------------------------------------

// StartDiscovery enables LE scanning. When keepAlive is true the Adapter
// transparently re-enables scanning whenever the controller reports it
// stopped on its own (e.g. after a connection completes), subject to an
// exponential backoff on repeated failure.
func (a *Adapter) StartDiscovery(keepAlive bool) error {
	a.keepAliveMu.Lock()
	a.keepAlive = keepAlive
	a.backoff = a.cfg.DiscoveryBackoffMin
	a.keepAliveMu.Unlock()
	return a.hci.LESetScanEnable(true, true)
}

// StopDiscovery disables keep-alive and LE scanning.
func (a *Adapter) StopDiscovery() error {
	a.keepAliveMu.Lock()
	a.keepAlive = false
	a.keepAliveMu.Unlock()
	return a.hci.LESetScanEnable(false, true)
}

func (a *Adapter) handleDiscoveringChanged(enabled bool) {
	now := a.now()
	a.listenerMu.Lock()
	snapshot := append([]DiscoveringChangedFunc(nil), a.discoveringChanged...)
	a.listenerMu.Unlock()
	a.keepAliveMu.Lock()
	keepAlive := a.keepAlive
	a.keepAliveMu.Unlock()
	for _, fn := range snapshot {
		fn(mgmt.ScanLE, enabled, keepAlive, now)
	}
	if !enabled && keepAlive {
		go a.reissueDiscoveryWithBackoff()
	}
}

func (a *Adapter) reissueDiscoveryWithBackoff() {
	a.keepAliveMu.Lock()
	wait := a.backoff
	a.keepAliveMu.Unlock()
	time.Sleep(wait)

	a.keepAliveMu.Lock()
	stillWanted := a.keepAlive
	a.keepAliveMu.Unlock()
	if !stillWanted {
		return
	}

	if err := a.hci.LESetScanEnable(true, true); err != nil {
		a.keepAliveMu.Lock()
		next := a.backoff * 2
		if next > a.cfg.DiscoveryBackoffMax {
			next = a.cfg.DiscoveryBackoffMax
		}
		a.backoff = next
		a.keepAliveMu.Unlock()
		a.log.WithError(err).Debug("adapter: keep-alive discovery re-issue failed")
		return
	}
	a.keepAliveMu.Lock()
	a.backoff = a.cfg.DiscoveryBackoffMin
	a.keepAliveMu.Unlock()
}

// now is a thin time.Now indirection kept separate from timestamp fields
// so tests can assert ordering without depending on wall-clock values.
func (a *Adapter) now() time.Time { return time.Now() }

func (a *Adapter) handleAdvertisingReport(ev hci.Event) {
	reports, err := hci.DecodeLEAdvertisingReports(ev.Params)
	if err != nil {
		a.log.WithError(err).Debug("adapter: malformed advertising report")
		return
	}
	for _, r := range reports {
		a.observeReport(r)
	}
}

// observeReport resolves one advertising report into a device_found or
// device_updated callback. Resolvable-private addresses are recorded for
// connection bookkeeping but never surfaced as new devices: without
// address resolution (no IRK store wired here) the stack cannot tell a
// fresh RPA from an already-known peer rotating its address, so treating
// every RPA sighting as "found" would spam listeners with phantom devices.
func (a *Adapter) observeReport(r hci.LEAdvertisingReport) {
	addrKind := classifyAddrType(r.AddrType, r.Addr)
	at := codec.AddressType{Addr: r.Addr, Type: addrKind}
	now := a.now()

	key := deviceKey(at)
	d, existed := a.devices.Get(key)
	report := eir.Decode(r.Data)

	if !existed {
		if addrKind == codec.AddrRandomResolvablePrivate {
			return
		}
		d = newDevice(at)
		d.LastDiscoveryUnix = now.Unix()
		a.devices.Set(key, d)
	}

	d.mu.Lock()
	changed := ChangedField(0)
	if d.RSSI != r.RSSI {
		changed |= ChangedRSSI
	}
	d.RSSI = r.RSSI
	d.EIR = eir.Merge(d.EIR, report)
	changed |= ChangedEIR
	if r.EventType != hci.AdvEventScanResponse {
		d.Connectable = r.EventType == hci.AdvEventInd || r.EventType == hci.AdvEventDirectInd
	}
	d.LastUpdateUnix = now.Unix()
	d.mu.Unlock()

	a.trace.Record(DebugHCIScanADEIR, now, d.Address().String())

	if !existed {
		a.listenerMu.Lock()
		snapshot := append([]DeviceFoundFunc(nil), a.deviceFound...)
		a.listenerMu.Unlock()
		won := -1
		for i, fn := range snapshot {
			if fn(d, now) && won == -1 {
				won = i
			}
		}
		if won >= 0 {
			d.mu.Lock()
			d.FoundByListener = won
			d.mu.Unlock()
		}
		return
	}

	a.listenerMu.Lock()
	snapshot := append([]DeviceUpdatedFunc(nil), a.deviceUpdated...)
	a.listenerMu.Unlock()
	for _, fn := range snapshot {
		fn(d, changed, now)
	}
}

// classifyAddrType turns the HCI wire address-type byte (0=public,
// 1=random) into the full AddrType including the random sub-kind.
func classifyAddrType(wireType uint8, addr codec.Address) codec.AddrType {
	if wireType == 0 {
		return codec.AddrPublicLE
	}
	return codec.ClassifyRandomAddress(addr)
}

// --- connection path ---------------------------------------------------------

// Sentinel connection-path failures.
var (
	ErrAlreadyConnecting = errors.New("adapter: device already connecting")
	ErrConnectTimeout    = errors.New("adapter: connection-complete timeout")
)

// ConnectDefault stops discovery, optionally loads a persisted key bin,
// and connects using the Adapter's default connection parameters
// (spec.md §4.H "connect_default").
func (a *Adapter) ConnectDefault(d *Device) error {
	return a.ConnectLE(d, a.cfg.ConnParams)
}

// ConnectLE drives the full connection path: stop discovery, optionally
// unpair, issue LE_Create_Connection, allocate the L2CAP pipe and GATT
// session on connection-complete, then attempt the SMP fast path from a
// persisted key bin. On any failure, the error is returned,
// device_disconnected is raised with reason 0 and old handle 0, and the
// device reverts to DeviceDiscovered.
func (a *Adapter) ConnectLE(d *Device, params hci.ConnectionParams) error {
	d.mu.Lock()
	if d.State == DeviceConnecting || d.State == DeviceConnected || d.State == DeviceReady {
		d.mu.Unlock()
		return ErrAlreadyConnecting
	}
	d.State = DeviceConnecting
	d.mu.Unlock()

	if err := a.StopDiscovery(); err != nil {
		a.failConnect(d, err)
		return err
	}
	if a.unpair != nil {
		_ = a.unpair(d.Address(), uint8(d.AddrType.Type))
	}

	params.PeerAddrType = addrTypeWire(d.AddrType.Type)
	params.PeerAddr = d.Address().HCIBytes()

	complete := make(chan hci.LEConnectionComplete, 1)
	subID := a.hci.SubscribeLEMeta(hci.SubevtLEConnectionComplete, func(ev hci.Event) {
		cc, err := hci.DecodeLEConnectionComplete(ev.Params)
		if err != nil || !cc.PeerAddr.HasPrefix(d.Address(), 6) {
			return
		}
		select {
		case complete <- cc:
		default:
		}
	})
	defer a.hci.Unsubscribe(subID)

	if err := a.hci.LECreateConnection(params); err != nil {
		a.failConnect(d, err)
		return err
	}

	var cc hci.LEConnectionComplete
	select {
	case cc = <-complete:
	case <-time.After(15 * time.Second):
		a.failConnect(d, ErrConnectTimeout)
		return ErrConnectTimeout
	}
	if cc.Status != 0 {
		err := fmt.Errorf("adapter: connection failed with status %d", cc.Status)
		a.failConnect(d, err)
		return err
	}

	d.mu.Lock()
	d.Handle = cc.ConnHandle
	d.State = DeviceConnected
	d.mu.Unlock()

	now := a.now()
	a.listenerMu.Lock()
	connSnapshot := append([]DeviceConnectedFunc(nil), a.deviceConnected...)
	a.listenerMu.Unlock()
	for _, fn := range connSnapshot {
		fn(d, cc.ConnHandle, now)
	}

	pipe, err := a.opener(d.Address(), addrTypeWire(d.AddrType.Type))
	if err != nil {
		a.failConnect(d, err)
		return err
	}
	d.mu.Lock()
	d.Pipe = pipe
	d.GATT = gatt.NewSession(pipe, a.cfg.GATTConfig, a.log)
	d.SMP = smp.NewEngine(d.Address(), addrTypeWire(d.AddrType.Type), cc.ConnHandle)
	smpEngine := d.SMP
	d.mu.Unlock()

	smpEngine.OnStateChanged(func(state smp.State, mode smp.Mode) {
		a.listenerMu.Lock()
		snapshot := append([]PairingStateFunc(nil), a.pairingState...)
		a.listenerMu.Unlock()
		for _, fn := range snapshot {
			fn(d, state, mode, a.now())
		}
	})

	a.advanceToReady(d, smpEngine)
	return nil
}

// Disconnect issues HCI_Disconnect for d's current connection handle. State
// cleanup and the device_disconnected notification happen asynchronously,
// once the controller confirms, via handleDisconnection.
func (a *Adapter) Disconnect(d *Device, reason uint8) error {
	d.mu.Lock()
	handle := d.Handle
	connected := d.State == DeviceConnected || d.State == DeviceReady
	d.mu.Unlock()
	if !connected {
		return nil
	}
	return a.hci.Disconnect(handle, reason)
}

// advanceToReady attempts the SMP fast path from a persisted key bin; on
// success or when no key bin exists, the device is marked ready
// (interactive pairing is driven separately via the SMP engine's
// passkey/numeric-compare entry points, not from this path).
func (a *Adapter) advanceToReady(d *Device, engine *smp.Engine) {
	engine.SetConnSecurity(a.cfg.SecurityLevel, a.cfg.IOCapability)

	if a.cfg.KeyDir != "" {
		kb, err := smp.ReadFile(a.cfg.KeyDir, d.Address(), addrTypeWire(d.AddrType.Type))
		if err == nil {
			if ferr := engine.TryFastPath(a.hci, kb, a.cfg.FastPathTimeout); ferr == nil {
				a.markReady(d)
				return
			}
		}
	}
	a.markReady(d)
}

func (a *Adapter) markReady(d *Device) {
	d.mu.Lock()
	d.State = DeviceReady
	d.mu.Unlock()
	now := a.now()
	a.listenerMu.Lock()
	snapshot := append([]DeviceReadyFunc(nil), a.deviceReady...)
	a.listenerMu.Unlock()
	for _, fn := range snapshot {
		fn(d, now)
	}
	a.maybeResetAfterReady()
}

// maybeResetAfterReady implements reset_each_conn=N: every N ready
// devices, the caller-supplied reset hook (production wiring: an MGMT
// power-cycle) should be invoked. This Adapter only tracks the counter;
// the actual reset action is exposed via ReadyCount for the owner to act
// on, since power-cycling crosses the Manager boundary.
func (a *Adapter) maybeResetAfterReady() {
	if a.cfg.ResetEachConn <= 0 {
		return
	}
	a.mu.Lock()
	a.readyCount++
	a.mu.Unlock()
}

// ReadyCount reports how many devices have reached DeviceReady, and
// whether that count is currently a multiple of ResetEachConn. The counter
// only advances while ResetEachConn > 0; otherwise it stays at zero.
func (a *Adapter) ReadyCount() (count int, dueForReset bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cfg.ResetEachConn <= 0 {
		return a.readyCount, false
	}
	return a.readyCount, a.readyCount > 0 && a.readyCount%a.cfg.ResetEachConn == 0
}

func (a *Adapter) failConnect(d *Device, err error) {
	d.mu.Lock()
	d.State = DeviceDiscovered
	d.Handle = 0
	d.mu.Unlock()
	a.notifyDisconnected(d, 0, 0)
	a.log.WithError(err).WithField("address", d.Address()).Debug("adapter: connection attempt failed")
}

func (a *Adapter) handleDisconnection(ev hci.Event) {
	dc, err := hci.DecodeDisconnectionComplete(ev.Params)
	if err != nil {
		return
	}
	var found *Device
	a.devices.Range(func(_ string, d *Device) bool {
		d.mu.Lock()
		match := d.Handle == dc.ConnHandle && d.State != DeviceDiscovered
		d.mu.Unlock()
		if match {
			found = d
			return false
		}
		return true
	})
	if found == nil {
		return
	}

	found.mu.Lock()
	oldHandle := found.Handle
	pipe := found.Pipe
	gattSession := found.GATT
	found.State = DeviceDisconnected
	found.Handle = 0
	found.Pipe = nil
	found.GATT = nil
	found.mu.Unlock()

	// Closing the pipe makes the session reader's blocked pipe.Read return
	// an error, which is what ends that goroutine; Session.Close only marks
	// the session closed and does not wait for it.
	if pipe != nil {
		_ = pipe.Close()
	}
	if gattSession != nil {
		gattSession.Close()
	}

	a.notifyDisconnected(found, dc.Reason, oldHandle)
}

func (a *Adapter) notifyDisconnected(d *Device, reason uint8, oldHandle uint16) {
	now := a.now()
	a.listenerMu.Lock()
	snapshot := append([]DeviceDisconnectedFunc(nil), a.deviceDisconnected...)
	a.listenerMu.Unlock()
	for _, fn := range snapshot {
		fn(d, reason, oldHandle, now)
	}
}

func addrTypeWire(t codec.AddrType) uint8 {
	if t == codec.AddrPublicLE || t == codec.AddrPublicBREDR {
		return 0
	}
	return 1
}
