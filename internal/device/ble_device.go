package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/bthost/internal/adapter"
	"github.com/srg/bthost/internal/codec"
	"github.com/srg/bthost/internal/eir"
)

// defaultAdapterIndex is the controller index used when a caller connects or
// scans by address alone, with no prior multi-adapter selection. Hosts with
// a single HCI controller (the common case this package targets) never need
// to name an index explicitly.
const defaultAdapterIndex uint16 = 0

// AdapterResolver opens (or returns the already-open) *adapter.Adapter a
// BLEDevice should use. Production code wires this to the root bthost
// Manager; tests substitute a resolver backed by a fake HCI/L2CAP stack.
type AdapterResolver func() (*adapter.Adapter, error)

var (
	resolverMu      sync.Mutex
	defaultResolver AdapterResolver
)

// SetAdapterResolver overrides how BLEDevice/BLEAdvertisement obtain their
// Adapter. Called once at process start-up (cmd/bthost) and by tests that
// need a fake adapter instead of a real HCI socket.
func SetAdapterResolver(r AdapterResolver) {
	resolverMu.Lock()
	defer resolverMu.Unlock()
	defaultResolver = r
}

func resolveAdapter() (*adapter.Adapter, error) {
	resolverMu.Lock()
	r := defaultResolver
	resolverMu.Unlock()
	if r == nil {
		return nil, fmt.Errorf("device: no adapter resolver configured")
	}
	return r()
}

// ----------------------------
// BLEAdvertisement
// ----------------------------

// BLEAdvertisement adapts a decoded eir.Report plus its carrying address/RSSI
// to the device.Advertisement interface.
type BLEAdvertisement struct {
	addr        codec.Address
	addrT       codec.AddrType
	rssi        int8
	connectable bool
	report      eir.Report
}

// NewAdvertisement wraps a discovery-path eir.Report for handoff to
// scan callbacks.
func NewAdvertisement(addr codec.Address, addrT codec.AddrType, rssi int8, connectable bool, report eir.Report) *BLEAdvertisement {
	return &BLEAdvertisement{addr: addr, addrT: addrT, rssi: rssi, connectable: connectable, report: report}
}

func (a *BLEAdvertisement) LocalName() string { return a.report.LocalName }

func (a *BLEAdvertisement) ManufacturerData() []byte { return a.report.ManufacturerData }

func (a *BLEAdvertisement) ServiceData() []struct {
	UUID string
	Data []byte
} {
	out := make([]struct {
		UUID string
		Data []byte
	}, len(a.report.ServiceData))
	for i, sd := range a.report.ServiceData {
		out[i].UUID = sd.UUID
		out[i].Data = sd.Data
	}
	return out
}

func (a *BLEAdvertisement) Services() []string { return a.report.ServiceUUIDs }

// OverflowService is not distinguished from Services in the EIR decoder;
// the original wire format's "incomplete list" AD types collapse into the
// same ServiceUUIDs slice.
func (a *BLEAdvertisement) OverflowService() []string { return nil }

func (a *BLEAdvertisement) TxPowerLevel() int { return int(a.report.TxPowerLevel) }

func (a *BLEAdvertisement) Connectable() bool { return a.connectable }

func (a *BLEAdvertisement) SolicitedService() []string { return nil }

func (a *BLEAdvertisement) RSSI() int { return int(a.rssi) }

func (a *BLEAdvertisement) Addr() string { return a.addr.String() }

// ----------------------------
// BLEDevice
// ----------------------------

// BLEDevice adapts an internal/adapter.Device, once connected, to the
// device.Device/DeviceInfo interface consumed by the bridge and CLI layers.
type BLEDevice struct {
	logger *logrus.Logger

	mu      sync.Mutex
	addr    codec.Address
	addrT   codec.AddrType
	adv     eir.Report
	rssi    int8
	connect bool

	a          *adapter.Adapter
	dev        *adapter.Device
	connection *BLEConnection
}

// NewDevice returns a BLEDevice bound to address, ready to Connect. The
// default Adapter is resolved by Connect; NewDevice itself does not touch it.
func NewDevice(address string, logger *logrus.Logger) Device {
	if logger == nil {
		logger = logrus.New()
	}
	addr, err := codec.ParseAddress(address)
	if err != nil {
		logger.WithError(err).WithField("address", address).Error("device: invalid address")
	}
	return &BLEDevice{
		logger: logger,
		addr:   addr,
		addrT:  codec.AddrPublicLE,
	}
}

// NewScanningDevice returns a ScanningDevice with no address of its own; it
// exists only to drive Scan, which resolves the default Adapter.
func NewScanningDevice(logger *logrus.Logger) ScanningDevice {
	if logger == nil {
		logger = logrus.New()
	}
	return &BLEDevice{logger: logger}
}

// NewDeviceFromAdvertisement builds a BLEDevice from a ScanningDevice's
// report, preserving its RSSI/EIR for DeviceInfo until Connect replaces it
// with the live link.
func NewDeviceFromAdvertisement(adv Advertisement, logger *logrus.Logger) Device {
	if logger == nil {
		logger = logrus.New()
	}
	addr, err := codec.ParseAddress(adv.Addr())
	if err != nil {
		logger.WithError(err).WithField("address", adv.Addr()).Error("device: invalid advertised address")
	}
	addrT := codec.AddrPublicLE
	if ba, ok := adv.(*BLEAdvertisement); ok {
		addrT = ba.addrT
	}
	d := &BLEDevice{
		logger:  logger,
		addr:    addr,
		addrT:   addrT,
		rssi:    int8(adv.RSSI()),
		connect: adv.Connectable(),
	}
	d.adv = eir.Report{
		Present:          eir.HasLocalName | eir.HasTxPower | eir.HasManufacturerData | eir.HasServiceUUIDs,
		LocalName:        adv.LocalName(),
		ManufacturerData: adv.ManufacturerData(),
		ServiceUUIDs:     adv.Services(),
		TxPowerLevel:     int8(adv.TxPowerLevel()),
	}
	return d
}

func (d *BLEDevice) ID() string      { return d.Address() }
func (d *BLEDevice) Address() string { return d.addr.String() }

func (d *BLEDevice) Name() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.adv.LocalName
}

func (d *BLEDevice) RSSI() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dev != nil {
		return int(d.dev.Snapshot().RSSI)
	}
	return int(d.rssi)
}

func (d *BLEDevice) TxPower() *int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.adv.Present&eir.HasTxPower == 0 {
		return nil
	}
	v := int(d.adv.TxPowerLevel)
	return &v
}

func (d *BLEDevice) IsConnectable() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connect
}

func (d *BLEDevice) AdvertisedServices() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.adv.ServiceUUIDs
}

func (d *BLEDevice) ManufacturerData() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.adv.ManufacturerData
}

func (d *BLEDevice) ServiceData() map[string][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string][]byte, len(d.adv.ServiceData))
	for _, sd := range d.adv.ServiceData {
		out[sd.UUID] = sd.Data
	}
	return out
}

// Update refreshes the cached advertisement fields from a fresh scan report,
// used while the device has not yet been connected.
func (d *BLEDevice) Update(adv Advertisement) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rssi = int8(adv.RSSI())
	d.connect = adv.Connectable()
	d.adv = eir.Report{
		Present:          eir.HasLocalName | eir.HasTxPower | eir.HasManufacturerData | eir.HasServiceUUIDs,
		LocalName:        adv.LocalName(),
		TxPowerLevel:     int8(adv.TxPowerLevel()),
		ManufacturerData: adv.ManufacturerData(),
		ServiceUUIDs:     adv.Services(),
	}
}

// Connect resolves the default Adapter, obtains (or creates) the registry
// entry for this device's address, and drives a full connect + GATT
// discovery pass. By the time ConnectDefault returns nil, the Adapter has
// already populated dev.GATT/SMP/Pipe and advanced the device through
// advanceToReady/markReady, so no further synchronization is needed before
// discovery starts.
func (d *BLEDevice) Connect(ctx context.Context, opts *ConnectOptions) error {
	d.mu.Lock()
	if d.connection != nil && d.connection.IsConnected() {
		d.mu.Unlock()
		return ErrAlreadyConnected
	}
	d.mu.Unlock()

	a, err := resolveAdapter()
	if err != nil {
		return err
	}

	dev := a.DeviceFor(d.addr, d.addrT)

	done := make(chan error, 1)
	go func() { done <- a.ConnectDefault(dev) }()

	var connectErr error
	if opts != nil && opts.ConnectTimeout > 0 {
		select {
		case connectErr = <-done:
		case <-time.After(opts.ConnectTimeout):
			return ErrTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	} else {
		connectErr = <-done
	}
	if connectErr != nil {
		return NormalizeError(connectErr)
	}

	conn := NewBLEConnection(a, dev, d.logger)
	if err := conn.discover(opts); err != nil {
		_ = a.Disconnect(dev, 0)
		return err
	}

	d.mu.Lock()
	d.a = a
	d.dev = dev
	d.connection = conn
	d.mu.Unlock()
	return nil
}

func (d *BLEDevice) Disconnect() error {
	d.mu.Lock()
	conn := d.connection
	d.connection = nil
	d.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Disconnect()
}

func (d *BLEDevice) IsConnected() bool {
	d.mu.Lock()
	conn := d.connection
	d.mu.Unlock()
	return conn != nil && conn.IsConnected()
}

func (d *BLEDevice) GetConnection() Connection {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connection == nil {
		return nil
	}
	return d.connection
}

// Scan drives LE discovery on the default Adapter, invoking handler for
// every advertisement observed (or updated, when allowDup is true) until ctx
// is cancelled.
func (d *BLEDevice) Scan(ctx context.Context, allowDup bool, handler func(Advertisement)) error {
	a, err := resolveAdapter()
	if err != nil {
		return err
	}

	emit := func(dev *adapter.Device) {
		snap := dev.Snapshot()
		handler(NewAdvertisement(dev.Address(), snap.AddrType.Type, snap.RSSI, snap.Connectable, snap.EIR))
	}

	a.OnDeviceFound(func(dev *adapter.Device, _ time.Time) bool {
		emit(dev)
		return true
	})
	if allowDup {
		a.OnDeviceUpdated(func(dev *adapter.Device, _ adapter.ChangedField, _ time.Time) {
			emit(dev)
		})
	}

	if err := a.StartDiscovery(false); err != nil {
		return err
	}
	<-ctx.Done()
	_ = a.StopDiscovery()
	return ctx.Err()
}
