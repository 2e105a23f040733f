package adapter

import (
	"sync"

	"github.com/srg/bthost/internal/codec"
	"github.com/srg/bthost/internal/eir"
	"github.com/srg/bthost/internal/gatt"
	"github.com/srg/bthost/internal/l2cap"
	"github.com/srg/bthost/internal/smp"
)

// DeviceState is a Device's position in the lifecycle spec.md §2 names:
// discovered → (connecting) → connected → paired/ready → disconnected →
// removed.
type DeviceState int

const (
	DeviceDiscovered DeviceState = iota
	DeviceConnecting
	DeviceConnected
	DeviceReady
	DeviceDisconnected
	DeviceRemoved
)

func (s DeviceState) String() string {
	switch s {
	case DeviceDiscovered:
		return "discovered"
	case DeviceConnecting:
		return "connecting"
	case DeviceConnected:
		return "connected"
	case DeviceReady:
		return "ready"
	case DeviceDisconnected:
		return "disconnected"
	case DeviceRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// ChangedField is a bitmask reported with device_updated, per spec.md
// §4.H's "changed_fields_mask".
type ChangedField uint32

const (
	ChangedRSSI ChangedField = 1 << iota
	ChangedEIR
	ChangedName
)

// Device is one peer the Adapter has observed, keyed by AddressType.
// Fields are only ever mutated under the Device's own mu; Device itself
// exposes read-mostly snapshots plus the connection-scoped
// subobjects (L2CAP pipe, GATT session, SMP engine) once connected.
type Device struct {
	mu sync.Mutex

	AddrType    codec.AddressType
	RSSI        int8
	EIR         eir.Report
	Connectable bool

	State  DeviceState
	Handle uint16

	LastUpdateUnix    int64
	LastDiscoveryUnix int64

	// FoundByListener is the index (into the Adapter's device_found
	// listener list) of the first listener whose callback returned true
	// for this device, or -1 if none has claimed it yet (spec.md §4.H:
	// "the controller records which listener won the device").
	FoundByListener int

	Pipe *l2cap.Pipe
	GATT *gatt.Session
	SMP  *smp.Engine
}

func newDevice(at codec.AddressType) *Device {
	return &Device{AddrType: at, State: DeviceDiscovered, FoundByListener: -1}
}

// Address is a convenience accessor for AddrType.Addr.
func (d *Device) Address() codec.Address { return d.AddrType.Addr }

// snapshot returns a shallow copy, taken under mu, safe to hand to listeners; the connection subobjects are pointers and intentionally
// shared (listeners operate the live session, not a frozen copy of it).
func (d *Device) snapshot() Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	return *d
}

// Snapshot is the exported form of snapshot, for callers outside the
// package that need a race-free read of State/Handle/RSSI/EIR (e.g.
// internal/device's connection wrapper checking IsConnected()).
func (d *Device) Snapshot() Device { return d.snapshot() }
