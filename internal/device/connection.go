package device

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/bthost/internal/adapter"
	"github.com/srg/bthost/internal/gatt"
)

// ----------------------------
// Configuration constants
// ----------------------------

const (
	// DefaultChannelBuffer is the per-characteristic notification channel depth.
	DefaultChannelBuffer = 128

	// DefaultUpdateInterval is the polling interval for StreamEveryUpdate mode.
	DefaultUpdateInterval = 5 * time.Millisecond

	// DefaultBatchedInterval is the rate-limiting interval for batched/aggregated modes.
	DefaultBatchedInterval = 100 * time.Millisecond
)

// Value flags carried on a queued notification.
const (
	FlagDropped uint32 = 1 << iota // an older queued value was discarded to make room
	FlagMissing                   // no value was available this tick (aggregated mode)
)

// ----------------------------
// BLE Value pool
// ----------------------------

// BLEValue is one queued characteristic update.
type BLEValue struct {
	Data  []byte
	TsUs  int64
	Seq   uint64
	Flags uint32
}

var valuePool = sync.Pool{New: func() interface{} { return &BLEValue{} }}
var globalBLESeq uint64

func newBLEValue(data []byte, flags uint32) *BLEValue {
	v := valuePool.Get().(*BLEValue)
	v.Data = data
	v.TsUs = time.Now().UnixMicro()
	v.Seq = atomic.AddUint64(&globalBLESeq, 1)
	v.Flags = flags
	return v
}

func releaseBLEValue(v *BLEValue) {
	v.Data = nil
	valuePool.Put(v)
}

// ----------------------------
// BLE Characteristic
// ----------------------------

// BLECharacteristic adapts a gatt.Characteristic (plus its parent session)
// to the device.Characteristic interface.
type BLECharacteristic struct {
	uuid       string
	knownName  string
	handle     uint16
	properties uint8
	cccdHandle uint16

	session *gatt.Session
	gatt    *gatt.Characteristic

	mu      sync.Mutex
	updates chan *BLEValue
}

// NewCharacteristic wraps a discovered GATT characteristic for use by the
// device layer, allocating its notification buffer.
func NewCharacteristic(c *gatt.Characteristic, buffer int, session *gatt.Session) *BLECharacteristic {
	if buffer <= 0 {
		buffer = DefaultChannelBuffer
	}
	return &BLECharacteristic{
		uuid:       NormalizeUUID(c.UUID.String()),
		handle:     c.ValueHandle,
		properties: c.Properties,
		cccdHandle: c.CCCDHandle,
		session:    session,
		gatt:       c,
		updates:    make(chan *BLEValue, buffer),
	}
}

func (c *BLECharacteristic) GetUUID() string    { return c.uuid }
func (c *BLECharacteristic) KnownName() string  { return c.knownName }
func (c *BLECharacteristic) UUID() string       { return c.uuid }
func (c *BLECharacteristic) GetProperties() Properties {
	return NewBLEProperties(c.properties)
}

// GetDescriptors returns the characteristic's descriptors. The GATT session
// only tracks the CCCD handle from discovery (spec.md's GATT module has no
// use for the rest of the descriptor set), so this is limited to the CCCD
// when one exists.
func (c *BLECharacteristic) GetDescriptors() []Descriptor {
	if c.cccdHandle == 0 {
		return nil
	}
	value, err := c.session.ReadCharacteristic(c.cccdHandle)
	d := &BLEDescriptor{uuid: DescriptorClientConfig, knownName: "Client Characteristic Configuration"}
	if err != nil {
		d.parsed = &DescriptorError{Reason: "read_error", Err: err}
		return []Descriptor{d}
	}
	d.value = value
	d.parsed, _ = ParseDescriptorValue(DescriptorClientConfig, value, nil)
	return []Descriptor{d}
}

// Read performs an ATT read of the characteristic's value handle. The GATT
// session's own read timeout (gatt.Config.CommandReadTimeout) governs the
// round trip; the timeout parameter here only bounds local queueing/retry
// layered on top of that single request.
func (c *BLECharacteristic) Read(timeout time.Duration) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := c.session.ReadCharacteristic(c.handle)
		ch <- result{data, err}
	}()
	if timeout <= 0 {
		r := <-ch
		return r.data, NormalizeError(r.err)
	}
	select {
	case r := <-ch:
		return r.data, NormalizeError(r.err)
	case <-time.After(timeout):
		return nil, ErrTimeout
	}
}

// Write performs an ATT write (with or without response) of the
// characteristic's value handle, long-writing transparently if the value
// exceeds the negotiated MTU.
func (c *BLECharacteristic) Write(data []byte, withResponse bool, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- c.session.WriteCharacteristic(c.handle, data, withResponse) }()
	if timeout <= 0 {
		return NormalizeError(<-done)
	}
	select {
	case err := <-done:
		return NormalizeError(err)
	case <-time.After(timeout):
		return ErrTimeout
	}
}

// EnqueueValue records a notification/indication, dropping the oldest
// buffered value (and marking the new one FlagDropped) if the channel is full.
func (c *BLECharacteristic) EnqueueValue(data []byte, flags uint32) {
	v := newBLEValue(append([]byte(nil), data...), flags)
	select {
	case c.updates <- v:
		return
	default:
	}
	select {
	case old := <-c.updates:
		releaseBLEValue(old)
	default:
	}
	v.Flags |= FlagDropped
	select {
	case c.updates <- v:
	default:
		releaseBLEValue(v)
	}
}

// CloseUpdates drains and releases every buffered value, leaving the
// channel empty but usable.
func (c *BLECharacteristic) CloseUpdates() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		select {
		case v := <-c.updates:
			releaseBLEValue(v)
		default:
			return
		}
	}
}

// ----------------------------
// BLE Descriptor
// ----------------------------

// BLEDescriptor implements device.Descriptor over a single ATT read.
type BLEDescriptor struct {
	uuid      string
	knownName string
	value     []byte
	parsed    interface{}
}

func (d *BLEDescriptor) UUID() string            { return d.uuid }
func (d *BLEDescriptor) KnownName() string        { return d.knownName }
func (d *BLEDescriptor) Value() []byte            { return d.value }
func (d *BLEDescriptor) ParsedValue() interface{} { return d.parsed }

// ----------------------------
// BLE Connection
// ----------------------------

// BLEConnection is a live, connected session with one peer: the GATT
// service/characteristic tree built from discovery, plus the subscription
// machinery that fans notifications out to Subscribe callbacks.
type BLEConnection struct {
	logger  *logrus.Logger
	adapter *adapter.Adapter
	dev     *adapter.Device

	connMutex sync.RWMutex
	services  map[string]*BLEService
	byHandle  map[uint16]*BLECharacteristic

	subMgr *SubscriptionManager
	ctx    context.Context
	cancel context.CancelFunc
}

// NewBLEConnection wraps an already-connected adapter.Device (its GATT
// session populated by Adapter.ConnectDefault/ConnectLE) for discovery and
// subscription management.
func NewBLEConnection(a *adapter.Adapter, dev *adapter.Device, logger *logrus.Logger) *BLEConnection {
	if logger == nil {
		logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &BLEConnection{
		logger:   logger,
		adapter:  a,
		dev:      dev,
		services: make(map[string]*BLEService),
		byHandle: make(map[uint16]*BLECharacteristic),
		subMgr:   NewSubscriptionManager(logger),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// discover runs full GATT discovery (services, characteristics, CCCDs),
// then enables notify/indicate for every characteristic named in opts and
// registers it for local dispatch. It is the connection-layer counterpart
// of the old go-ble client.DiscoverProfile(true) call.
func (c *BLEConnection) discover(opts *ConnectOptions) error {
	snap := c.dev.Snapshot()
	session := snap.GATT
	if session == nil {
		return ErrNotConnected
	}

	if _, err := session.ExchangeMTU(); err != nil {
		c.logger.WithError(err).Debug("device: MTU exchange failed, continuing at default MTU")
	}

	svcs, err := session.DiscoverServices()
	if err != nil {
		return fmt.Errorf("device: service discovery: %w", err)
	}

	c.connMutex.Lock()
	defer c.connMutex.Unlock()

	for _, svc := range svcs {
		chars, err := session.DiscoverCharacteristics(svc)
		if err != nil {
			return fmt.Errorf("device: characteristic discovery for %s: %w", svc.UUID, err)
		}
		for ci, ch := range chars {
			rangeEnd := svc.EndHandle
			if ci+1 < len(chars) {
				rangeEnd = chars[ci+1].DeclHandle - 1
			}
			_ = session.DiscoverDescriptors(ch, rangeEnd)
		}

		bsvc := &BLEService{UUID: NormalizeUUID(svc.UUID.String()), Characteristics: make(map[string]*BLECharacteristic, len(chars))}
		for _, ch := range chars {
			bchar := NewCharacteristic(ch, DefaultChannelBuffer, session)
			bsvc.Characteristics[bchar.uuid] = bchar
			c.byHandle[ch.ValueHandle] = bchar
			session.Subscribe(ch.ValueHandle, func(handle uint16, value []byte) {
				if bc, ok := c.lookupByHandle(handle); ok {
					bc.EnqueueValue(value, 0)
				}
			})
		}
		c.services[bsvc.UUID] = bsvc
	}

	if opts == nil {
		return nil
	}
	for _, sub := range opts.Services {
		svcUUID := NormalizeUUID(sub.Service)
		svc, ok := c.services[svcUUID]
		if !ok {
			continue
		}
		chars := sub.Characteristics
		if len(chars) == 0 {
			for uuid := range svc.Characteristics {
				chars = append(chars, uuid)
			}
		}
		for _, uuid := range chars {
			bchar, ok := svc.Characteristics[NormalizeUUID(uuid)]
			if !ok || bchar.cccdHandle == 0 {
				continue
			}
			indicate := bchar.properties&gatt.PropNotify == 0 && bchar.properties&gatt.PropIndicate != 0
			if err := session.ConfigureCCCD(bchar.gatt, !indicate, indicate); err != nil {
				c.logger.WithError(err).WithField("characteristic", uuid).Warn("device: enabling notifications failed")
			}
		}
	}
	return nil
}

func (c *BLEConnection) lookupByHandle(handle uint16) (*BLECharacteristic, bool) {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()
	bc, ok := c.byHandle[handle]
	return bc, ok
}

// ConnectionContext returns a context canceled when Disconnect is called.
func (c *BLEConnection) ConnectionContext() context.Context {
	return c.ctx
}

// Services returns every discovered service, sorted by UUID.
func (c *BLEConnection) Services() []Service {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()
	out := make([]Service, 0, len(c.services))
	for _, s := range c.services {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID() < out[j].UUID() })
	return out
}

// GetService looks up a service by UUID.
func (c *BLEConnection) GetService(uuid string) (Service, error) {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()
	svc, ok := c.services[NormalizeUUID(uuid)]
	if !ok {
		return nil, &NotFoundError{Resource: "service", UUIDs: []string{uuid}}
	}
	return svc, nil
}

// GetCharacteristic looks up a characteristic by its parent service UUID and
// its own UUID.
func (c *BLEConnection) GetCharacteristic(service, uuid string) (Characteristic, error) {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()
	svc, ok := c.services[NormalizeUUID(service)]
	if !ok {
		return nil, &NotFoundError{Resource: "service", UUIDs: []string{service}}
	}
	char, ok := svc.Characteristics[NormalizeUUID(uuid)]
	if !ok {
		return nil, &NotFoundError{Resource: "characteristic", UUIDs: []string{service, uuid}}
	}
	return char, nil
}

// isConnectedInternal reports connectivity without re-acquiring connMutex;
// callers must already hold it.
func (c *BLEConnection) isConnectedInternal() bool {
	snap := c.dev.Snapshot()
	return snap.State == adapter.DeviceReady || snap.State == adapter.DeviceConnected
}

// IsConnected reports whether the underlying link is still up.
func (c *BLEConnection) IsConnected() bool {
	return c.isConnectedInternal()
}

// validateSubscribeOptions resolves opts' service/characteristics to live
// BLECharacteristics, optionally requiring notify/indicate support.
func (c *BLEConnection) validateSubscribeOptions(opts *SubscribeOptions, requireNotify bool) ([]*BLECharacteristic, error) {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()

	svc, ok := c.services[NormalizeUUID(opts.Service)]
	if !ok {
		return nil, &NotFoundError{Resource: "service", UUIDs: []string{opts.Service}}
	}

	uuids := opts.Characteristics
	if len(uuids) == 0 {
		for uuid := range svc.Characteristics {
			uuids = append(uuids, uuid)
		}
	}

	out := make([]*BLECharacteristic, 0, len(uuids))
	for _, uuid := range uuids {
		char, ok := svc.Characteristics[NormalizeUUID(uuid)]
		if !ok {
			return nil, &NotFoundError{Resource: "characteristic", UUIDs: []string{opts.Service, uuid}}
		}
		if requireNotify && char.properties&(gatt.PropNotify|gatt.PropIndicate) == 0 {
			return nil, fmt.Errorf("characteristic %s does not support notifications", uuid)
		}
		out = append(out, char)
	}
	return out, nil
}

// Disconnect tears down every active subscription and issues HCI_Disconnect
// via the owning Adapter.
func (c *BLEConnection) Disconnect() error {
	c.cancel()
	c.subMgr.CancelAll()
	c.subMgr.Wait()
	return c.adapter.Disconnect(c.dev, 0)
}
