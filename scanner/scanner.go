package scanner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/bthost/internal/device"
)

// eventRing is a bounded, drop-oldest event queue: a scan's UI consumer
// reads at its own pace, and a stalled reader must never block discovery
// rather than lose its oldest unread event. The bounded overwrite-on-full
// storage is hedzr/go-ringbuf/v2/mpmc, the same library internal/adapter's
// EventTrace uses for its debug trace; a notify channel plus pump goroutine
// is layered on top purely so callers can still select on Events() like an
// ordinary channel.
type eventRing struct {
	buf    mpmc.RichOverlappedRingBuffer[DeviceEvent]
	ch     chan DeviceEvent
	notify chan struct{}
}

func newEventRing(capacity int) *eventRing {
	r := &eventRing{
		buf:    mpmc.NewOverlappedRingBuffer[DeviceEvent](uint32(capacity)),
		ch:     make(chan DeviceEvent, capacity),
		notify: make(chan struct{}, 1),
	}
	go r.pump()
	return r
}

// forceSend enqueues event, letting the ring buffer overwrite its oldest
// queued entry if it's full, then wakes the pump goroutine.
func (r *eventRing) forceSend(event DeviceEvent) {
	_, _ = r.buf.EnqueueM(event)
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// pump drains the ring buffer into ch on every notify, applying the same
// drop-oldest discipline at the channel if a slow consumer has let it fill.
func (r *eventRing) pump() {
	for range r.notify {
		for !r.buf.IsEmpty() {
			e, err := r.buf.Dequeue()
			if err != nil {
				break
			}
			select {
			case r.ch <- e:
			default:
				select {
				case <-r.ch:
				default:
				}
				r.ch <- e
			}
		}
	}
}

func (r *eventRing) C() <-chan DeviceEvent { return r.ch }

// ProgressCallback is called when the scan phase changes
type ProgressCallback func(phase string)

// DeviceEventType marks if the device was newly discovered or updated
type DeviceEventType int

const (
	EventNew DeviceEventType = iota
	EventUpdated
)

type DeviceEvent struct {
	Type       DeviceEventType
	DeviceInfo device.DeviceInfo
	Timestamp  time.Time
}

// DeviceEntry pairs a discovered device with the time its most recent
// advertisement was observed, for watch-mode's "last seen Ns ago" display.
type DeviceEntry struct {
	Device   device.DeviceInfo
	LastSeen time.Time
}

// Scanner handles BLE device discovery
type Scanner struct {
	devices  *hashmap.Map[string, device.Device]
	lastSeen *hashmap.Map[string, time.Time]
	events   *eventRing
	logger   *logrus.Logger
	//isScanning bool

	scanOptions *ScanOptions
	scanDevice  device.ScanningDevice
}

// ScanOptions configures scanning behavior
type ScanOptions struct {
	Duration        time.Duration
	DuplicateFilter bool
	ServiceUUIDs    []string
	AllowList       []string
	BlockList       []string
}

// DefaultScanOptions returns default scanning options
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		Duration:        10 * time.Second,
		DuplicateFilter: true,
	}
}

// NewScanner creates a new BLE scanner
func NewScanner(logger *logrus.Logger) (*Scanner, error) {
	if logger == nil {
		logger = logrus.New()
	}

	return &Scanner{
		events: newEventRing(100),
		logger: logger,
	}, nil
}

// Scan performs BLE discovery with provided options
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions, progressCallback ProgressCallback) (map[string]DeviceEntry, error) {
	s.devices = hashmap.New[string, device.Device]()
	s.lastSeen = hashmap.New[string, time.Time]()

	if opts == nil {
		opts = DefaultScanOptions()
	}
	if progressCallback == nil {
		progressCallback = func(string) {} // No-op callback
	}

	s.logger.WithField("duration", opts.Duration).Info("Starting BLE scan...")

	// Report scanning phase
	progressCallback("Scanning")

	s.scanDevice = device.NewScanningDevice(s.logger)

	s.scanOptions = opts
	defer func() {
		s.scanOptions = nil
	}()
	err := s.scanDevice.Scan(ctx, opts.DuplicateFilter, s.handleAdvertisement)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	s.logger.WithField("device_count", s.devices.Len()).Info("BLE scan completed")

	// Report processing phase
	progressCallback("Processing results")

	devices := make(map[string]DeviceEntry, s.devices.Len())
	s.devices.Range(func(key string, value device.Device) bool {
		entry := DeviceEntry{Device: value}
		if ts, ok := s.lastSeen.Get(key); ok {
			entry.LastSeen = ts
		}
		devices[key] = entry
		return true
	})

	return devices, nil
}

// handleAdvertisement updates existing or adds a new device
func (s *Scanner) handleAdvertisement(adv device.Advertisement) {
	deviceID := adv.Addr()

	dev, existing := s.devices.Get(deviceID)
	if !existing {
		if !s.shouldIncludeDevice(adv, s.scanOptions) {
			return
		}
		dev, existing = s.devices.GetOrInsert(deviceID, device.NewDeviceFromAdvertisement(adv, s.logger))
	}

	now := time.Now()
	event := DeviceEvent{
		DeviceInfo: dev,
		Timestamp:  now,
	}

	if existing {
		dev.Update(adv)
		event.Type = EventUpdated
	} else {
		s.logger.WithFields(logrus.Fields{
			"device":  dev.Name(),
			"address": dev.Address(),
			"rssi":    dev.RSSI(),
		}).Info("Discovered new device")
		event.Type = EventNew
	}

	s.lastSeen.Set(deviceID, now)
	s.events.forceSend(event)
}

// shouldIncludeDevice applies to allow/block/service filters
func (s *Scanner) shouldIncludeDevice(adv device.Advertisement, opts *ScanOptions) bool {
	addr := adv.Addr()

	for _, blocked := range opts.BlockList {
		if addr == blocked {
			return false
		}
	}

	if len(opts.AllowList) > 0 {
		allowed := false
		for _, a := range opts.AllowList {
			if addr == a {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if len(opts.ServiceUUIDs) > 0 {
		hasRequired := false
		for _, required := range opts.ServiceUUIDs {
			for _, advUUID := range adv.Services() {
				if device.NormalizeUUID(required) == device.NormalizeUUID(advUUID) {
					hasRequired = true
					break
				}
			}
			if hasRequired {
				break
			}
		}
		if !hasRequired {
			return false
		}
	}

	return true
}

// makeDeviceList returns a snapshot of discovered devices
func (s *Scanner) makeDeviceList() []device.DeviceInfo {
	devs := make([]device.DeviceInfo, 0, s.devices.Len())

	s.devices.Range(func(key string, value device.Device) bool {
		devs = append(devs, value)
		return true
	})

	return devs
}

// Events return a read-only channel of device events
func (s *Scanner) Events() <-chan DeviceEvent {
	return s.events.C()
}

//func (s *Scanner) CancelScan() error {
//	if s.scanDevice != nil {
//		return s.scanDevice.Stop()
//	}
//
//	return fmt.Errorf("no scan device to cancel")
//}
