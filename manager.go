// Package bthost is the entry point for the host stack: it owns the single
// MGMT channel connection shared by every controller, enumerates available
// controllers, and hands out one Adapter per controller index.
package bthost

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/srg/bthost/internal/adapter"
	"github.com/srg/bthost/internal/codec"
	"github.com/srg/bthost/internal/hci"
	"github.com/srg/bthost/internal/l2cap"
	"github.com/srg/bthost/internal/mgmt"
	"github.com/srg/bthost/internal/sockio"
	"github.com/srg/bthost/pkg/config"
)

const mgmtNonControllerIndex = 0xFFFF

// AdapterSetChangedFunc is notified whenever a controller index appears or
// disappears (MGMT INDEX_ADDED/INDEX_REMOVED).
type AdapterSetChangedFunc func(index uint16, added bool)

// Manager is the process-wide singleton that owns the MGMT connection.
// Obtain it with Get; the underlying socket and per-index adapters are
// opened lazily on first use and torn down once, in reverse acquisition
// order, by Shutdown.
type Manager struct {
	log *logrus.Logger

	mu       sync.Mutex
	sock     *sockio.Socket
	mgmtConn *adapter.MGMTConn
	closed   bool

	adapters *hashmap.Map[uint16, *adapter.Adapter]
	handlers *hashmap.Map[uint16, *hci.Handler]
	order    []uint16 // acquisition order, for LIFO shutdown

	defaultMode adapter.Mode

	listenerMu sync.Mutex
	listeners  []AdapterSetChangedFunc
}

var (
	singleton     *Manager
	singletonOnce sync.Once
	singletonErr  error

	defaultOptions config.Options
)

// SetOptions installs the spec.md §6 name/value option table (mgmt.*,
// hci.*, gatt.*, l2cap.*, debug) that subsequent Get/AdapterFor calls
// build their component configs from. It has no effect once the Manager
// singleton has already been created by a prior Get call.
func SetOptions(opts config.Options) {
	defaultOptions = opts
}

// Options returns the table last installed by SetOptions, so a caller
// building an adapter.Config for AdapterFor can layer the same "gatt.*"
// options onto it that newManager/AdapterFor already apply to MGMT, HCI,
// and L2CAP.
func Options() config.Options {
	return defaultOptions
}

// Get returns the process-wide Manager, opening the MGMT channel on first
// call. Subsequent calls return the same instance regardless of log.
func Get(log *logrus.Logger) (*Manager, error) {
	singletonOnce.Do(func() {
		singleton, singletonErr = newManager(log)
	})
	return singleton, singletonErr
}

func newManager(log *logrus.Logger) (*Manager, error) {
	if log == nil {
		log = logrus.New()
	}
	sock, err := sockio.Open(sockio.AFBluetooth, unix.SOCK_RAW, sockio.BTProtoHCI,
		sockio.SockaddrHCI{Dev: sockio.HCIDevNone, Channel: sockio.HCIChannelControl})
	if err != nil {
		return nil, fmt.Errorf("bthost: open mgmt channel: %w", err)
	}
	m := &Manager{
		log:         log,
		sock:        sock,
		mgmtConn:    adapter.NewMGMTConn(sock, defaultOptions.MGMTConfig(), log),
		adapters:    hashmap.New[uint16, *adapter.Adapter](),
		handlers:    hashmap.New[uint16, *hci.Handler](),
		defaultMode: defaultOptions.DefaultMode(),
	}
	m.mgmtConn.Subscribe(m.handleMGMTEvent)
	return m, nil
}

// SetDefaultMode overrides the default BT mode propagated to every Adapter
// created by AdapterFor from this point on (spec.md §4.I); already-created
// Adapters keep the mode they were given.
func (m *Manager) SetDefaultMode(mode adapter.Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultMode = mode
}

func (m *Manager) handleMGMTEvent(index uint16, opcode uint16, payload []byte) {
	switch opcode {
	case mgmt.EvIndexAdded:
		m.notifyAdapterSetChanged(index, true)
	case mgmt.EvIndexRemoved:
		m.removeAdapter(index)
		m.notifyAdapterSetChanged(index, false)
	}
}

// OnAdapterSetChanged registers fn to be called whenever a controller index
// is added or removed.
func (m *Manager) OnAdapterSetChanged(fn AdapterSetChangedFunc) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) notifyAdapterSetChanged(index uint16, added bool) {
	m.listenerMu.Lock()
	snapshot := append([]AdapterSetChangedFunc(nil), m.listeners...)
	m.listenerMu.Unlock()
	for _, fn := range snapshot {
		fn(index, added)
	}
}

// ControllerIndexes enumerates every controller index currently known to
// the kernel, via READ_INDEX_LIST.
func (m *Manager) ControllerIndexes() ([]uint16, error) {
	cc, err := m.mgmtConn.SendCommand(mgmtNonControllerIndex, mgmt.OpReadIndexList, nil)
	if err != nil {
		return nil, err
	}
	return mgmt.ReadIndexList(cc.Params)
}

// ControllerInfo reads the READ_INFO reply for index.
func (m *Manager) ControllerInfo(index uint16) (mgmt.ControllerInfo, error) {
	cc, err := m.mgmtConn.SendCommand(index, mgmt.OpReadInfo, nil)
	if err != nil {
		return mgmt.ControllerInfo{}, err
	}
	return mgmt.DecodeControllerInfo(cc.Params)
}

// SetPowered issues SET_POWERED for index and, on success, propagates the
// resulting settings bitmap to that index's Adapter if one has been
// acquired.
func (m *Manager) SetPowered(index uint16, on bool) error {
	payload := []byte{0}
	if on {
		payload[0] = 1
	}
	cc, err := m.mgmtConn.SendCommand(index, mgmt.OpSetPowered, payload)
	if err != nil {
		return err
	}
	if a, ok := m.adapters.Get(index); ok && len(cc.Params) >= 4 {
		settings, serr := mgmt.DecodeNewSettings(cc.Params)
		if serr == nil {
			a.ApplySettings(settings, time.Now())
		}
	}
	return nil
}

// Unpair issues UNPAIR_DEVICE for (index, addr, addrType), satisfying
// adapter.UnpairFunc's signature so it can be wired directly via
// Adapter.SetUnpairFunc.
func (m *Manager) Unpair(index uint16) adapter.UnpairFunc {
	return func(addr codec.Address, addrType uint8) error {
		payload := append(append([]byte(nil), addr.HCIBytes()[:]...), addrType, 0)
		_, err := m.mgmtConn.SendCommand(index, mgmt.OpUnpair, payload)
		return err
	}
}

// AddToWhitelist issues ADD_DEVICE for (index, addr, addrType, connectType),
// satisfying adapter.WhitelistAddFunc so it can be wired directly via
// Adapter.SetWhitelistFuncs.
func (m *Manager) AddToWhitelist(index uint16) adapter.WhitelistAddFunc {
	return func(addr codec.Address, addrType uint8, connectType adapter.ConnectType) error {
		payload := append(append([]byte(nil), addr.HCIBytes()[:]...), addrType, byte(connectType))
		_, err := m.mgmtConn.SendCommand(index, mgmt.OpAddDevice, payload)
		return err
	}
}

// RemoveFromWhitelist issues REMOVE_DEVICE for (index, addr, addrType),
// satisfying adapter.WhitelistRemoveFunc so it can be wired directly via
// Adapter.SetWhitelistFuncs.
func (m *Manager) RemoveFromWhitelist(index uint16) adapter.WhitelistRemoveFunc {
	return func(addr codec.Address, addrType uint8) error {
		payload := append(append([]byte(nil), addr.HCIBytes()[:]...), addrType)
		_, err := m.mgmtConn.SendCommand(index, mgmt.OpRemoveDevice, payload)
		return err
	}
}

// AdapterFor lazily opens the HCI_CHANNEL_USER socket for index and returns
// the Adapter bound to it, creating both on first call.
func (m *Manager) AdapterFor(index uint16, cfg adapter.Config) (*adapter.Adapter, error) {
	if a, ok := m.adapters.Get(index); ok {
		return a, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("bthost: manager closed")
	}
	if a, ok := m.adapters.Get(index); ok {
		return a, nil
	}

	hciSock, err := sockio.Open(sockio.AFBluetooth, unix.SOCK_RAW, sockio.BTProtoHCI,
		sockio.SockaddrHCI{Dev: index, Channel: sockio.HCIChannelUser})
	if err != nil {
		return nil, fmt.Errorf("bthost: open hci channel for index %d: %w", index, err)
	}
	handler := hci.New(hciSock, defaultOptions.HCIConfig(), m.log)

	l2capOpts := defaultOptions.L2CAPOptions()
	opener := func(remote codec.Address, remoteType uint8) (*l2cap.Pipe, error) {
		return l2cap.Open(index, remote, remoteType, l2cap.CIDAttribute, l2capOpts, m.log)
	}
	a := adapter.NewAdapter(index, handler, opener, cfg, m.defaultMode, m.log)
	a.SetUnpairFunc(m.Unpair(index))
	a.SetWhitelistFuncs(m.AddToWhitelist(index), m.RemoveFromWhitelist(index))

	m.adapters.Set(index, a)
	m.handlers.Set(index, handler)
	m.order = append(m.order, index)
	return a, nil
}

func (m *Manager) removeAdapter(index uint16) {
	if a, ok := m.adapters.Get(index); ok {
		a.Close()
		m.adapters.Del(index)
	}
	if h, ok := m.handlers.Get(index); ok {
		h.Close()
		m.handlers.Del(index)
	}
}

// Shutdown idempotently tears down every acquired Adapter in reverse
// acquisition order, then the MGMT channel itself.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	order := append([]uint16(nil), m.order...)
	m.order = nil
	m.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		m.removeAdapter(order[i])
	}
	return m.mgmtConn.Close()
}
