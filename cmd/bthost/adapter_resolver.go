package main

import (
	"sync"

	"github.com/sirupsen/logrus"

	bthost "github.com/srg/bthost"
	"github.com/srg/bthost/internal/adapter"
	"github.com/srg/bthost/internal/device"
)

// defaultHCIIndex is the controller index bthost opens when a command
// (scan/bridge/inspect/read/write/subscribe) needs a device but has not been
// given an explicit adapter selection flag.
const defaultHCIIndex uint16 = 0

var resolverOnce sync.Once

// installAdapterResolver wires internal/device's connect/scan path to a
// real Manager-owned Adapter the first time any command needs one. It is
// idempotent so every command can call it unconditionally.
func installAdapterResolver() {
	resolverOnce.Do(func() {
		device.SetAdapterResolver(func() (*adapter.Adapter, error) {
			mgr, err := bthost.Get(logrus.StandardLogger())
			if err != nil {
				return nil, err
			}
			cfg := adapter.DefaultConfig()
			cfg.GATTConfig = bthost.Options().GATTConfig()
			return mgr.AdapterFor(defaultHCIIndex, cfg)
		})
	})
}

func init() {
	installAdapterResolver()
}
