package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/srg/bthost/internal/adapter"
	"github.com/srg/bthost/internal/gatt"
	"github.com/srg/bthost/internal/hci"
	"github.com/srg/bthost/internal/l2cap"
)

// Options holds the environment-style name/value option table: keys of the
// form "prefix.option" (e.g. "hci.cmd.complete.timeout"), values passed to
// the relevant handler verbatim and parsed there. Unrecognized keys are
// kept but never consulted.
type Options map[string]string

// ParseOption splits a single "prefix.option=value" string into its key and
// value, trimming surrounding whitespace from both.
func ParseOption(s string) (key, value string, err error) {
	i := strings.IndexByte(s, '=')
	if i < 0 {
		return "", "", fmt.Errorf("config: invalid option %q: expected key=value", s)
	}
	key = strings.TrimSpace(s[:i])
	value = strings.TrimSpace(s[i+1:])
	if key == "" {
		return "", "", fmt.Errorf("config: invalid option %q: empty key", s)
	}
	return key, value, nil
}

// ParseOptions parses a slice of "prefix.option=value" strings, as collected
// from repeated --opt flags, into an Options map.
func ParseOptions(pairs []string) (Options, error) {
	opts := make(Options, len(pairs))
	for _, pair := range pairs {
		key, value, err := ParseOption(pair)
		if err != nil {
			return nil, err
		}
		opts[key] = value
	}
	return opts, nil
}

func (o Options) durationMS(key string, def time.Duration) time.Duration {
	raw, ok := o[key]
	if !ok {
		return def
	}
	ms, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func (o Options) intOpt(key string, def int) int {
	raw, ok := o[key]
	if !ok {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

// HCIConfig builds an internal/hci.Config from "hci.*" options layered onto
// hci.DefaultConfig().
func (o Options) HCIConfig() hci.Config {
	cfg := hci.DefaultConfig()
	cfg.CommandCompleteTimeout = o.durationMS("hci.cmd.complete.timeout", cfg.CommandCompleteTimeout)
	cfg.CommandStatusTimeout = o.durationMS("hci.cmd.status.timeout", cfg.CommandStatusTimeout)
	cfg.RingSize = o.intOpt("hci.ringsize", cfg.RingSize)
	return cfg
}

// GATTConfig builds an internal/gatt.Config from "gatt.*" options layered
// onto gatt.DefaultConfig().
func (o Options) GATTConfig() gatt.Config {
	cfg := gatt.DefaultConfig()
	cfg.CommandReadTimeout = o.durationMS("gatt.cmd.read.timeout", cfg.CommandReadTimeout)
	cfg.CommandWriteTimeout = o.durationMS("gatt.cmd.write.timeout", cfg.CommandWriteTimeout)
	cfg.CommandInitTimeout = o.durationMS("gatt.cmd.init.timeout", cfg.CommandInitTimeout)
	cfg.RingSize = o.intOpt("gatt.ringsize", cfg.RingSize)
	return cfg
}

// MGMTConfig builds an internal/adapter.MGMTConfig from "mgmt.*" options
// layered onto adapter.DefaultMGMTConfig().
func (o Options) MGMTConfig() adapter.MGMTConfig {
	cfg := adapter.DefaultMGMTConfig()
	cfg.CommandTimeout = o.durationMS("mgmt.cmd.timeout", cfg.CommandTimeout)
	cfg.RingSize = o.intOpt("mgmt.ringsize", cfg.RingSize)
	return cfg
}

// L2CAPOptions builds an internal/l2cap.Options from "l2cap.*" options. An
// unset "l2cap.reader.timeout" leaves ReaderTimeout at zero, which
// l2cap.Options.withDefaults then fills in with the package's own 200ms
// poll tick; spec.md §6's documented 10000ms default only applies when a
// caller sets the option explicitly.
func (o Options) L2CAPOptions() l2cap.Options {
	var opts l2cap.Options
	opts.ReaderTimeout = o.durationMS("l2cap.reader.timeout", 0)
	opts.RestartCount = o.intOpt("l2cap.restart.count", 0)
	return opts
}

// DefaultMode parses the "mgmt.mode" option ("bredr", "le", or "dual") into
// an internal/adapter.Mode, defaulting to dual when unset or unrecognized
// (spec.md §4.I's default BT mode, propagated from the Manager to every
// Adapter it creates).
func (o Options) DefaultMode() adapter.Mode {
	switch strings.ToLower(strings.TrimSpace(o["mgmt.mode"])) {
	case "bredr":
		return adapter.ModeBREDR
	case "le":
		return adapter.ModeLE
	default:
		return adapter.ModeDual
	}
}

// DebugFlag is a bit over one logged component, set via the "debug" option.
type DebugFlag uint32

const (
	DebugAdapterEvent DebugFlag = 1 << iota
	DebugGATTData
	DebugHCIEvent
	DebugHCIScanAdEIR
	DebugMGMTEvent
)

var debugFlagNames = map[string]DebugFlag{
	"adapter.event":   DebugAdapterEvent,
	"gatt.data":       DebugGATTData,
	"hci.event":       DebugHCIEvent,
	"hci.scan_ad_eir": DebugHCIScanAdEIR,
	"mgmt.event":      DebugMGMTEvent,
}

// DebugMask parses the "debug" option: a comma-separated explosion of
// component names (e.g. "adapter.event,gatt.data") into their bit flags.
// Unknown names are ignored.
func (o Options) DebugMask() DebugFlag {
	raw, ok := o["debug"]
	if !ok || raw == "" {
		return 0
	}
	var mask DebugFlag
	for _, name := range strings.Split(raw, ",") {
		if flag, ok := debugFlagNames[strings.TrimSpace(name)]; ok {
			mask |= flag
		}
	}
	return mask
}

// Has reports whether any component named in flag is set in m.
func (m DebugFlag) Has(flag DebugFlag) bool { return m&flag != 0 }
