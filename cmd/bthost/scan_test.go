package main

import (
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/srg/bthost/internal/codec"
	"github.com/srg/bthost/internal/device"
	"github.com/srg/bthost/internal/eir"
	"github.com/srg/bthost/scanner"
)

// captureStdout redirects os.Stdout for the duration of fn and returns
// everything written to it; displayDevicesTable/displayDevicesJSON write
// straight to os.Stdout, so this is the only way to observe their output.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)

	orig := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = orig }()

	fn()

	require.NoError(t, w.Close())
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(out)
}

func fakeDeviceInfo(name, addr string, rssi int) device.DeviceInfo {
	a, err := codec.ParseAddress(addr)
	if err != nil {
		panic(err)
	}
	adv := device.NewAdvertisement(a, codec.AddrPublicLE, int8(rssi), true, eir.Report{
		Present:      eir.HasLocalName | eir.HasServiceUUIDs,
		LocalName:    name,
		ServiceUUIDs: []string{"180d"},
	})
	return device.NewDeviceFromAdvertisement(adv, nil)
}

func TestDisplayDevicesTableFromMapEmpty(t *testing.T) {
	out := captureStdout(t, func() {
		err := displayDevicesTableFromMap(map[string]scanner.DeviceEntry{}, defaultScanConfig())
		require.NoError(t, err)
	})
	require.Contains(t, out, "No devices discovered")
}

func TestDisplayDevicesTableFromMapTable(t *testing.T) {
	entries := map[string]scanner.DeviceEntry{
		"AA:BB:CC:DD:EE:FF": {Device: fakeDeviceInfo("Widget", "AA:BB:CC:DD:EE:FF", -40), LastSeen: time.Now()},
	}
	cfg := defaultScanConfig()
	cfg.outputFormat = "table"

	out := captureStdout(t, func() {
		require.NoError(t, displayDevicesTableFromMap(entries, cfg))
	})
	require.Contains(t, out, "Widget")
	require.Contains(t, out, "AA:BB:CC:DD:EE:FF")
	require.Contains(t, out, "180d")
}

func TestDisplayDevicesTableFromMapJSON(t *testing.T) {
	entries := map[string]scanner.DeviceEntry{
		"AA:BB:CC:DD:EE:FF": {Device: fakeDeviceInfo("Widget", "AA:BB:CC:DD:EE:FF", -40), LastSeen: time.Now()},
	}
	cfg := defaultScanConfig()
	cfg.outputFormat = "json"

	out := captureStdout(t, func() {
		require.NoError(t, displayDevicesTableFromMap(entries, cfg))
	})
	require.Contains(t, out, `"Widget"`)
	require.Contains(t, out, `"AA:BB:CC:DD:EE:FF"`)
}

func TestDisplayDevicesTableTruncatesLongNames(t *testing.T) {
	long := "ThisIsAVeryLongDeviceNameThatExceedsTheColumnWidth"
	entries := []scanner.DeviceEntry{
		{Device: fakeDeviceInfo(long, "11:22:33:44:55:66", -60), LastSeen: time.Now()},
	}
	out := captureStdout(t, func() {
		require.NoError(t, displayDevicesTable(entries))
	})
	require.Contains(t, out, long[:17]+"...")
	require.NotContains(t, out, long)
}
