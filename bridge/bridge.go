package bridge

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bthost/internal/device"
	"github.com/srg/bthost/internal/devicefactory"
	"github.com/srg/bthost/internal/ptyio"
)

const (
	// DefaultPtyStdoutBufferSize is the default size, in bytes, of the ring buffer used for PTY stdout input.
	DefaultPtyStdoutBufferSize = 1000

	// DefaultPtyStdinBufferSize is the default size, in bytes, of the ring buffer used for PTY stdin input.
	DefaultPtyStdinBufferSize = 1000

	// DefaultWriteTimeout bounds a PTY-triggered write to the device's RX
	// characteristic.
	DefaultWriteTimeout = 5 * time.Second
)

// Bridge represents a running BLE-PTY bridge with access to the device and PTY
type Bridge interface {
	GetDevice() device.Device
	GetTTYName() string                 // TTY device name for display
	GetTTYSymlink() string              // Symlink path (empty if not created)
	GetPTY() io.ReadWriter              // PTY I/O as a standard Go interface
	GetPTYIO() ptyio.PTY                // PTY I/O interface (never nil)
	SetPTYReadCallback(cb func([]byte)) // Set callback for PTY data arrival (nil to unregister)
}

// BridgeOptions contains all the configuration for running a bridge
type BridgeOptions struct {
	BleAddress               string         // BLE device address
	BleServiceUUID           string         // Service carrying the notify/write characteristic pair to bridge
	BleConnectTimeout        time.Duration  // BLE Connection timeout
	BleDescriptorReadTimeout time.Duration  // Passed on as ConnectOptions.DescriptorReadTimeout, which Connect does not consult
	BleWriteWithResponse     bool           // Use write-with-response for PTY-originated writes
	Logger                   *logrus.Logger // Logger instance
	PtyStdinBufferSize       int            // PTY stdin ring buffer size in bytes (0 = use default)
	PtyStdoutBufferSize      int            // PTY stdout ring buffer size in bytes (0 = use default)
	TTYSymlinkPath           string         // Optional tty symlink path for PTY slave (e.g., /tmp/ble-device)
}

// ProgressCallback is called when the bridge phase changes
type ProgressCallback func(phase string)

// BridgeCallback is executed with the running bridge (mirrors inspector.OperationCallback)
type BridgeCallback[R any] func(Bridge) (R, error)

// bridgeImpl implements the Bridge interface
type bridgeImpl struct {
	dev            device.Device
	ttySymlinkPath string    // TTY Symlink (empty if not created)
	pty            ptyio.PTY // PTY I/O interface for async monitoring
}

func (b *bridgeImpl) GetDevice() device.Device {
	return b.dev
}

func (b *bridgeImpl) GetTTYName() string {
	if b.pty != nil {
		return b.pty.TTYName()
	}
	return ""
}

func (b *bridgeImpl) GetTTYSymlink() string {
	return b.ttySymlinkPath
}

func (b *bridgeImpl) GetPTY() io.ReadWriter {
	return b.pty
}

func (b *bridgeImpl) GetPTYIO() ptyio.PTY {
	return b.pty
}

func (b *bridgeImpl) SetPTYReadCallback(cb func([]byte)) {
	if b.pty != nil {
		b.pty.SetReadCallback(cb)
	}
}

// findUARTPair locates the notify and write characteristics within service,
// the way a transparent-UART bridge pairs a TX (device->host, notify) and an
// RX (host->device, write) characteristic. The service must expose exactly
// one notify/indicate characteristic and at most one writable one; with no
// writable characteristic writeChar is nil and the bridge runs one-way. A
// service with more than one notify or write characteristic is ambiguous and
// rejected rather than guessed at.
func findUARTPair(svc device.Service) (notifyUUID, writeUUID string, writeChar device.CharacteristicWriter, err error) {
	var notifyCount, writeCount int
	for _, c := range svc.GetCharacteristics() {
		props := c.GetProperties()
		if props.Notify() != nil || props.Indicate() != nil {
			notifyUUID = c.UUID()
			notifyCount++
		}
		if props.Write() != nil || props.WriteWithoutResponse() != nil {
			writeUUID = c.UUID()
			writeChar = c
			writeCount++
		}
	}
	if notifyCount == 0 {
		return "", "", nil, fmt.Errorf("service %s has no notify/indicate characteristic to bridge", svc.UUID())
	}
	if notifyCount > 1 {
		return "", "", nil, fmt.Errorf("service %s has %d notifying characteristics, expected exactly one", svc.UUID(), notifyCount)
	}
	if writeCount > 1 {
		return "", "", nil, fmt.Errorf("service %s has %d writable characteristics, expected exactly one", svc.UUID(), writeCount)
	}
	return notifyUUID, writeUUID, writeChar, nil
}

// RunDeviceBridge connects to a BLE device, subscribes to the bridged
// service's notifying characteristic, pipes its notification stream into a
// PTY, pipes PTY input back to the service's writable characteristic, and
// executes the callback with the running bridge. It returns the callback's
// result once the callback returns, or an error if a setup step fails,
// mirroring inspector.RunDeviceOperation.
func RunDeviceBridge[R any](
	ctx context.Context,
	opts *BridgeOptions,
	progressCallback ProgressCallback,
	callback BridgeCallback[R],
) (R, error) {
	var zero R

	if opts == nil {
		return zero, fmt.Errorf("failed to execute bridge: options are required")
	}
	if opts.BleAddress == "" {
		return zero, fmt.Errorf("failed to execute bridge: device address is required")
	}
	if opts.BleServiceUUID == "" {
		return zero, fmt.Errorf("failed to execute bridge: service UUID is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	if progressCallback == nil {
		progressCallback = func(string) {} // No-op callback
	}
	if opts.BleConnectTimeout == 0 {
		opts.BleConnectTimeout = 30 * time.Second
	}

	bridgeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		dev            device.Device
		ttySymlinkPath string
		pty            ptyio.PTY
	)

	defer func() {
		// Remove tty symlink before closing PTY (cleanup order matters)
		if ttySymlinkPath != "" {
			if err := os.Remove(ttySymlinkPath); err != nil {
				logger.WithError(err).WithField("ttySymlink", ttySymlinkPath).Warn("Failed to remove tty symlink")
			} else {
				logger.WithField("ttySymlink", ttySymlinkPath).Debug("Removed tty symlink")
			}
		}

		if pty != nil {
			_ = pty.Close()
		}

		if dev != nil && dev.IsConnected() {
			_ = dev.Disconnect()
		}
	}()

	progressCallback("Connecting")

	dev = devicefactory.NewDevice(opts.BleAddress, logger)

	connectOpts := &device.ConnectOptions{
		Address:               opts.BleAddress,
		ConnectTimeout:        opts.BleConnectTimeout,
		DescriptorReadTimeout: opts.BleDescriptorReadTimeout,
		Services: []device.SubscribeOptions{
			{Service: opts.BleServiceUUID},
		},
	}

	if err := dev.Connect(bridgeCtx, connectOpts); err != nil {
		progressCallback("Failed")
		return zero, fmt.Errorf("failed to connect to device %s: %w", opts.BleAddress, err)
	}

	progressCallback("Connected")

	conn := dev.GetConnection()
	if conn == nil {
		return zero, fmt.Errorf("failed to execute bridge: device connected with no live GATT connection")
	}
	svc, err := conn.GetService(opts.BleServiceUUID)
	if err != nil {
		return zero, fmt.Errorf("failed to locate bridged service %s: %w", opts.BleServiceUUID, err)
	}
	notifyUUID, _, writeChar, err := findUARTPair(svc)
	if err != nil {
		return zero, err
	}

	progressCallback("Setting up PTY")

	outputBufferSize := opts.PtyStdoutBufferSize
	if outputBufferSize == 0 {
		outputBufferSize = DefaultPtyStdoutBufferSize
	}
	inputBufferSize := opts.PtyStdinBufferSize
	if inputBufferSize == 0 {
		inputBufferSize = DefaultPtyStdinBufferSize
	}

	pty, err = ptyio.NewPty(inputBufferSize, outputBufferSize, logger)
	if err != nil {
		return zero, err
	}

	logger.WithField("tty", pty.TTYName()).Info("Created PTY device")

	if opts.TTYSymlinkPath != "" {
		if err := os.Symlink(pty.TTYName(), opts.TTYSymlinkPath); err != nil {
			return zero, fmt.Errorf("failed to create tty symlink %s -> %s: %w", opts.TTYSymlinkPath, pty.TTYName(), err)
		}
		ttySymlinkPath = opts.TTYSymlinkPath
		logger.WithFields(logrus.Fields{
			"ttySymlink": ttySymlinkPath,
			"target":     pty.TTYName(),
		}).Info("Created PTY symlink")
	}

	// Device notifications flow into the PTY's master side, so a terminal
	// attached to the slave sees them as ordinary serial input.
	err = conn.Subscribe([]*device.SubscribeOptions{
		{Service: opts.BleServiceUUID, Characteristics: []string{notifyUUID}},
	}, device.StreamEveryUpdate, 0, func(rec *device.Record) {
		data, ok := rec.Values[notifyUUID]
		if !ok {
			return
		}
		if _, err := pty.Write(data); err != nil {
			logger.WithError(err).Warn("failed to write notification data to PTY")
		}
	})
	if err != nil {
		return zero, fmt.Errorf("failed to subscribe to %s: %w", notifyUUID, err)
	}

	// Bytes typed into the PTY's slave side flow back to the device's
	// writable characteristic, Nordic-UART-style.
	if writeChar != nil {
		pty.SetReadCallback(func(data []byte) {
			if err := writeChar.Write(data, opts.BleWriteWithResponse, DefaultWriteTimeout); err != nil {
				logger.WithError(err).Warn("failed to write PTY input to device")
			}
		})
	}

	progressCallback("Running")

	bridge := &bridgeImpl{
		dev:            dev,
		ttySymlinkPath: ttySymlinkPath,
		pty:            pty,
	}

	return callback(bridge)
}
