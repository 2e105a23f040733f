package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/bthost/bridge"
	"github.com/srg/bthost/internal/device"
)

// bridgeCmd represents the bridge command
var bridgeCmd = &cobra.Command{
	Use:   "bridge <device-address>",
	Short: "Create a PTY bridge to a BLE device",
	Long: fmt.Sprintf(`Creates a bidirectional PTY (pseudoterminal) bridge to a BLE device,
allowing applications that expect a serial port to communicate with BLE devices.

The bridge creates a virtual serial device (e.g., /dev/ttys001) that applications
can connect to. Data written to the PTY is sent to the BLE device's writable
characteristic within the bridged service, and notifications from the device's
notifying characteristic are written to the PTY, Nordic UART Service-style.

This is useful for:
- Connecting terminal emulators to BLE devices
- Using existing serial applications with BLE devices
- Testing and debugging BLE serial communication
- Integrating BLE devices with legacy serial software

Example:
  bthost bridge %s
  bthost bridge --service=custom-uuid %s

%s`, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(1),
	RunE: runBridge,
}

var (
	bridgeServiceUUID           string
	bridgeConnectTimeout        time.Duration
	bridgeDescriptorReadTimeout time.Duration
	bridgeWriteWithResponse     bool
	bridgeSymlink               string
)

func init() {
	bridgeCmd.Flags().StringVar(&bridgeServiceUUID, "service", "6E400001-B5A3-F393-E0A9-E50E24DCCA9E", "BLE service UUID to bridge with")
	bridgeCmd.Flags().DurationVar(&bridgeConnectTimeout, "connect-timeout", 30*time.Second, "Connection timeout")
	bridgeCmd.Flags().DurationVar(&bridgeDescriptorReadTimeout, "descriptor-timeout", 0, "Descriptor read timeout passed to the connection options (descriptor reads are neither skipped nor bounded by it)")
	bridgeCmd.Flags().BoolVar(&bridgeWriteWithResponse, "write-with-response", false, "Use write-with-response for PTY-originated writes")
	bridgeCmd.Flags().StringVar(&bridgeSymlink, "symlink", "", "Create a symlink to the PTY device (e.g., /tmp/ble-device)")
}

func runBridge(cmd *cobra.Command, args []string) error {
	// Configure logger based on --log-level and --verbose flags
	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	deviceAddress := args[0]

	// Validate and normalize service UUID
	serviceUUIDs, err := device.ValidateUUID(bridgeServiceUUID)
	if err != nil {
		return fmt.Errorf("invalid service UUID: %w", err)
	}
	serviceUUID := serviceUUIDs[0]

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle interrupts gracefully
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Received interrupt signal, shutting down...")
		cancel()
	}()

	// Setup progress printer
	progress := NewProgressPrinter(fmt.Sprintf("Starting bridge for %s", deviceAddress), "Connecting", "Running")
	progress.Start()
	defer progress.Stop()

	// Notification<->PTY piping is already running by the time
	// RunDeviceBridge invokes this callback; just hold the bridge open
	// until the user interrupts.
	bridgeCallback := func(b bridge.Bridge) (any, error) {
		logger.WithField("tty", b.GetTTYName()).Info("Bridge running, press Ctrl+C to stop")
		<-ctx.Done()
		logger.Info("Bridge shutting down...")
		return nil, nil
	}

	_, err = bridge.RunDeviceBridge(
		ctx,
		&bridge.BridgeOptions{
			BleAddress:               deviceAddress,
			BleServiceUUID:           serviceUUID,
			BleConnectTimeout:        bridgeConnectTimeout,
			BleDescriptorReadTimeout: bridgeDescriptorReadTimeout,
			BleWriteWithResponse:     bridgeWriteWithResponse,
			Logger:                   logger,
			TTYSymlinkPath:           bridgeSymlink,
		},
		progress.Callback(),
		bridgeCallback,
	)

	return err
}
