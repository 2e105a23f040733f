package inspector

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bthost/internal/device"
	"github.com/srg/bthost/internal/devicefactory"
)

// InspectOptions defines options for inspecting a BLE device profile
type InspectOptions struct {
	ConnectTimeout        time.Duration
	ReadLimit             int           // 0 disables characteristic reads
	DescriptorReadTimeout time.Duration // Passed on as ConnectOptions.DescriptorReadTimeout by RunDeviceOperation; Connect does not consult it
}

// OperationCallback is executed once a device is connected and its GATT
// profile discovered (mirrors bridge.BridgeCallback).
type OperationCallback[R any] func(device.Device) (R, error)

// InspectResult is a structured representation of a device's GATT discovery results
// Includes inspect-only previews and a snapshot of the device enriched with GATT services
// (no characteristic values stored in the device model).
type InspectResult struct {
	Address  string        `json:"address,omitempty"`
	Name     string        `json:"name,omitempty"`
	Device   device.Device `json:"device,omitempty"`
	Services []ServiceInfo `json:"services"`
}

type ServiceInfo struct {
	UUID            string               `json:"uuid"`
	Characteristics []CharacteristicInfo `json:"characteristics"`
}

type CharacteristicInfo struct {
	UUID        string           `json:"uuid"`
	Properties  string           `json:"properties"`
	ValueHex    string           `json:"value_hex,omitempty"`
	ValueASCII  string           `json:"value_ascii,omitempty"`
	Descriptors []DescriptorInfo `json:"descriptors,omitempty"`
}

type DescriptorInfo struct {
	UUID string `json:"uuid"`
}

// deviceNameUUID is the GAP Device Name characteristic (0x2A00), used to
// populate InspectResult.Name from a readable preview when present.
const deviceNameUUID = "2a00"

// InspectDevice connects to a device, discovers its profile and optionally reads characteristic previews
func InspectDevice(ctx context.Context, address string, opts *InspectOptions, logger *logrus.Logger) (*InspectResult, error) {
	if opts == nil {
		opts = &InspectOptions{ConnectTimeout: 30 * time.Second, ReadLimit: 64}
	}
	if logger == nil {
		logger = logrus.New()
	}

	dev := devicefactory.NewDevice(address, logger)

	cctx := ctx
	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}

	logger.WithField("address", address).Info("Dialing BLE device...")

	// Progress ticker for connecting phase - show countdown
	connectStart := time.Now()
	stopProgress := make(chan bool)
	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stopProgress:
				return
			case <-ticker.C:
				elapsed := time.Since(connectStart)
				remaining := opts.ConnectTimeout - elapsed
				if remaining > 0 {
					seconds := int(remaining.Seconds())
					if remaining.Truncate(time.Second) < remaining {
						seconds++
					}
					if seconds > 0 {
						fmt.Printf("\rInspecting device %s (Connecting %ds)   ", address, seconds)
					}
				}
			}
		}
	}()

	fmt.Printf("Inspecting device %s (Connecting %ds)   ", address, int(opts.ConnectTimeout.Seconds()))
	err := dev.Connect(cctx, &device.ConnectOptions{Address: address, ConnectTimeout: opts.ConnectTimeout})
	stopProgress <- true

	if err != nil {
		fmt.Print("\r\033[K") // Clear the line
		return nil, fmt.Errorf("failed to connect to device %s: %w", address, err)
	}
	defer func() {
		_ = dev.Disconnect()
	}()

	conn := dev.GetConnection()
	if conn == nil {
		fmt.Print("\r\033[K")
		return nil, fmt.Errorf("device %s connected with no live GATT connection", address)
	}

	logger.Info("Discovering profile (services/characteristics)...")

	// Progress ticker for discovery phase
	discoverStart := time.Now()
	stopProgress2 := make(chan bool)
	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stopProgress2:
				return
			case <-ticker.C:
				elapsed := time.Since(discoverStart)
				seconds := int(elapsed.Seconds()) + 1
				fmt.Printf("\rInspecting device %s (Discovering %ds)   ", address, seconds)
			}
		}
	}()

	fmt.Printf("\rInspecting device %s (Discovering 0s)   ", address)
	services := conn.Services()
	stopProgress2 <- true

	// Progress ticker for exploring phase (reading characteristics)
	if opts.ReadLimit > 0 {
		exploreStart := time.Now()
		stopProgress3 := make(chan bool)
		go func() {
			ticker := time.NewTicker(100 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-stopProgress3:
					return
				case <-ticker.C:
					elapsed := time.Since(exploreStart)
					seconds := int(elapsed.Seconds()) + 1
					fmt.Printf("\rInspecting device %s (Exploring %ds)   ", address, seconds)
				}
			}
		}()
		fmt.Printf("\rInspecting device %s (Exploring 0s)   ", address)
		defer func() {
			stopProgress3 <- true
			fmt.Print("\r\033[K") // Clear the progress line
		}()
	} else {
		fmt.Print("\r\033[K") // Clear the progress line
	}

	res := &InspectResult{Address: address}
	var deviceName string

	for _, svc := range services {
		si := ServiceInfo{UUID: svc.UUID()}

		for _, ch := range svc.GetCharacteristics() {
			ci := CharacteristicInfo{UUID: ch.UUID(), Properties: propertiesHex(ch.GetProperties())}

			// Optional reads for preview (inspect-only)
			if opts.ReadLimit > 0 && ch.GetProperties().Read() != nil {
				if data, err := ch.Read(5 * time.Second); err == nil && len(data) > 0 {
					trim := data
					if len(trim) > opts.ReadLimit {
						trim = trim[:opts.ReadLimit]
					}
					ci.ValueHex = strings.ToUpper(hex.EncodeToString(trim))
					ci.ValueASCII = asciiPreview(trim)
					if ch.UUID() == deviceNameUUID {
						deviceName = ci.ValueASCII
					}
				}
			}

			for _, d := range ch.GetDescriptors() {
				ci.Descriptors = append(ci.Descriptors, DescriptorInfo{UUID: d.UUID()})
			}

			si.Characteristics = append(si.Characteristics, ci)
		}

		res.Services = append(res.Services, si)
	}

	res.Name = deviceName
	res.Device = dev

	return res, nil
}

// RunDeviceOperation connects to a device, discovers its GATT profile, and
// executes callback with the connected device. It blocks until callback
// returns, mirroring bridge.RunDeviceBridge's connect/defer-disconnect shape
// for commands (read/write/subscribe) that need the live connection itself
// rather than an InspectResult snapshot.
func RunDeviceOperation[R any](
	ctx context.Context,
	address string,
	opts *InspectOptions,
	logger *logrus.Logger,
	progressCallback func(string),
	callback OperationCallback[R],
) (R, error) {
	var zero R

	if opts == nil {
		opts = &InspectOptions{ConnectTimeout: 30 * time.Second}
	}
	if logger == nil {
		logger = logrus.New()
	}
	if progressCallback == nil {
		progressCallback = func(string) {}
	}

	dev := devicefactory.NewDevice(address, logger)

	cctx := ctx
	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}

	progressCallback("Connecting")
	logger.WithField("address", address).Info("Dialing BLE device...")

	err := dev.Connect(cctx, &device.ConnectOptions{
		Address:               address,
		ConnectTimeout:        opts.ConnectTimeout,
		DescriptorReadTimeout: opts.DescriptorReadTimeout,
	})
	if err != nil {
		progressCallback("Failed")
		return zero, fmt.Errorf("failed to connect to device %s: %w", address, err)
	}
	defer func() {
		_ = dev.Disconnect()
	}()

	progressCallback("Connected")

	if dev.GetConnection() == nil {
		return zero, fmt.Errorf("device %s connected with no live GATT connection", address)
	}

	return callback(dev)
}

// propertiesHex renders a characteristic's Properties as the raw GATT
// declaration bitmask, the way the wire format itself encodes them.
func propertiesHex(props device.Properties) string {
	var bits int
	for _, p := range []device.Property{
		props.Broadcast(), props.Read(), props.Write(), props.WriteWithoutResponse(),
		props.Notify(), props.Indicate(), props.AuthenticatedSignedWrites(), props.ExtendedProperties(),
	} {
		if p != nil {
			bits |= p.Value()
		}
	}
	return fmt.Sprintf("0x%02X", bits)
}

// asciiPreview returns a safe ASCII preview, replacing non-printable bytes with '.'
func asciiPreview(b []byte) string {
	var sb strings.Builder
	for _, c := range b {
		if c >= 32 && c <= 126 {
			sb.WriteByte(c)
		} else {
			sb.WriteByte('.')
		}
	}
	return sb.String()
}
