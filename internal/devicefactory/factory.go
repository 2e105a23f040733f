package devicefactory

import (
	"github.com/sirupsen/logrus"

	"github.com/srg/bthost/internal/device"
)

// DeviceFactory creates a device.ScanningDevice for BLE scanning operations,
// backed by the default Adapter's discovery path.
// This is a variable so that it can be overridden in tests.
var DeviceFactory = func() (device.ScanningDevice, error) {
	return device.NewScanningDevice(logrus.StandardLogger()), nil
}

// NewDevice creates a new BLE device with the specified address.
// This is the primary constructor for creating device instances.
func NewDevice(address string, logger *logrus.Logger) device.Device {
	return device.NewDevice(address, logger)
}

// NewDeviceFromAdvertisement creates a new BLE device from a device.Advertisement.
// This is used during scanning to create device instances from discovered advertisements.
func NewDeviceFromAdvertisement(adv device.Advertisement, logger *logrus.Logger) device.Device {
	return device.NewDeviceFromAdvertisement(adv, logger)
}
