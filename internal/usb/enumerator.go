package usb

import (
	"fmt"
	"sync"

	"github.com/ehrlich-b/go-camdrv/internal/logging"
)

// Backend is one concrete transport (usbfs, WinUSB, usbhost, or a test
// fake). Exactly one backend drives a process; it is chosen at first use
// from the registered set by an enumeration probe.
type Backend interface {
	Name() string
	// QueryDevicesInfo returns one record per interface of every device the
	// backend can see.
	QueryDevicesInfo() ([]DeviceInfo, error)
	// CreateDevice resolves an info record's device path and builds the
	// device by walking its configuration descriptors.
	CreateDevice(info DeviceInfo) (Device, error)
	// IsDeviceConnected reports whether the device is still present.
	IsDeviceConnected(info DeviceInfo) bool
}

var (
	registryMu sync.Mutex
	registry   []Backend
	active     Backend
)

// RegisterBackend adds a transport to the probe set. Platform backends
// register themselves from their init functions.
func RegisterBackend(b Backend) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = append(registry, b)
}

// SetBackend pins the active transport, bypassing the probe. Tests use this
// to install an in-memory fake.
func SetBackend(b Backend) {
	registryMu.Lock()
	defer registryMu.Unlock()
	active = b
}

// ActiveBackend returns the transport in use, probing the registered set on
// first call.
func ActiveBackend() (Backend, error) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if active != nil {
		return active, nil
	}
	for _, b := range registry {
		if _, err := b.QueryDevicesInfo(); err != nil {
			logging.Debug("backend probe failed", "backend", b.Name(), "error", err)
			continue
		}
		logging.Info("usb backend selected", "backend", b.Name())
		active = b
		return active, nil
	}
	if len(registry) > 0 {
		active = registry[0]
		return active, nil
	}
	return nil, fmt.Errorf("no usb backend registered")
}

// QueryDevicesInfo lists one DeviceInfo per interface across all devices,
// skipping application-specific class interfaces so DFU ghost entries do not
// surface.
func QueryDevicesInfo() ([]DeviceInfo, error) {
	b, err := ActiveBackend()
	if err != nil {
		return nil, err
	}
	infos, err := b.QueryDevicesInfo()
	if err != nil {
		return nil, err
	}
	rv := make([]DeviceInfo, 0, len(infos))
	for _, info := range infos {
		if info.Class == ClassApplication {
			continue
		}
		rv = append(rv, info)
	}
	return rv, nil
}

// QueryAllDevicesInfo lists every interface record including the
// application-specific class ones QueryDevicesInfo suppresses. Firmware
// recovery uses it to find devices already sitting in DFU mode.
func QueryAllDevicesInfo() ([]DeviceInfo, error) {
	b, err := ActiveBackend()
	if err != nil {
		return nil, err
	}
	return b.QueryDevicesInfo()
}

// CreateDevice opens the device path named by info and walks its descriptor
// tree into a Device.
func CreateDevice(info DeviceInfo) (Device, error) {
	b, err := ActiveBackend()
	if err != nil {
		return nil, err
	}
	return b.CreateDevice(info)
}

// IsDeviceConnected reports whether the device behind d is still attached.
func IsDeviceConnected(d Device) bool {
	b, err := ActiveBackend()
	if err != nil {
		return false
	}
	return b.IsDeviceConnected(d.Info())
}
