package camdrv

import (
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ehrlich-b/go-camdrv/internal/logging"
	"github.com/ehrlich-b/go-camdrv/internal/usb"
)

// devfsWatchPath is where attach events surface on hosts with a usbfs tree.
const devfsWatchPath = "/dev/bus/usb"

const hubPollInterval = 500 * time.Millisecond

// DeviceHub enumerates cameras and waits for arrivals. Selection is
// deterministic: devices are ordered by unique id.
type DeviceHub struct{}

// NewDeviceHub creates a hub over the process's USB backend.
func NewDeviceHub() *DeviceHub {
	return &DeviceHub{}
}

// QueryDevices lists the attached cameras, one Device per physical unit.
func (h *DeviceHub) QueryDevices() ([]*Device, error) {
	infos, err := usb.QueryDevicesInfo()
	if err != nil {
		return nil, WrapError("QUERY_DEVICES", ErrCodeTransport, err)
	}

	seen := make(map[string]usb.DeviceInfo)
	var order []string
	for _, info := range infos {
		if _, ok := seen[info.UniqueID]; !ok {
			seen[info.UniqueID] = info
			order = append(order, info.UniqueID)
		}
	}
	sort.Strings(order)

	var rv []*Device
	for _, id := range order {
		usbDevice, err := usb.CreateDevice(seen[id])
		if err != nil {
			logging.Debug("device create failed", "unique_id", id, "error", err)
			continue
		}
		rv = append(rv, newDevice(usbDevice))
	}
	return rv, nil
}

// findDevice returns the first device matching the serial, or any device
// when serial is empty.
func (h *DeviceHub) findDevice(serial string) (*Device, error) {
	devices, err := h.QueryDevices()
	if err != nil {
		return nil, err
	}
	var selected *Device
	for _, d := range devices {
		if selected != nil {
			d.Close()
			continue
		}
		if serial == "" {
			selected = d
			continue
		}
		if sn, err := d.Info(CameraInfoSerialNumber); err == nil && sn == serial {
			selected = d
			continue
		}
		d.Close()
	}
	return selected, nil
}

// WaitForDevice blocks until a matching device is attached or the timeout
// elapses. Arrival is detected through a filesystem watch on the usbfs tree
// where available, with a polling fallback everywhere else.
func (h *DeviceHub) WaitForDevice(timeout time.Duration, serial string) (*Device, error) {
	if d, err := h.findDevice(serial); err != nil || d != nil {
		return d, err
	}

	deadline := time.Now().Add(timeout)

	var events chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if err := watcher.Add(devfsWatchPath); err == nil {
			events = watcher.Events
		}
		defer watcher.Close()
	}

	ticker := time.NewTicker(hubPollInterval)
	defer ticker.Stop()

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, NewError("WAIT_FOR_DEVICE", ErrCodeTimeout, "no device connected")
		}

		select {
		case <-ticker.C:
		case <-events:
		case <-time.After(remaining):
			return nil, NewError("WAIT_FOR_DEVICE", ErrCodeTimeout, "no device connected")
		}

		if d, err := h.findDevice(serial); err != nil || d != nil {
			return d, err
		}
	}
}

// IsConnected reports whether the device is still attached.
func (h *DeviceHub) IsConnected(d *Device) bool {
	if d == nil {
		return false
	}
	return usb.IsDeviceConnected(d.usbDevice)
}
