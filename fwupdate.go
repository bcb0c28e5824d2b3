package camdrv

import (
	"github.com/ehrlich-b/go-camdrv/internal/dfu"
	"github.com/ehrlich-b/go-camdrv/internal/logging"
	"github.com/ehrlich-b/go-camdrv/internal/usb"
)

// UpdateProgress observes firmware download progress in [0, 1].
type UpdateProgress func(progress float32)

// UpdateDevice is a camera held in DFU mode, ready to accept a firmware
// image.
type UpdateDevice struct {
	usbDevice usb.Device
	messenger usb.Messenger
	dfuDevice *dfu.Device
}

// QueryUpdateDevices finds devices already enumerated in recovery (DFU)
// mode: their interfaces carry the application-specific class that normal
// enumeration suppresses.
func QueryUpdateDevices() ([]*UpdateDevice, error) {
	infos, err := usb.QueryAllDevicesInfo()
	if err != nil {
		return nil, WrapError("QUERY_UPDATE_DEVICES", ErrCodeTransport, err)
	}

	seen := make(map[string]bool)
	var rv []*UpdateDevice
	for _, info := range infos {
		if info.Class != usb.ClassApplication || seen[info.UniqueID] {
			continue
		}
		seen[info.UniqueID] = true

		usbDevice, err := usb.CreateDevice(info)
		if err != nil {
			logging.Debug("recovery device open failed", "unique_id", info.UniqueID, "error", err)
			continue
		}
		u, err := NewUpdateDevice(usbDevice)
		if err != nil {
			logging.Debug("dfu attach failed", "unique_id", info.UniqueID, "error", err)
			usbDevice.Close()
			continue
		}
		rv = append(rv, u)
	}
	return rv, nil
}

// NewUpdateDevice switches an opened USB device into DFU mode.
func NewUpdateDevice(usbDevice usb.Device) (*UpdateDevice, error) {
	interfaces := usbDevice.Interfaces()
	if len(interfaces) == 0 {
		return nil, NewError("DFU_OPEN", ErrCodeNotFound, "device exposes no interfaces")
	}

	messenger, err := usbDevice.Open(interfaces[0].Number)
	if err != nil {
		return nil, WrapError("DFU_OPEN", ErrCodeTransport, err)
	}

	dfuDevice, err := dfu.NewDevice(messenger)
	if err != nil {
		messenger.Close()
		return nil, WrapError("DFU_OPEN", ErrCodeFirmware, err)
	}

	return &UpdateDevice{
		usbDevice: usbDevice,
		messenger: messenger,
		dfuDevice: dfuDevice,
	}, nil
}

// SerialNumber reports the serial recovered from the DFU identity upload.
func (u *UpdateDevice) SerialNumber() string {
	return u.dfuDevice.SerialNumber()
}

// UpdateFirmware downloads the image and waits for the device to manifest
// it. The device resets itself on success.
func (u *UpdateDevice) UpdateFirmware(image []byte, progress UpdateProgress) error {
	if len(image) == 0 {
		return NewError("UPDATE_FW", ErrCodeInvalidValue, "empty firmware image")
	}
	if err := u.dfuDevice.Update(image, dfu.ProgressCallback(progress)); err != nil {
		return WrapError("UPDATE_FW", ErrCodeFirmware, err)
	}
	return nil
}

// Close releases the device.
func (u *UpdateDevice) Close() error {
	u.messenger.Close()
	return u.usbDevice.Close()
}
