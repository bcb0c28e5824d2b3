package camdrv

import (
	"fmt"
	"time"

	"github.com/ehrlich-b/go-camdrv/internal/gvd"
	"github.com/ehrlich-b/go-camdrv/internal/hwm"
	"github.com/ehrlich-b/go-camdrv/internal/logging"
	"github.com/ehrlich-b/go-camdrv/internal/usb"
	"github.com/ehrlich-b/go-camdrv/internal/uvc"
)

const gvdReadTimeout = time.Second

// Device is one camera: the underlying USB device, its advertised stream
// profiles and the read-only camera-info registry populated from the
// hardware monitor's version blob.
type Device struct {
	usbDevice usb.Device
	info      map[CameraInfo]string
	profiles  []StreamProfile
	controls  map[int]uvc.StreamControl // stream control per profile unique id
}

// defaultMode is the stream shape advertised per streaming interface.
type defaultMode struct {
	stream StreamType
	format Format
	bpp    int
}

var streamingModes = []defaultMode{
	{StreamDepth, FormatZ16, 2},
	{StreamColor, FormatYUYV, 2},
	{StreamInfrared, FormatY8, 1},
}

func newDevice(usbDevice usb.Device) *Device {
	d := &Device{
		usbDevice: usbDevice,
		info:      make(map[CameraInfo]string),
		controls:  make(map[int]uvc.StreamControl),
	}
	d.buildProfiles()
	d.populateInfo()
	return d
}

// buildProfiles derives one profile per streaming interface, tagging each
// with a unique id for frameset demultiplexing.
func (d *Device) buildProfiles() {
	streaming := d.usbDevice.InterfacesBySubclass(usb.SubclassStreaming)
	for i, iface := range streaming {
		mode := streamingModes[min(i, len(streamingModes)-1)]
		profile := StreamProfile{
			Type:     mode.stream,
			Index:    0,
			Format:   mode.format,
			Width:    640,
			Height:   480,
			FPS:      30,
			UniqueID: i,
		}
		d.profiles = append(d.profiles, profile)
		d.controls[profile.UniqueID] = uvc.StreamControl{
			InterfaceNumber:   iface.Number,
			MaxVideoFrameSize: profile.Width * profile.Height * mode.bpp,
		}
	}
}

// populateInfo fills the camera-info registry: identity from the descriptor
// tree, versions from the GVD blob when a monitor interface answers.
func (d *Device) populateInfo() {
	info := d.usbDevice.Info()
	d.info[CameraInfoName] = fmt.Sprintf("USB Camera %04x:%04x", info.VID, info.PID)
	d.info[CameraInfoPhysicalPort] = info.ID
	d.info[CameraInfoProductID] = fmt.Sprintf("%04X", info.PID)
	d.info[CameraInfoProductLine] = fmt.Sprintf("%04x", info.VID)

	monitors := d.usbDevice.InterfacesBySubclass(usb.SubclassHWM)
	if len(monitors) == 0 {
		return
	}
	monitor := monitors[0]

	messenger, err := d.usbDevice.Open(monitor.Number)
	if err != nil {
		logging.Debug("monitor interface open failed", "device", info.ID, "error", err)
		return
	}
	defer messenger.Close()

	blob, err := hwm.ReadGVD(messenger, monitor, gvdReadTimeout)
	if err != nil {
		logging.Debug("gvd read failed", "device", info.ID, "error", err)
		return
	}
	decoded, err := gvd.Decode(blob)
	if err != nil {
		logging.Warn("gvd decode failed", "device", info.ID, "error", err)
		return
	}

	d.info[CameraInfoSerialNumber] = decoded.SerialNumber
	d.info[CameraInfoFirmwareVersion] = decoded.FirmwareVersion()
	d.info[CameraInfoDFUVersion] = decoded.DFUVersion.String()
	if decoded.Locked {
		d.info[CameraInfoLocked] = "YES"
	} else {
		d.info[CameraInfoLocked] = "NO"
	}
}

// Info reads one registry entry.
func (d *Device) Info(kind CameraInfo) (string, error) {
	v, ok := d.info[kind]
	if !ok {
		return "", NewError("GET_INFO", ErrCodeNotFound, fmt.Sprintf("%s is not supported by this device", kind))
	}
	return v, nil
}

// SupportsInfo reports whether the registry holds the entry.
func (d *Device) SupportsInfo(kind CameraInfo) bool {
	_, ok := d.info[kind]
	return ok
}

// Profiles lists the streams the device can serve.
func (d *Device) Profiles() []StreamProfile {
	return append([]StreamProfile(nil), d.profiles...)
}

// UniqueID identifies the physical device across its interface records.
func (d *Device) UniqueID() string {
	return d.usbDevice.Info().UniqueID
}

// Close releases the underlying USB device.
func (d *Device) Close() error {
	return d.usbDevice.Close()
}
