// Package camdrv is a user-space host driver for USB depth/RGB cameras. It
// enumerates devices, opens their interfaces, pumps bulk streaming
// transfers, parses UVC payloads into frames and delivers them to client
// callbacks through the Streamer facades. Firmware updates run over the
// same transport via the DFU engine.
package camdrv

import (
	"github.com/ehrlich-b/go-camdrv/internal/usb"
	"github.com/ehrlich-b/go-camdrv/internal/uvc"
)

// Re-export the streaming data model for the public API.
type (
	StreamType    = uvc.StreamType
	Format        = uvc.Format
	StreamProfile = uvc.StreamProfile
	FrameObject   = uvc.FrameObject
)

const (
	StreamAny        = uvc.StreamAny
	StreamDepth      = uvc.StreamDepth
	StreamColor      = uvc.StreamColor
	StreamInfrared   = uvc.StreamInfrared
	StreamFisheye    = uvc.StreamFisheye
	StreamConfidence = uvc.StreamConfidence

	FormatAny  = uvc.FormatAny
	FormatZ16  = uvc.FormatZ16
	FormatYUYV = uvc.FormatYUYV
	FormatRGB8 = uvc.FormatRGB8
	FormatY8   = uvc.FormatY8
)

// UsbStatus re-exports the transport status taxonomy.
type UsbStatus = usb.Status

// CameraInfo selects one entry of a device's info registry.
type CameraInfo string

const (
	CameraInfoName                       CameraInfo = "name"
	CameraInfoSerialNumber               CameraInfo = "serial number"
	CameraInfoFirmwareVersion            CameraInfo = "firmware version"
	CameraInfoRecommendedFirmwareVersion CameraInfo = "recommended firmware version"
	CameraInfoPhysicalPort               CameraInfo = "physical port"
	CameraInfoProductID                  CameraInfo = "product id"
	CameraInfoProductLine                CameraInfo = "product line"
	CameraInfoDFUVersion                 CameraInfo = "dfu version"
	CameraInfoLocked                     CameraInfo = "locked"
)

// Frame is one delivered video frame. Data and Metadata alias the driver's
// pooled buffers only for the duration of the callback; callers keep a frame
// beyond it by copying.
type Frame struct {
	Profile  StreamProfile
	Number   uint64
	Data     []byte
	Metadata []byte
}

// FrameSet is a composite of the latest frame per configured stream.
type FrameSet struct {
	Frames []Frame
}

// Get returns the frame of the given stream type, if present.
func (fs *FrameSet) Get(t StreamType) (Frame, bool) {
	for _, f := range fs.Frames {
		if f.Profile.Type == t {
			return f, true
		}
	}
	return Frame{}, false
}

// Size reports the number of frames in the set.
func (fs *FrameSet) Size() int {
	return len(fs.Frames)
}

// FrameCallback receives frames from an asynchronous streamer.
type FrameCallback func(Frame)
