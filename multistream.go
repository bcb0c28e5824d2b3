package camdrv

import (
	"github.com/ehrlich-b/go-camdrv/internal/logging"
	"github.com/ehrlich-b/go-camdrv/internal/usb"
	"github.com/ehrlich-b/go-camdrv/internal/uvc"
)

// multistream binds a resolved set of profiles to one opened device: a
// shared messenger claiming the video function, and one streaming engine per
// profile.
type multistream struct {
	device    *Device
	profiles  []StreamProfile
	messenger usb.Messenger
	streamers []*uvc.Streamer
	observer  uvc.Observer
}

// open claims the device's video-control interface; the claim covers the
// streaming interfaces it is associated with.
func (m *multistream) open() error {
	controls := m.device.usbDevice.InterfacesBySubclass(usb.SubclassControl)
	if len(controls) == 0 {
		return NewError("OPEN", ErrCodeNotFound,
			"no video control interface on device "+m.device.usbDevice.Info().ID)
	}

	messenger, err := m.device.usbDevice.Open(controls[0].Number)
	if err != nil {
		return WrapError("OPEN", ErrCodeTransport, err)
	}
	m.messenger = messenger
	return nil
}

// start builds and starts one engine per profile, wiring the handler in.
// Engines from a previous run never survive into the next one: leftovers are
// flushed and the slice reset, so a stop/start cycle cannot double up
// consumers on the endpoint.
func (m *multistream) start(handler func(StreamProfile, FrameObject)) error {
	for _, s := range m.streamers {
		s.Flush()
	}
	m.streamers = nil
	for _, profile := range m.profiles {
		control, ok := m.device.controls[profile.UniqueID]
		if !ok {
			m.stop()
			return NewError("START", ErrCodeNotFound, "no stream control for profile "+profile.String())
		}

		s, err := uvc.NewStreamer(uvc.Context{
			Profile: profile,
			UserCallback: func(p StreamProfile, fo FrameObject, release func()) {
				handler(p, fo)
				release()
			},
			Control:   control,
			Device:    m.device.usbDevice,
			Messenger: m.messenger,
			Observer:  m.observer,
		})
		if err != nil {
			m.stop()
			return WrapError("START", ErrCodeNotFound, err)
		}
		m.streamers = append(m.streamers, s)
	}

	for _, s := range m.streamers {
		s.Start()
	}
	return nil
}

// stop quiesces every engine. Safe on a partially started set.
func (m *multistream) stop() {
	for _, s := range m.streamers {
		s.Stop()
	}
}

// close flushes the engines and releases the claim.
func (m *multistream) close() {
	for _, s := range m.streamers {
		s.Flush()
	}
	m.streamers = nil
	if m.messenger != nil {
		if err := m.messenger.Close(); err != nil {
			logging.Debug("messenger close failed", "error", err)
		}
		m.messenger = nil
	}
}
