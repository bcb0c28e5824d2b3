package dfu

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-camdrv/internal/usb"
	"github.com/ehrlich-b/go-camdrv/internal/usb/usbtest"
)

// dfuSim scripts a device-side DFU state machine onto a fake device.
type dfuSim struct {
	mu    sync.Mutex
	state State

	serial        [6]byte
	refuseDetach  bool
	failDownload  bool
	failManifest  bool
	downloadSizes []int
	blockNumbers  []uint16
}

func newDFUSim() *dfuSim {
	return &dfuSim{
		state:  StateAppIdle,
		serial: [6]byte{0xDE, 0xAD, 0xBE, 0xEF, 0x00, 0x42},
	}
}

func (s *dfuSim) handle(requestType, request uint8, value, index uint16, buf []byte) (int, usb.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch Command(request) {
	case CommandGetState:
		if len(buf) < 1 {
			return 0, usb.StatusInvalidParam
		}
		buf[0] = byte(s.state)
		return 1, usb.StatusSuccess

	case CommandDetach:
		if !s.refuseDetach {
			s.state = StateDfuIdle
		}
		return 0, usb.StatusSuccess

	case CommandUpload:
		if len(buf) < serialNumberOffset+serialNumberLength {
			return 0, usb.StatusInvalidParam
		}
		copy(buf[serialNumberOffset:], s.serial[:])
		return len(buf), usb.StatusSuccess

	case CommandDownload:
		s.downloadSizes = append(s.downloadSizes, len(buf))
		s.blockNumbers = append(s.blockNumbers, value)
		switch {
		case len(buf) == 0:
			if s.failManifest {
				s.state = StateError
			} else {
				s.state = StateManifestWaitReset
			}
		case s.failDownload:
			s.state = StateError
		default:
			s.state = StateDownloadIdle
		}
		return len(buf), usb.StatusSuccess

	case CommandGetStatus:
		if len(buf) < 6 {
			return 0, usb.StatusInvalidParam
		}
		buf[0] = byte(StatusOK)
		if s.state == StateError {
			buf[0] = 0x0E
		}
		buf[1], buf[2], buf[3] = 0, 0, 0
		buf[4] = byte(s.state)
		buf[5] = 0
		return 6, usb.StatusSuccess
	}
	return 0, usb.StatusNotSupported
}

func newDFUMessenger(t *testing.T, sim *dfuSim) usb.Messenger {
	t.Helper()
	dev := usbtest.NewCameraDevice("dfu0", 0x8086, 0x0B55)
	dev.ControlHandler = sim.handle
	m, err := dev.Open(0)
	require.NoError(t, err)
	return m
}

func TestNewDevice_EntersDFUAndReadsSerial(t *testing.T) {
	sim := newDFUSim()
	d, err := NewDevice(newDFUMessenger(t, sim))
	require.NoError(t, err)
	require.Equal(t, "deadbeef0042", d.SerialNumber())
}

func TestNewDevice_FailsWhenDetachRefused(t *testing.T) {
	sim := newDFUSim()
	sim.refuseDetach = true

	_, err := NewDevice(newDFUMessenger(t, sim))
	require.ErrorIs(t, err, ErrEnterDFUFailed)
	require.EqualError(t, err, "failed to enter into dfu state")
}

func TestUpdate_DownloadsBlockwise(t *testing.T) {
	sim := newDFUSim()
	d, err := NewDevice(newDFUMessenger(t, sim))
	require.NoError(t, err)

	firmware := make([]byte, 3*TransferSize)
	var progress []float32
	err = d.Update(firmware, func(p float32) {
		progress = append(progress, p)
	})
	require.NoError(t, err)

	// Three full blocks plus the zero-length terminator.
	require.Equal(t, []int{TransferSize, TransferSize, TransferSize, 0}, sim.downloadSizes)
	require.Equal(t, []uint16{0, 1, 2, 3}, sim.blockNumbers)
	require.Equal(t, []float32{1.0 / 3, 2.0 / 3, 1}, progress)
	require.Equal(t, StateManifestWaitReset, sim.state)
}

func TestUpdate_PartialTrailingBlock(t *testing.T) {
	sim := newDFUSim()
	d, err := NewDevice(newDFUMessenger(t, sim))
	require.NoError(t, err)

	firmware := make([]byte, 2*TransferSize+100)
	require.NoError(t, d.Update(firmware, nil))
	require.Equal(t, []int{TransferSize, TransferSize, 100, 0}, sim.downloadSizes)
}

func TestUpdate_DownloadErrorSurfaces(t *testing.T) {
	sim := newDFUSim()
	d, err := NewDevice(newDFUMessenger(t, sim))
	require.NoError(t, err)

	sim.failDownload = true
	err = d.Update(make([]byte, TransferSize), nil)
	require.ErrorIs(t, err, ErrDownloadFailed)
	require.EqualError(t, err, "failed to download firmware")
}

func TestUpdate_ManifestErrorSurfaces(t *testing.T) {
	sim := newDFUSim()
	d, err := NewDevice(newDFUMessenger(t, sim))
	require.NoError(t, err)

	sim.failManifest = true
	err = d.Update(make([]byte, TransferSize), nil)
	require.ErrorIs(t, err, ErrManifestFailed)
	require.EqualError(t, err, "firmware manifest failed")
}

func TestWaitForState_ErrorStateReturnsFalse(t *testing.T) {
	sim := newDFUSim()
	m := newDFUMessenger(t, sim)

	sim.mu.Lock()
	sim.state = StateError
	sim.mu.Unlock()

	require.False(t, waitForState(m, StateDownloadIdle, stateWaitTimeout))
}

func TestWaitForState_TimesOut(t *testing.T) {
	sim := newDFUSim()
	m := newDFUMessenger(t, sim)

	// Device stays in DFU_IDLE; the wait for DOWNLOAD_IDLE must expire.
	require.False(t, waitForState(m, StateDownloadIdle, 50*time.Millisecond))
}

func TestDecodeStatusPayload(t *testing.T) {
	p := decodeStatusPayload([]byte{0x00, 0x10, 0x20, 0x00, byte(StateManifest), 3})
	require.Equal(t, StatusOK, p.Status)
	require.Equal(t, uint32(0x2010), p.PollTimeout)
	require.Equal(t, StateManifest, p.State)
	require.Equal(t, uint8(3), p.IString)

	// Short payloads decode to the error state.
	require.True(t, decodeStatusPayload([]byte{0}).isErrorState())
}
