package camdrv

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/ehrlich-b/go-camdrv/internal/usb"
	"github.com/ehrlich-b/go-camdrv/internal/usb/usbtest"
)

// installFakeBackend pins the enumerator to a fresh in-memory backend for
// the duration of one test.
func installFakeBackend(t *testing.T) *usbtest.Backend {
	t.Helper()
	backend := usbtest.NewBackend()
	usb.SetBackend(backend)
	t.Cleanup(func() { usb.SetBackend(nil) })
	return backend
}

// shortResolve shrinks the per-attempt resolve budget so reconnect paths
// fail fast in tests.
func shortResolve(t *testing.T, d time.Duration) {
	t.Helper()
	old := resolveTimeout
	resolveTimeout = d
	t.Cleanup(func() { resolveTimeout = old })
}

// testGVDBlob builds a version blob with the given serial bytes.
func testGVDBlob(serial [6]byte) []byte {
	blob := make([]byte, 42)
	// Functional payload version 5.13.0.50, stored reversed.
	copy(blob[0:4], []byte{50, 0, 13, 5})
	copy(blob[34:40], serial[:])
	return blob
}

// installMonitor scripts the device's hardware monitor: every command is
// answered with an opcode echo, GVD with the version blob.
func installMonitor(dev *usbtest.Device, serial [6]byte) {
	var lastOpcode uint32
	dev.BulkHandler = func(endpoint *usb.Endpoint, buf []byte) (int, usb.Status) {
		if endpoint.Direction() == usb.DirectionWrite {
			if len(buf) >= 8 {
				lastOpcode = binary.LittleEndian.Uint32(buf[4:8])
			}
			return len(buf), usb.StatusSuccess
		}
		binary.LittleEndian.PutUint32(buf[0:4], lastOpcode)
		blob := testGVDBlob(serial)
		n := copy(buf[4:], blob)
		return 4 + n, usb.StatusSuccess
	}
}

// testCamera attaches a scripted camera with a working monitor and streaming
// payload sources for both video endpoints.
func testCamera(t *testing.T, backend *usbtest.Backend, uniqueID string, serial [6]byte) *usbtest.Device {
	t.Helper()
	dev := usbtest.NewCameraDevice(uniqueID, 0x8086, 0x0B3A)
	installMonitor(dev, serial)
	backend.AddDevice(dev)
	return dev
}

// streamingSource produces valid payloads for the depth (0x82) and color
// (0x83) endpoints, sized to the device's advertised profiles.
func streamingSource(dev *usbtest.Device) {
	depthSize := 640 * 480 * 2
	colorSize := 640 * 480 * 2
	dev.PayloadSource = func(endpoint *usb.Endpoint) []byte {
		time.Sleep(5 * time.Millisecond)
		size := depthSize
		if endpoint.Address == 0x83 {
			size = colorSize
		}
		p := make([]byte, size)
		p[0] = 12 // header length
		p[1] = 0  // header info
		return p
	}
}
