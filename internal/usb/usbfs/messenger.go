//go:build linux && !android

package usbfs

import (
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/ehrlich-b/go-camdrv/internal/logging"
	"github.com/ehrlich-b/go-camdrv/internal/usb"
)

// Standard request and feature selector used for pipe resets.
const (
	requestClearFeature  = 0x01
	featureEndpointHalt  = 0x00
	recipientEndpoint    = 0x02
)

// messenger performs transfers on a usbfs device. The claim on its
// interfaces is held until Close, which releases them on every exit path.
type messenger struct {
	device *device

	mu      sync.Mutex
	claimed []uint8
	closed  bool
}

// claim detaches any kernel driver and claims the interface, preferring the
// atomic DISCONNECT_CLAIM ioctl with a plain claim as fallback.
func (m *messenger) claim(number uint8) error {
	dc := disconnectClaim{Interface: uint32(number)}
	errno := m.device.ioctl(usbdevfsDisconnectClaim, unsafe.Pointer(&dc))
	if errno != 0 {
		n := uint32(number)
		if errno = m.device.ioctl(usbdevfsClaimInterface, unsafe.Pointer(&n)); errno != 0 {
			return errno
		}
	}

	m.mu.Lock()
	m.claimed = append(m.claimed, number)
	m.mu.Unlock()
	logging.Debug("interface claimed", "device", m.device.info.ID, "interface", number)
	return nil
}

// Close releases every claimed interface.
func (m *messenger) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	claimed := m.claimed
	m.claimed = nil
	m.mu.Unlock()

	for _, number := range claimed {
		n := uint32(number)
		if errno := m.device.ioctl(usbdevfsReleaseInterface, unsafe.Pointer(&n)); errno != 0 {
			logging.Debug("interface release failed", "interface", number, "errno", int(errno))
		}
	}
	return nil
}

func (m *messenger) ControlTransfer(requestType, request uint8, value, index uint16, buf []byte, timeout time.Duration) (int, usb.Status) {
	ctrl := ctrlTransfer{
		RequestType: requestType,
		Request:     request,
		Value:       value,
		Index:       index,
		Length:      uint16(len(buf)),
		Timeout:     uint32(timeout.Milliseconds()),
		Data:        bufPtr(buf),
	}

	n, errno := m.device.ioctlRet(usbdevfsControl, unsafe.Pointer(&ctrl))
	if errno != 0 {
		logging.Warn("control transfer failed", "index", index, "errno", int(errno))
		return 0, usb.StatusFromErrno(errno)
	}
	return n, usb.StatusSuccess
}

func (m *messenger) BulkTransfer(endpoint *usb.Endpoint, buf []byte, timeout time.Duration) (int, usb.Status) {
	bulk := bulkTransfer{
		Endpoint: uint32(endpoint.Address),
		Length:   uint32(len(buf)),
		Timeout:  uint32(timeout.Milliseconds()),
		Data:     bufPtr(buf),
	}

	n, errno := m.device.ioctlRet(usbdevfsBulk, unsafe.Pointer(&bulk))
	if errno != 0 {
		logging.Warn("bulk transfer failed", "endpoint", endpoint.Address, "errno", int(errno))
		return 0, usb.StatusFromErrno(errno)
	}
	return n, usb.StatusSuccess
}

// ResetEndpoint clears a halted pipe: CLEAR_FEATURE(ENDPOINT_HALT) on the
// wire, then CLEAR_HALT to resynchronize the host-side toggle.
func (m *messenger) ResetEndpoint(endpoint *usb.Endpoint, timeout time.Duration) usb.Status {
	if _, sts := m.ControlTransfer(recipientEndpoint, requestClearFeature, featureEndpointHalt,
		uint16(endpoint.Address), nil, timeout); !sts.Ok() {
		logging.Warn("endpoint reset failed", "endpoint", endpoint.Address, "status", sts)
		return sts
	}

	ep := uint32(endpoint.Address)
	if errno := m.device.ioctl(usbdevfsClearHalt, unsafe.Pointer(&ep)); errno != 0 {
		return usb.StatusFromErrno(errno)
	}
	return usb.StatusSuccess
}

func (m *messenger) CreateRequest(endpoint *usb.Endpoint) (*usb.Request, error) {
	return usb.NewRequest(endpoint), nil
}

// SubmitRequest files a holder for the request and submits the URB. The
// holder keeps the request and buffer alive until the reaper takes it.
func (m *messenger) SubmitRequest(r *usb.Request) usb.Status {
	buf := r.Buffer()
	h := &requestHolder{
		request: r,
		buffer:  buf,
		urb: &urb{
			Type:         urbTypeBulk,
			Endpoint:     r.Endpoint().Address,
			Buffer:       bufPtr(buf),
			BufferLength: int32(len(buf)),
		},
	}
	tag := m.device.fileHolder(h)
	r.SetClientData(tag)

	if errno := m.device.ioctl(usbdevfsSubmitURB, unsafe.Pointer(h.urb)); errno != 0 {
		m.device.takeHolder(tag)
		logging.Warn("urb submit failed", "endpoint", r.Endpoint().Address, "errno", int(errno))
		return usb.StatusFromErrno(errno)
	}
	return usb.StatusSuccess
}

// CancelRequest discards the URB. The reaper still observes the completion
// and delivers it with a zero-length transfer.
func (m *messenger) CancelRequest(r *usb.Request) usb.Status {
	tag, ok := r.ClientData().(uintptr)
	if !ok {
		return usb.StatusNotFound
	}

	m.device.mu.Lock()
	h := m.device.holders[tag]
	m.device.mu.Unlock()
	if h == nil {
		return usb.StatusNotFound
	}

	if errno := m.device.ioctl(usbdevfsDiscardURB, unsafe.Pointer(h.urb)); errno != 0 {
		return usb.StatusFromErrno(errno)
	}
	return usb.StatusSuccess
}

// ioctlRet performs an ioctl whose return value carries a byte count.
func (d *device) ioctlRet(cmd uintptr, arg unsafe.Pointer) (int, syscall.Errno) {
	for {
		n, _, errno := ioctlSyscall(d.fd, cmd, arg)
		if errno == syscall.EINTR {
			continue
		}
		return int(n), errno
	}
}
