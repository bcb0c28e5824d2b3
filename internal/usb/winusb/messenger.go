//go:build windows

package winusb

import (
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/ehrlich-b/go-camdrv/internal/concurrent"
	"github.com/ehrlich-b/go-camdrv/internal/logging"
	"github.com/ehrlich-b/go-camdrv/internal/usb"
)

// messenger performs transfers through the opener's handle table.
// Asynchronous reads run as overlapped I/O; a per-endpoint dispatcher waits
// each submission's event and routes the completion.
type messenger struct {
	device *device
	iface  *usb.Interface

	mu          sync.Mutex
	dispatchers map[uint8]*concurrent.Dispatcher
	inFlight    map[*usb.Request]*overlappedSlot
}

// overlappedSlot pins one submission's overlapped state until its wait
// completes.
type overlappedSlot struct {
	overlapped windows.Overlapped
	event      windows.Handle
	handle     uintptr
}

func newMessenger(d *device, iface *usb.Interface) *messenger {
	return &messenger{
		device:      d,
		iface:       iface,
		dispatchers: make(map[uint8]*concurrent.Dispatcher),
		inFlight:    make(map[*usb.Request]*overlappedSlot),
	}
}

func (m *messenger) ControlTransfer(requestType, request uint8, value, index uint16, buf []byte, timeout time.Duration) (int, usb.Status) {
	handle, err := m.device.opener.interfaceHandle(uint8(index & 0xFF))
	if err != nil {
		return 0, usb.StatusNoDevice
	}

	if sts := m.setTimeoutPolicy(handle, 0, timeout); !sts.Ok() {
		return 0, sts
	}

	packet := setupPacket{
		RequestType: requestType,
		Request:     request,
		Value:       value,
		Index:       index,
		Length:      uint16(len(buf)),
	}
	var transferred uint32
	if err := call(procControlTransfer, handle,
		uintptr(unsafe.Pointer(&packet)),
		bufArg(buf), uintptr(len(buf)),
		uintptr(unsafe.Pointer(&transferred)), 0); err != nil {
		logging.Warn("control transfer failed", "index", index, "error", err)
		return 0, statusFromWindows(err)
	}
	return int(transferred), usb.StatusSuccess
}

func (m *messenger) BulkTransfer(endpoint *usb.Endpoint, buf []byte, timeout time.Duration) (int, usb.Status) {
	handle, err := m.device.opener.interfaceHandle(endpoint.InterfaceNumber)
	if err != nil {
		return 0, usb.StatusNoDevice
	}

	// Streaming pipes keep their configured policy; everything else gets the
	// caller's timeout installed before the synchronous wait.
	iface := m.device.GetInterface(endpoint.InterfaceNumber)
	if iface == nil || iface.Subclass != usb.SubclassStreaming {
		if sts := m.setTimeoutPolicy(handle, endpoint.Address, timeout); !sts.Ok() {
			return 0, sts
		}
	}

	proc := procWritePipe
	if endpoint.Direction() == usb.DirectionRead {
		proc = procReadPipe
	}

	var transferred uint32
	if err := call(proc, handle,
		uintptr(endpoint.Address),
		bufArg(buf), uintptr(len(buf)),
		uintptr(unsafe.Pointer(&transferred)), 0); err != nil {
		logging.Warn("bulk transfer failed", "endpoint", endpoint.Address, "error", err)
		return 0, statusFromWindows(err)
	}
	return int(transferred), usb.StatusSuccess
}

// setTimeoutPolicy installs PIPE_TRANSFER_TIMEOUT on a pipe.
func (m *messenger) setTimeoutPolicy(handle uintptr, endpoint uint8, timeout time.Duration) usb.Status {
	ms := uint32(timeout.Milliseconds())
	if err := call(procSetPipePolicy, handle,
		uintptr(endpoint), pipeTransferTimeout,
		unsafe.Sizeof(ms), uintptr(unsafe.Pointer(&ms))); err != nil {
		logging.Warn("failed to set timeout policy", "endpoint", endpoint, "error", err)
		return statusFromWindows(err)
	}
	return usb.StatusSuccess
}

func (m *messenger) ResetEndpoint(endpoint *usb.Endpoint, timeout time.Duration) usb.Status {
	handle, err := m.device.opener.interfaceHandle(endpoint.InterfaceNumber)
	if err != nil {
		return usb.StatusNoDevice
	}
	if err := call(procResetPipe, handle, uintptr(endpoint.Address)); err != nil {
		logging.Warn("endpoint reset failed", "endpoint", endpoint.Address, "error", err)
		return statusFromWindows(err)
	}
	return usb.StatusSuccess
}

func (m *messenger) CreateRequest(endpoint *usb.Endpoint) (*usb.Request, error) {
	return usb.NewRequest(endpoint), nil
}

// SubmitRequest starts an overlapped read and hands the completion wait to
// the endpoint's dispatcher.
func (m *messenger) SubmitRequest(r *usb.Request) usb.Status {
	endpoint := r.Endpoint()
	handle, err := m.device.opener.interfaceHandle(endpoint.InterfaceNumber)
	if err != nil {
		return usb.StatusNoDevice
	}

	event, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		return usb.StatusNoMem
	}
	slot := &overlappedSlot{event: event, handle: handle}
	slot.overlapped.HEvent = event

	buf := r.Buffer()
	proc := procWritePipe
	if endpoint.Direction() == usb.DirectionRead {
		proc = procReadPipe
	}
	var transferred uint32
	callErr := call(proc, handle,
		uintptr(endpoint.Address),
		bufArg(buf), uintptr(len(buf)),
		uintptr(unsafe.Pointer(&transferred)),
		uintptr(unsafe.Pointer(&slot.overlapped)))
	if callErr != nil && callErr != windows.ERROR_IO_PENDING {
		windows.CloseHandle(event)
		return statusFromWindows(callErr)
	}

	m.mu.Lock()
	m.inFlight[r] = slot
	m.mu.Unlock()

	m.endpointDispatcher(endpoint.Address).Invoke(func(*concurrent.CancellableTimer) {
		m.awaitCompletion(r, slot)
	}, false)
	return usb.StatusSuccess
}

// awaitCompletion waits the submission's event and routes the result through
// the request callback.
func (m *messenger) awaitCompletion(r *usb.Request, slot *overlappedSlot) {
	windows.WaitForSingleObject(slot.event, windows.INFINITE)

	var transferred uint32
	err := windows.GetOverlappedResult(m.device.opener.file, &slot.overlapped, &transferred, false)
	windows.CloseHandle(slot.event)

	m.mu.Lock()
	if m.inFlight[r] == slot {
		delete(m.inFlight, r)
	}
	m.mu.Unlock()

	if err != nil {
		r.SetActualLength(0)
	} else {
		r.SetActualLength(int(transferred))
	}
	if cb := r.Callback(); cb != nil {
		cb.Invoke(r)
	}
}

// CancelRequest aborts the pipe; the pending wait observes the abort as a
// zero-length completion.
func (m *messenger) CancelRequest(r *usb.Request) usb.Status {
	m.mu.Lock()
	slot, ok := m.inFlight[r]
	m.mu.Unlock()
	if !ok {
		return usb.StatusNotFound
	}
	if err := call(procAbortPipe, slot.handle, uintptr(r.Endpoint().Address)); err != nil {
		return statusFromWindows(err)
	}
	return usb.StatusSuccess
}

func (m *messenger) endpointDispatcher(address uint8) *concurrent.Dispatcher {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.dispatchers[address]
	if !ok {
		d = concurrent.NewDispatcher(16)
		m.dispatchers[address] = d
	}
	return d
}

func (m *messenger) Close() error {
	m.mu.Lock()
	dispatchers := m.dispatchers
	m.dispatchers = make(map[uint8]*concurrent.Dispatcher)
	m.mu.Unlock()
	for _, d := range dispatchers {
		d.Close()
	}
	return nil
}
