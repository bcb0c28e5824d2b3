//go:build android

package usbhost

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-camdrv/internal/logging"
	"github.com/ehrlich-b/go-camdrv/internal/usb"
)

// usbdevfs ioctl command numbers (64-bit layouts).
const (
	usbdevfsControl          = 0xc0185500
	usbdevfsBulk             = 0xc0185502
	usbdevfsClaimInterface   = 0x8004550f
	usbdevfsReleaseInterface = 0x80045510
	usbdevfsClearHalt        = 0x80045515
	usbdevfsSubmitURB        = 0x8038550a
	usbdevfsDiscardURB       = 0x0000550b
	usbdevfsReapURB          = 0x4008550c
)

const urbTypeBulk = 3

type urb struct {
	Type            uint8
	Endpoint        uint8
	_               [2]byte
	Status          int32
	Flags           uint32
	_               [4]byte
	Buffer          uintptr
	BufferLength    int32
	ActualLength    int32
	StartFrame      int32
	NumberOfPackets int32
	ErrorCount      int32
	Signr           uint32
	Usercontext     uintptr
}

type ctrlTransfer struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
	Timeout     uint32
	_           [4]byte
	Data        uintptr
}

type bulkTransfer struct {
	Endpoint uint32
	Length   uint32
	Timeout  uint32
	_        [4]byte
	Data     uintptr
}

// nativeRequest is the pooled per-endpoint transfer state. Its tag rides in
// the URB user-context; the dispatcher uses it to find the owning
// usb.Request again, which is the client-data routing the platform library
// does with its usb_request struct.
type nativeRequest struct {
	urb    *urb
	tag    uintptr
	owner  *usb.Request
	buffer []byte
}

// requestPool recycles native requests per endpoint address.
type requestPool struct {
	mu   sync.Mutex
	free map[uint8][]*nativeRequest
}

func (p *requestPool) get(endpoint uint8) *nativeRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := p.free[endpoint]
	if len(list) == 0 {
		return &nativeRequest{urb: &urb{Type: urbTypeBulk, Endpoint: endpoint}}
	}
	nr := list[len(list)-1]
	p.free[endpoint] = list[:len(list)-1]
	return nr
}

func (p *requestPool) put(nr *nativeRequest) {
	nr.owner = nil
	nr.buffer = nil
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free[nr.urb.Endpoint] = append(p.free[nr.urb.Endpoint], nr)
}

// device is an attached Android USB device.
type device struct {
	info        usb.DeviceInfo
	fd          int
	descriptors []usb.Descriptor
	interfaces  []*usb.Interface
	pool        *requestPool

	mu       sync.Mutex
	inFlight map[uintptr]*nativeRequest
	nextTag  uintptr

	dispatcherOnce sync.Once
	closed         atomic.Bool
}

// newDevice reads the raw descriptor stream from the fd, exactly as the
// platform descriptor iterator walks it: device descriptor first, then the
// configuration tree.
func newDevice(name string, fd int) (*device, error) {
	raw := make([]byte, 4096)
	n, err := syscall.Read(fd, raw)
	if err != nil || n < 18+9 {
		return nil, fmt.Errorf("read descriptors of %s: %w", name, err)
	}

	devDesc, err := usb.ParseDeviceDescriptor(raw[:18])
	if err != nil {
		return nil, err
	}

	cfg := raw[18:n]
	if cfg[1] != usb.DescriptorTypeConfiguration {
		return nil, fmt.Errorf("configuration descriptor missing on %s", name)
	}
	if total := int(binary.LittleEndian.Uint16(cfg[2:4])); total < len(cfg) {
		cfg = cfg[:total]
	}

	descriptors := []usb.Descriptor{{
		Length: devDesc.Length,
		Type:   devDesc.DescriptorType,
		Data:   append([]byte(nil), raw[:18]...),
	}}
	cfgDescriptors, interfaces, err := usb.ParseConfiguration(cfg)
	if err != nil {
		return nil, err
	}
	descriptors = append(descriptors, cfgDescriptors...)

	return &device{
		info: usb.DeviceInfo{
			ID:       name,
			UniqueID: name,
			VID:      devDesc.VendorID,
			PID:      devDesc.ProductID,
			Spec:     usb.Spec(devDesc.USBVersion),
			Class:    usb.Class(devDesc.DeviceClass),
		},
		fd:          fd,
		descriptors: descriptors,
		interfaces:  interfaces,
		pool:        &requestPool{free: make(map[uint8][]*nativeRequest)},
		inFlight:    make(map[uintptr]*nativeRequest),
		nextTag:     1,
	}, nil
}

func (d *device) Info() usb.DeviceInfo          { return d.info }
func (d *device) Interfaces() []*usb.Interface  { return d.interfaces }
func (d *device) Descriptors() []usb.Descriptor { return d.descriptors }

func (d *device) InterfacesBySubclass(filter usb.Subclass) []*usb.Interface {
	return usb.FilterInterfaces(d.interfaces, filter)
}

func (d *device) GetInterface(number uint8) *usb.Interface {
	return usb.FindInterface(d.interfaces, number)
}

func (d *device) Open(interfaceNumber uint8) (usb.Messenger, error) {
	iface := d.GetInterface(interfaceNumber)
	if iface == nil {
		return nil, fmt.Errorf("interface %d not found on %s", interfaceNumber, d.info.ID)
	}

	m := &messenger{device: d}
	if err := m.claim(interfaceNumber); err != nil {
		return nil, err
	}
	for _, a := range iface.Associated() {
		if err := m.claim(a.Number); err != nil {
			m.Close()
			return nil, err
		}
	}

	d.dispatcherOnce.Do(func() {
		go d.dispatchLoop()
	})
	return m, nil
}

func (d *device) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	return syscall.Close(d.fd)
}

func (d *device) ioctl(cmd uintptr, arg unsafe.Pointer) (int, syscall.Errno) {
	for {
		n, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), cmd, uintptr(arg))
		if errno != syscall.EINTR {
			return int(n), errno
		}
	}
}

// dispatchLoop is the device's single completion dispatcher: it blocks
// waiting for the next finished request, removes it from the in-flight list
// exactly once and routes it through the owner's callback.
func (d *device) dispatchLoop() {
	for !d.closed.Load() {
		var completed *urb
		_, errno := d.ioctl(usbdevfsReapURB, unsafe.Pointer(&completed))
		if errno != 0 {
			if errno == syscall.ENODEV || errno == syscall.EBADF || d.closed.Load() {
				return
			}
			logging.Debug("request wait failed", "device", d.info.ID, "errno", int(errno))
			continue
		}
		if completed == nil {
			continue
		}

		d.mu.Lock()
		nr := d.inFlight[completed.Usercontext]
		delete(d.inFlight, completed.Usercontext)
		d.mu.Unlock()
		if nr == nil || nr.owner == nil {
			continue
		}

		owner := nr.owner
		actual := int(completed.ActualLength)
		if completed.Status != 0 {
			actual = 0
		}
		d.pool.put(nr)

		owner.SetActualLength(actual)
		if cb := owner.Callback(); cb != nil {
			cb.Invoke(owner)
		}
	}
}

// messenger performs transfers on an attached device.
type messenger struct {
	device *device

	mu      sync.Mutex
	claimed []uint8
	closed  bool
}

func (m *messenger) claim(number uint8) error {
	n := uint32(number)
	if _, errno := m.device.ioctl(usbdevfsClaimInterface, unsafe.Pointer(&n)); errno != 0 {
		return errno
	}
	m.mu.Lock()
	m.claimed = append(m.claimed, number)
	m.mu.Unlock()
	return nil
}

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
		m.device.ioctl(usbdevfsReleaseInterface, unsafe.Pointer(&n))
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
	n, errno := m.device.ioctl(usbdevfsControl, unsafe.Pointer(&ctrl))
	if errno != 0 {
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
	n, errno := m.device.ioctl(usbdevfsBulk, unsafe.Pointer(&bulk))
	if errno != 0 {
		return 0, usb.StatusFromErrno(errno)
	}
	return n, usb.StatusSuccess
}

func (m *messenger) ResetEndpoint(endpoint *usb.Endpoint, timeout time.Duration) usb.Status {
	if _, sts := m.ControlTransfer(0x02, 0x01, 0x00, uint16(endpoint.Address), nil, timeout); !sts.Ok() {
		return sts
	}
	ep := uint32(endpoint.Address)
	if _, errno := m.device.ioctl(usbdevfsClearHalt, unsafe.Pointer(&ep)); errno != 0 {
		return usb.StatusFromErrno(errno)
	}
	return usb.StatusSuccess
}

func (m *messenger) CreateRequest(endpoint *usb.Endpoint) (*usb.Request, error) {
	return usb.NewRequest(endpoint), nil
}

func (m *messenger) SubmitRequest(r *usb.Request) usb.Status {
	nr := m.device.pool.get(r.Endpoint().Address)
	buf := r.Buffer()
	nr.owner = r
	nr.buffer = buf
	nr.urb.Buffer = bufPtr(buf)
	nr.urb.BufferLength = int32(len(buf))

	m.device.mu.Lock()
	nr.tag = m.device.nextTag
	m.device.nextTag++
	nr.urb.Usercontext = nr.tag
	m.device.inFlight[nr.tag] = nr
	m.device.mu.Unlock()
	r.SetClientData(nr.tag)

	if _, errno := m.device.ioctl(usbdevfsSubmitURB, unsafe.Pointer(nr.urb)); errno != 0 {
		m.device.mu.Lock()
		delete(m.device.inFlight, nr.tag)
		m.device.mu.Unlock()
		m.device.pool.put(nr)
		logging.Warn("request submit failed", "endpoint", r.Endpoint().Address, "errno", int(errno))
		return usb.StatusFromErrno(errno)
	}
	return usb.StatusSuccess
}

func (m *messenger) CancelRequest(r *usb.Request) usb.Status {
	tag, ok := r.ClientData().(uintptr)
	if !ok {
		return usb.StatusNotFound
	}

	m.device.mu.Lock()
	nr := m.device.inFlight[tag]
	m.device.mu.Unlock()
	if nr == nil {
		return usb.StatusNotFound
	}

	if _, errno := m.device.ioctl(usbdevfsDiscardURB, unsafe.Pointer(nr.urb)); errno != 0 {
		return usb.StatusFromErrno(errno)
	}
	return usb.StatusSuccess
}

func bufPtr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
