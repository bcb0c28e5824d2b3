//go:build linux && !android

package usbfs

import (
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	"github.com/ehrlich-b/go-camdrv/internal/logging"
	"github.com/ehrlich-b/go-camdrv/internal/usb"
)

// requestHolder pins a submitted request, its URB and its buffer until the
// reaper observes the completion. The URB's user-context carries the tag the
// holder is filed under, which is what lets the completion find its way back
// without a reference cycle.
type requestHolder struct {
	request *usb.Request
	urb     *urb
	buffer  []byte
}

// device is a usbfs-backed usb.Device. One file descriptor serves every
// interface; a single reaper goroutine pumps completions for the whole
// device.
type device struct {
	info        usb.DeviceInfo
	fd          int
	descriptors []usb.Descriptor
	interfaces  []*usb.Interface

	mu      sync.Mutex
	holders map[uintptr]*requestHolder
	nextTag uintptr

	reaperOnce sync.Once
	closed     atomic.Bool
}

func openDevice(info usb.DeviceInfo) (usb.Device, error) {
	fd, err := syscall.Open(info.ID, syscall.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", info.ID, err)
	}

	// Reading the node yields the device descriptor followed by the active
	// configuration, exactly as they appear on the wire.
	raw := make([]byte, 4096)
	n, err := syscall.Read(fd, raw)
	if err != nil || n < 18 {
		syscall.Close(fd)
		return nil, fmt.Errorf("read descriptors from %s: %w", info.ID, err)
	}

	devDesc, cfg, err := splitDescriptors(raw[:n])
	if err != nil {
		syscall.Close(fd)
		return nil, err
	}

	descriptors := []usb.Descriptor{{
		Length: devDesc.Length,
		Type:   devDesc.DescriptorType,
		Data:   append([]byte(nil), raw[:18]...),
	}}
	cfgDescriptors, interfaces, err := usb.ParseConfiguration(cfg)
	if err != nil {
		syscall.Close(fd)
		return nil, err
	}
	descriptors = append(descriptors, cfgDescriptors...)

	return &device{
		info:        info,
		fd:          fd,
		descriptors: descriptors,
		interfaces:  interfaces,
		holders:     make(map[uintptr]*requestHolder),
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

// Open claims the named interface plus the streaming interfaces associated
// with it and returns a messenger. The reaper starts with the first open.
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

	d.reaperOnce.Do(func() {
		go d.reapLoop()
	})
	return m, nil
}

func (d *device) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	// Closing the fd fails the blocking REAPURB and unwinds the reaper.
	return syscall.Close(d.fd)
}

func (d *device) ioctl(cmd uintptr, arg unsafe.Pointer) syscall.Errno {
	for {
		_, _, errno := ioctlSyscall(d.fd, cmd, arg)
		if errno != syscall.EINTR {
			return errno
		}
	}
}

// fileHolder registers a holder and returns the tag to carry in the URB.
func (d *device) fileHolder(h *requestHolder) uintptr {
	d.mu.Lock()
	defer d.mu.Unlock()
	tag := d.nextTag
	d.nextTag++
	d.holders[tag] = h
	h.urb.Usercontext = tag
	return tag
}

// takeHolder removes and returns the holder filed under tag. Each holder is
// taken exactly once.
func (d *device) takeHolder(tag uintptr) *requestHolder {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := d.holders[tag]
	delete(d.holders, tag)
	return h
}

// reapLoop is the device's completion pump: it blocks in REAPURB, resolves
// the holder from the URB user-context and routes the completion through the
// request callback. It exits when the device fd is closed.
func (d *device) reapLoop() {
	for !d.closed.Load() {
		var completed *urb
		errno := d.ioctl(usbdevfsReapURB, unsafe.Pointer(&completed))
		if errno != 0 {
			if errno == syscall.ENODEV || errno == syscall.EBADF || d.closed.Load() {
				return
			}
			logging.Debug("urb reap failed", "device", d.info.ID, "errno", int(errno))
			continue
		}
		if completed == nil {
			continue
		}

		h := d.takeHolder(completed.Usercontext)
		if h == nil {
			continue
		}

		actual := int(completed.ActualLength)
		if completed.Status != 0 {
			// Cancelled or errored transfers surface as short completions.
			actual = 0
		}
		h.request.SetActualLength(actual)
		if cb := h.request.Callback(); cb != nil {
			cb.Invoke(h.request)
		}
	}
}
