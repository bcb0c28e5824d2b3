//go:build android

// Package usbhost implements the transport for Android. Applications cannot
// open device nodes themselves; the platform's USB manager hands over an
// already-open file descriptor which is attached here. Underneath, the
// descriptor speaks the same usbdevfs protocol the NDK usbhost library
// wraps: URB submit ioctls with a single completion dispatcher routing
// results back through each request's client-data slot.
package usbhost

import (
	"fmt"
	"sync"

	"github.com/ehrlich-b/go-camdrv/internal/usb"
)

type backend struct {
	mu      sync.Mutex
	devices map[string]*device
}

var activeBackend = &backend{devices: make(map[string]*device)}

func init() {
	usb.RegisterBackend(activeBackend)
}

func (b *backend) Name() string { return "usbhost" }

// Attach registers a device file descriptor received from the platform USB
// manager under the given name. The descriptor tree is read and parsed
// immediately.
func Attach(name string, fd int) error {
	d, err := newDevice(name, fd)
	if err != nil {
		return err
	}
	activeBackend.mu.Lock()
	defer activeBackend.mu.Unlock()
	activeBackend.devices[name] = d
	return nil
}

// Detach drops a device when the platform revokes it.
func Detach(name string) {
	activeBackend.mu.Lock()
	d := activeBackend.devices[name]
	delete(activeBackend.devices, name)
	activeBackend.mu.Unlock()
	if d != nil {
		d.Close()
	}
}

func (b *backend) QueryDevicesInfo() ([]usb.DeviceInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var rv []usb.DeviceInfo
	for _, d := range b.devices {
		for _, i := range d.interfaces {
			info := d.info
			info.MI = i.Number
			info.Class = i.Class
			rv = append(rv, info)
		}
	}
	return rv, nil
}

func (b *backend) CreateDevice(info usb.DeviceInfo) (usb.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d, ok := b.devices[info.UniqueID]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("device %q not attached", info.UniqueID)
}

func (b *backend) IsDeviceConnected(info usb.DeviceInfo) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.devices[info.UniqueID]
	return ok
}
