// Package usbtest provides an in-memory transport backend. Tests script
// control responses and bulk payload sources against it and observe claim,
// submit, cancel and reset traffic without hardware.
package usbtest

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/ehrlich-b/go-camdrv/internal/usb"
)

// Backend is a fake usb.Backend holding scripted devices.
type Backend struct {
	mu      sync.Mutex
	devices []*Device
}

// NewBackend creates an empty fake backend.
func NewBackend() *Backend {
	return &Backend{}
}

// Name implements usb.Backend.
func (b *Backend) Name() string { return "fake" }

// AddDevice attaches a scripted device.
func (b *Backend) AddDevice(d *Device) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d.backend = b
	b.devices = append(b.devices, d)
}

// Disconnect detaches the device with the given unique id. Subsequent
// transfers against it fail with StatusNoDevice.
func (b *Backend) Disconnect(uniqueID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, d := range b.devices {
		if d.info.UniqueID == uniqueID {
			d.setConnected(false)
			b.devices = append(b.devices[:i], b.devices[i+1:]...)
			return
		}
	}
}

// Reconnect re-attaches a previously disconnected device.
func (b *Backend) Reconnect(d *Device) {
	d.setConnected(true)
	b.AddDevice(d)
}

// QueryDevicesInfo implements usb.Backend: one record per interface.
func (b *Backend) QueryDevicesInfo() ([]usb.DeviceInfo, error) {
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

// CreateDevice implements usb.Backend.
func (b *Backend) CreateDevice(info usb.DeviceInfo) (usb.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range b.devices {
		if d.info.UniqueID == info.UniqueID {
			return d, nil
		}
	}
	return nil, fmt.Errorf("fake device %q not found", info.UniqueID)
}

// IsDeviceConnected implements usb.Backend.
func (b *Backend) IsDeviceConnected(info usb.DeviceInfo) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range b.devices {
		if d.info.UniqueID == info.UniqueID {
			return true
		}
	}
	return false
}

// Device is a scripted usb.Device.
type Device struct {
	mu          sync.Mutex
	backend     *Backend
	info        usb.DeviceInfo
	descriptors []usb.Descriptor
	interfaces  []*usb.Interface
	connected   bool

	// Handlers shared by every messenger opened on the device.
	ControlHandler func(requestType, request uint8, value, index uint16, buf []byte) (int, usb.Status)
	BulkHandler    func(endpoint *usb.Endpoint, buf []byte) (int, usb.Status)

	// PayloadSource seeds the payload source of every messenger opened
	// later; individual messengers can still override theirs.
	PayloadSource func(endpoint *usb.Endpoint) []byte

	messengers []*Messenger
}

// cameraConfiguration synthesizes the raw configuration blob of a typical
// depth camera: an IAD-grouped video function (control interface 0, bulk
// streaming interfaces 1 and 2) plus a vendor-specific monitor interface 3.
func cameraConfiguration() []byte {
	var body []byte
	add := func(d []byte) { body = append(body, d...) }
	iface := func(number, alt uint8, class, subclass uint8, eps uint8) []byte {
		return []byte{9, usb.DescriptorTypeInterface, number, alt, eps, class, subclass, 0, 0}
	}
	endpoint := func(address, attributes uint8, maxPacket uint16) []byte {
		d := []byte{7, usb.DescriptorTypeEndpoint, address, attributes, 0, 0, 0}
		binary.LittleEndian.PutUint16(d[4:6], maxPacket)
		return d
	}

	add([]byte{8, usb.DescriptorTypeInterfaceAssociation, 0, 3, byte(usb.ClassVideo), 0x03, 0, 0})
	add(iface(0, 0, byte(usb.ClassVideo), 0x01, 1))
	add(endpoint(0x87, 0x03, 64))
	add(iface(1, 0, byte(usb.ClassVideo), 0x02, 1))
	add(endpoint(0x82, 0x02, 1024))
	add(iface(2, 0, byte(usb.ClassVideo), 0x02, 1))
	add(endpoint(0x83, 0x02, 1024))
	add(iface(3, 0, byte(usb.ClassVendorSpec), 0x00, 2))
	add(endpoint(0x01, 0x02, 512))
	add(endpoint(0x84, 0x02, 512))

	cfg := []byte{9, usb.DescriptorTypeConfiguration, 0, 0, 4, 1, 0, 0x80, 250}
	binary.LittleEndian.PutUint16(cfg[2:4], uint16(len(cfg)+len(body)))
	return append(cfg, body...)
}

// NewCameraDevice builds a fake depth camera with the standard topology.
func NewCameraDevice(uniqueID string, vid, pid uint16) *Device {
	descriptors, interfaces, err := usb.ParseConfiguration(cameraConfiguration())
	if err != nil {
		panic(fmt.Sprintf("usbtest: bad built-in configuration: %v", err))
	}
	return &Device{
		info: usb.DeviceInfo{
			ID:       "fake/" + uniqueID,
			UniqueID: uniqueID,
			VID:      vid,
			PID:      pid,
			Spec:     usb.Spec3_1,
			Class:    usb.ClassVideo,
		},
		descriptors: descriptors,
		interfaces:  interfaces,
		connected:   true,
	}
}

// recoveryConfiguration is the single application-class interface a device
// exposes while sitting in DFU mode.
func recoveryConfiguration() []byte {
	body := []byte{9, usb.DescriptorTypeInterface, 0, 0, 0, byte(usb.ClassApplication), 0x01, 0x02, 0}
	cfg := []byte{9, usb.DescriptorTypeConfiguration, 0, 0, 1, 1, 0, 0x80, 50}
	binary.LittleEndian.PutUint16(cfg[2:4], uint16(len(cfg)+len(body)))
	return append(cfg, body...)
}

// NewRecoveryDevice builds a fake device enumerated in DFU mode.
func NewRecoveryDevice(uniqueID string, vid, pid uint16) *Device {
	descriptors, interfaces, err := usb.ParseConfiguration(recoveryConfiguration())
	if err != nil {
		panic(fmt.Sprintf("usbtest: bad recovery configuration: %v", err))
	}
	return &Device{
		info: usb.DeviceInfo{
			ID:       "fake/" + uniqueID,
			UniqueID: uniqueID,
			VID:      vid,
			PID:      pid,
			Spec:     usb.Spec2_0,
			Class:    usb.ClassApplication,
		},
		descriptors: descriptors,
		interfaces:  interfaces,
		connected:   true,
	}
}

func (d *Device) setConnected(connected bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = connected
}

// Connected reports whether the device is still attached.
func (d *Device) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// Info implements usb.Device.
func (d *Device) Info() usb.DeviceInfo { return d.info }

// Interfaces implements usb.Device.
func (d *Device) Interfaces() []*usb.Interface { return d.interfaces }

// InterfacesBySubclass implements usb.Device.
func (d *Device) InterfacesBySubclass(filter usb.Subclass) []*usb.Interface {
	return usb.FilterInterfaces(d.interfaces, filter)
}

// GetInterface implements usb.Device.
func (d *Device) GetInterface(number uint8) *usb.Interface {
	return usb.FindInterface(d.interfaces, number)
}

// Descriptors implements usb.Device.
func (d *Device) Descriptors() []usb.Descriptor { return d.descriptors }

// Open implements usb.Device: the messenger claims the named interface plus
// its associated streaming interfaces.
func (d *Device) Open(interfaceNumber uint8) (usb.Messenger, error) {
	if !d.Connected() {
		return nil, fmt.Errorf("device %q disconnected", d.info.UniqueID)
	}
	iface := d.GetInterface(interfaceNumber)
	if iface == nil {
		return nil, fmt.Errorf("interface %d not found", interfaceNumber)
	}

	m := &Messenger{
		device:        d,
		inFlight:      make(map[*usb.Request]bool),
		pump:          make(chan *usb.Request, 64),
		done:          make(chan struct{}),
		payloadSource: d.PayloadSource,
	}
	m.claim(interfaceNumber)
	for _, a := range iface.Associated() {
		m.claim(a.Number)
	}
	go m.completionLoop()

	d.mu.Lock()
	d.messengers = append(d.messengers, m)
	d.mu.Unlock()
	return m, nil
}

// Close implements usb.Device.
func (d *Device) Close() error {
	d.mu.Lock()
	messengers := d.messengers
	d.messengers = nil
	d.mu.Unlock()
	for _, m := range messengers {
		m.Close()
	}
	return nil
}

// ResetCall records one ResetEndpoint invocation.
type ResetCall struct {
	Endpoint *usb.Endpoint
	Timeout  time.Duration
}

// Messenger is a scripted usb.Messenger. Asynchronous completions are pumped
// by a goroutine standing in for the backend's event thread.
type Messenger struct {
	device *Device

	mu       sync.Mutex
	claimed  []uint8
	released bool
	resets   []ResetCall
	inFlight map[*usb.Request]bool

	// payloadSource, when set, feeds submitted read requests. Returning nil
	// leaves the request pending forever (a stalled pipe).
	payloadSource func(endpoint *usb.Endpoint) []byte

	pump   chan *usb.Request
	closed sync.Once
	done   chan struct{}
}

func (m *Messenger) claim(number uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claimed = append(m.claimed, number)
}

// Claimed lists the interface numbers claimed at open, in claim order.
func (m *Messenger) Claimed() []uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint8(nil), m.claimed...)
}

// Released reports whether Close ran.
func (m *Messenger) Released() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}

// SetPayloadSource installs the generator feeding submitted read requests.
func (m *Messenger) SetPayloadSource(source func(endpoint *usb.Endpoint) []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payloadSource = source
}

// Resets returns the recorded ResetEndpoint calls.
func (m *Messenger) Resets() []ResetCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ResetCall(nil), m.resets...)
}

// InFlight reports the number of submitted, uncompleted requests.
func (m *Messenger) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inFlight)
}

// ControlTransfer implements usb.Messenger.
func (m *Messenger) ControlTransfer(requestType, request uint8, value, index uint16, buf []byte, timeout time.Duration) (int, usb.Status) {
	if !m.device.Connected() {
		return 0, usb.StatusNoDevice
	}
	if m.device.ControlHandler == nil {
		return len(buf), usb.StatusSuccess
	}
	return m.device.ControlHandler(requestType, request, value, index, buf)
}

// BulkTransfer implements usb.Messenger.
func (m *Messenger) BulkTransfer(endpoint *usb.Endpoint, buf []byte, timeout time.Duration) (int, usb.Status) {
	if !m.device.Connected() {
		return 0, usb.StatusNoDevice
	}
	if m.device.BulkHandler == nil {
		return len(buf), usb.StatusSuccess
	}
	return m.device.BulkHandler(endpoint, buf)
}

// ResetEndpoint implements usb.Messenger and records the call.
func (m *Messenger) ResetEndpoint(endpoint *usb.Endpoint, timeout time.Duration) usb.Status {
	if !m.device.Connected() {
		return usb.StatusNoDevice
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets = append(m.resets, ResetCall{Endpoint: endpoint, Timeout: timeout})
	return usb.StatusSuccess
}

// CreateRequest implements usb.Messenger.
func (m *Messenger) CreateRequest(endpoint *usb.Endpoint) (*usb.Request, error) {
	return usb.NewRequest(endpoint), nil
}

// SubmitRequest implements usb.Messenger.
func (m *Messenger) SubmitRequest(r *usb.Request) usb.Status {
	if !m.device.Connected() {
		return usb.StatusNoDevice
	}
	m.mu.Lock()
	m.inFlight[r] = true
	source := m.payloadSource
	m.mu.Unlock()

	if source != nil {
		select {
		case m.pump <- r:
		case <-m.done:
		}
	}
	return usb.StatusSuccess
}

// CancelRequest implements usb.Messenger. The callback observes the
// completion with a zero-length transfer.
func (m *Messenger) CancelRequest(r *usb.Request) usb.Status {
	m.mu.Lock()
	if !m.inFlight[r] {
		m.mu.Unlock()
		return usb.StatusNotFound
	}
	delete(m.inFlight, r)
	m.mu.Unlock()

	r.SetActualLength(0)
	if cb := r.Callback(); cb != nil {
		cb.Invoke(r)
	}
	return usb.StatusSuccess
}

// completionLoop plays the backend event thread: it fills each pumped
// request from the payload source and routes the completion through the
// request callback.
func (m *Messenger) completionLoop() {
	for {
		select {
		case <-m.done:
			return
		case r := <-m.pump:
			m.mu.Lock()
			source := m.payloadSource
			pending := m.inFlight[r]
			m.mu.Unlock()
			if !pending || source == nil {
				continue
			}

			payload := source(r.Endpoint())
			if payload == nil {
				// Stalled pipe: leave the request in flight.
				continue
			}

			m.mu.Lock()
			delete(m.inFlight, r)
			m.mu.Unlock()

			n := copy(r.Buffer(), payload)
			r.SetActualLength(n)
			if cb := r.Callback(); cb != nil {
				cb.Invoke(r)
			}
		}
	}
}

// Close implements usb.Messenger: releases claimed interfaces and stops the
// completion pump.
func (m *Messenger) Close() error {
	m.closed.Do(func() {
		close(m.done)
		m.mu.Lock()
		m.released = true
		m.claimed = nil
		m.mu.Unlock()
	})
	return nil
}
