//go:build windows

package winusb

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/ehrlich-b/go-camdrv/internal/logging"
	"github.com/ehrlich-b/go-camdrv/internal/usb"
)

var (
	modcfgmgr32 = windows.NewLazySystemDLL("cfgmgr32.dll")

	procGetInterfaceListSize = modcfgmgr32.NewProc("CM_Get_Device_Interface_List_SizeW")
	procGetInterfaceList     = modcfgmgr32.NewProc("CM_Get_Device_Interface_ListW")
)

// CM_GET_DEVICE_INTERFACE_LIST_PRESENT
const interfaceListPresent = 0

type backend struct{}

func init() {
	usb.RegisterBackend(&backend{})
}

func (b *backend) Name() string { return "winusb" }

// QueryDevicesInfo enumerates WinUSB-bound device interfaces through the
// configuration manager's interface list and emits one record per USB
// interface of each device.
func (b *backend) QueryDevicesInfo() ([]usb.DeviceInfo, error) {
	paths, err := interfacePaths()
	if err != nil {
		return nil, err
	}

	var rv []usb.DeviceInfo
	for _, path := range paths {
		infos, err := probeDevice(path)
		if err != nil {
			logging.Debug("skipping device interface", "path", path, "error", err)
			continue
		}
		rv = append(rv, infos...)
	}
	return rv, nil
}

// interfacePaths lists the device paths registered under the USB device
// interface class. The configuration manager returns them as a multi-sz
// UTF-16 block.
func interfacePaths() ([]string, error) {
	var size uint32
	ret, _, _ := procGetInterfaceListSize.Call(
		uintptr(unsafe.Pointer(&size)),
		uintptr(unsafe.Pointer(&deviceInterfaceGUID)),
		0, interfaceListPresent)
	if ret != 0 {
		return nil, fmt.Errorf("CM_Get_Device_Interface_List_Size failed: %#x", ret)
	}
	if size <= 1 {
		return nil, nil
	}

	buf := make([]uint16, size)
	ret, _, _ = procGetInterfaceList.Call(
		uintptr(unsafe.Pointer(&deviceInterfaceGUID)),
		0,
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(size), interfaceListPresent)
	if ret != 0 {
		return nil, fmt.Errorf("CM_Get_Device_Interface_List failed: %#x", ret)
	}

	var rv []string
	start := 0
	for i, c := range buf {
		if c == 0 {
			if i > start {
				rv = append(rv, windows.UTF16ToString(buf[start:i]))
			}
			start = i + 1
		}
	}
	return rv, nil
}

// probeDevice opens a device path long enough to read its descriptors.
func probeDevice(path string) ([]usb.DeviceInfo, error) {
	o, err := newOpener(path)
	if err != nil {
		return nil, err
	}
	defer o.close()

	desc, cfg, err := o.readDescriptors()
	if err != nil {
		return nil, err
	}

	_, interfaces, err := usb.ParseConfiguration(cfg)
	if err != nil {
		return nil, err
	}

	var rv []usb.DeviceInfo
	for _, iface := range interfaces {
		rv = append(rv, usb.DeviceInfo{
			ID:       path,
			UniqueID: deviceUniqueID(path),
			VID:      desc.VendorID,
			PID:      desc.ProductID,
			Spec:     usb.Spec(desc.USBVersion),
			Class:    iface.Class,
			MI:       iface.Number,
		})
	}
	return rv, nil
}

// deviceUniqueID strips the interface suffix from a device path so records
// of one physical device share an id.
func deviceUniqueID(path string) string {
	if i := strings.LastIndex(path, "{"); i > 0 {
		return strings.TrimRight(path[:i], "#")
	}
	return path
}

func (b *backend) CreateDevice(info usb.DeviceInfo) (usb.Device, error) {
	return openDevice(info)
}

func (b *backend) IsDeviceConnected(info usb.DeviceInfo) bool {
	o, err := newOpener(info.ID)
	if err != nil {
		return false
	}
	o.close()
	return true
}

// configTotalLength reads wTotalLength out of a configuration header.
func configTotalLength(header []byte) (int, error) {
	if len(header) < 9 || header[1] != usb.DescriptorTypeConfiguration {
		return 0, fmt.Errorf("malformed configuration header")
	}
	return int(binary.LittleEndian.Uint16(header[2:4])), nil
}
