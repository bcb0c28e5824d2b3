//go:build linux && !android

package usbfs

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/ehrlich-b/go-camdrv/internal/logging"
	"github.com/ehrlich-b/go-camdrv/internal/usb"
)

const (
	sysfsDevices = "/sys/bus/usb/devices"
	devfsRoot    = "/dev/bus/usb"
)

// deviceDirPattern matches sysfs device entries (e.g. 2-1, 2-1.4) and
// excludes interface entries (2-1:1.0) and root hubs (usb2).
var deviceDirPattern = regexp.MustCompile(`^\d+-\d+(\.\d+)*$`)

type backend struct{}

func init() {
	usb.RegisterBackend(&backend{})
}

func (b *backend) Name() string { return "usbfs" }

// QueryDevicesInfo walks sysfs and emits one record per interface of every
// device, read from the binary descriptors attribute so no device node needs
// to be opened.
func (b *backend) QueryDevicesInfo() ([]usb.DeviceInfo, error) {
	entries, err := os.ReadDir(sysfsDevices)
	if err != nil {
		return nil, fmt.Errorf("sysfs walk failed: %w", err)
	}

	var rv []usb.DeviceInfo
	for _, entry := range entries {
		if !deviceDirPattern.MatchString(entry.Name()) {
			continue
		}
		infos, err := readDeviceInfos(filepath.Join(sysfsDevices, entry.Name()))
		if err != nil {
			logging.Debug("skipping sysfs device", "device", entry.Name(), "error", err)
			continue
		}
		rv = append(rv, infos...)
	}
	return rv, nil
}

// readDeviceInfos decodes the sysfs descriptors blob of one device into
// per-interface info records.
func readDeviceInfos(sysfsPath string) ([]usb.DeviceInfo, error) {
	raw, err := os.ReadFile(filepath.Join(sysfsPath, "descriptors"))
	if err != nil {
		return nil, err
	}
	if len(raw) < 18+9 {
		return nil, fmt.Errorf("descriptors blob too short: %d bytes", len(raw))
	}

	desc, err := usb.ParseDeviceDescriptor(raw[:18])
	if err != nil {
		return nil, err
	}

	devPath, err := devicePath(sysfsPath)
	if err != nil {
		return nil, err
	}

	_, interfaces, err := usb.ParseConfiguration(raw[18:])
	if err != nil {
		return nil, err
	}

	var rv []usb.DeviceInfo
	for _, iface := range interfaces {
		rv = append(rv, usb.DeviceInfo{
			ID:       devPath,
			UniqueID: devPath,
			VID:      desc.VendorID,
			PID:      desc.ProductID,
			Spec:     usb.Spec(desc.USBVersion),
			Class:    iface.Class,
			MI:       iface.Number,
		})
	}
	return rv, nil
}

// devicePath resolves the usbfs node from the sysfs busnum/devnum pair.
func devicePath(sysfsPath string) (string, error) {
	busnum, err := readIntAttr(filepath.Join(sysfsPath, "busnum"))
	if err != nil {
		return "", err
	}
	devnum, err := readIntAttr(filepath.Join(sysfsPath, "devnum"))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%03d/%03d", devfsRoot, busnum, devnum), nil
}

func readIntAttr(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// CreateDevice opens the usbfs node named by info and walks its descriptor
// tree.
func (b *backend) CreateDevice(info usb.DeviceInfo) (usb.Device, error) {
	return openDevice(info)
}

// IsDeviceConnected reports whether the usbfs node still exists.
func (b *backend) IsDeviceConnected(info usb.DeviceInfo) bool {
	_, err := os.Stat(info.ID)
	return err == nil
}

// splitDescriptors separates the device descriptor from the first
// configuration in a raw usbfs read.
func splitDescriptors(raw []byte) (usb.DeviceDescriptor, []byte, error) {
	desc, err := usb.ParseDeviceDescriptor(raw)
	if err != nil {
		return usb.DeviceDescriptor{}, nil, err
	}
	rest := raw[18:]
	if len(rest) < 9 || rest[1] != usb.DescriptorTypeConfiguration {
		return usb.DeviceDescriptor{}, nil, fmt.Errorf("configuration descriptor missing")
	}
	total := int(binary.LittleEndian.Uint16(rest[2:4]))
	if total > len(rest) {
		total = len(rest)
	}
	return desc, rest[:total], nil
}
