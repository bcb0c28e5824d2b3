package usb

import (
	"encoding/binary"
	"fmt"
)

// deriveSubclass maps interface class/subclass bytes onto the roles the
// driver routes by.
func deriveSubclass(class Class, subclass uint8) Subclass {
	switch class {
	case ClassVideo:
		switch subclass {
		case 0x01:
			return SubclassControl
		case 0x02:
			return SubclassStreaming
		}
	case ClassVendorSpec:
		return SubclassHWM
	}
	return Subclass(subclass)
}

// ParseConfiguration walks a raw configuration descriptor tree, appending
// every descriptor it visits (class-specific and vendor extras included) and
// building the interface topology. Video-control interfaces adopt the
// video-streaming interfaces that follow them until the next interface
// association boundary. The walk is deterministic: identical bytes yield an
// identical descriptor list.
func ParseConfiguration(raw []byte) ([]Descriptor, []*Interface, error) {
	if len(raw) < 9 {
		return nil, nil, fmt.Errorf("configuration descriptor too short: %d bytes", len(raw))
	}
	if raw[1] != DescriptorTypeConfiguration {
		return nil, nil, fmt.Errorf("not a configuration descriptor: type 0x%02x", raw[1])
	}

	total := int(binary.LittleEndian.Uint16(raw[2:4]))
	if total > len(raw) {
		total = len(raw)
	}

	var descriptors []Descriptor
	var interfaces []*Interface

	// currIface receives endpoints while walking its default setting;
	// currCtrl is the adopting video-control interface.
	var currIface *Interface
	var currCtrl *Interface
	currAlt := uint8(0)

	pos := 0
	for pos+2 <= total {
		length := int(raw[pos])
		dtype := raw[pos+1]
		if length < 2 || pos+length > total {
			return nil, nil, fmt.Errorf("malformed descriptor at offset %d: length %d", pos, length)
		}

		data := make([]byte, length)
		copy(data, raw[pos:pos+length])
		descriptors = append(descriptors, Descriptor{
			Length: uint8(length),
			Type:   dtype,
			Data:   data,
		})

		switch dtype {
		case DescriptorTypeInterfaceAssociation:
			// A new logical function begins; stop adopting into the
			// previous video-control interface.
			currCtrl = nil

		case DescriptorTypeInterface:
			if length < 9 {
				return nil, nil, fmt.Errorf("short interface descriptor at offset %d", pos)
			}
			number := raw[pos+2]
			alt := raw[pos+3]
			class := Class(raw[pos+5])
			rawSubclass := raw[pos+6]

			if alt == 0 {
				iface := &Interface{
					Number:      number,
					Class:       class,
					Subclass:    deriveSubclass(class, rawSubclass),
					RawSubclass: rawSubclass,
				}
				iface.AltSettings = append(iface.AltSettings, &AltSetting{Number: 0})
				interfaces = append(interfaces, iface)
				currIface = iface

				if iface.Subclass == SubclassControl {
					currCtrl = iface
				} else if iface.Subclass == SubclassStreaming && currCtrl != nil {
					currCtrl.AddAssociated(iface)
				}
			} else if currIface != nil && currIface.Number == number {
				currIface.AltSettings = append(currIface.AltSettings, &AltSetting{Number: alt})
			}
			currAlt = alt

		case DescriptorTypeEndpoint:
			if length < 7 || currIface == nil {
				break
			}
			ep := &Endpoint{
				Address:         raw[pos+2],
				InterfaceNumber: currIface.Number,
				Type:            TransferType(raw[pos+3] & 0x03),
				MaxPacketSize:   binary.LittleEndian.Uint16(raw[pos+4 : pos+6]),
			}
			alt := currIface.AltSettings[len(currIface.AltSettings)-1]
			alt.Endpoints = append(alt.Endpoints, ep)
			if currAlt == 0 {
				currIface.Endpoints = append(currIface.Endpoints, ep)
			}
		}

		pos += length
	}

	return descriptors, interfaces, nil
}

// DeviceDescriptor is the 18-byte standard device descriptor.
type DeviceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	USBVersion        uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

// ParseDeviceDescriptor decodes the standard device descriptor.
func ParseDeviceDescriptor(raw []byte) (DeviceDescriptor, error) {
	if len(raw) < 18 {
		return DeviceDescriptor{}, fmt.Errorf("device descriptor too short: %d bytes", len(raw))
	}
	return DeviceDescriptor{
		Length:            raw[0],
		DescriptorType:    raw[1],
		USBVersion:        binary.LittleEndian.Uint16(raw[2:4]),
		DeviceClass:       raw[4],
		DeviceSubClass:    raw[5],
		DeviceProtocol:    raw[6],
		MaxPacketSize0:    raw[7],
		VendorID:          binary.LittleEndian.Uint16(raw[8:10]),
		ProductID:         binary.LittleEndian.Uint16(raw[10:12]),
		DeviceVersion:     binary.LittleEndian.Uint16(raw[12:14]),
		ManufacturerIndex: raw[14],
		ProductIndex:      raw[15],
		SerialNumberIndex: raw[16],
		NumConfigurations: raw[17],
	}, nil
}
