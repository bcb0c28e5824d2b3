package usb

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// buildConfig assembles a raw configuration blob from descriptor payloads,
// fixing up wTotalLength.
func buildConfig(descriptors ...[]byte) []byte {
	var body []byte
	for _, d := range descriptors {
		body = append(body, d...)
	}
	cfg := []byte{9, DescriptorTypeConfiguration, 0, 0, 0, 1, 0, 0x80, 250}
	total := len(cfg) + len(body)
	binary.LittleEndian.PutUint16(cfg[2:4], uint16(total))
	return append(cfg, body...)
}

func ifaceDesc(number, alt uint8, class Class, subclass uint8, numEndpoints uint8) []byte {
	return []byte{9, DescriptorTypeInterface, number, alt, numEndpoints, byte(class), subclass, 0, 0}
}

func endpointDesc(address uint8, attributes uint8, maxPacket uint16) []byte {
	d := []byte{7, DescriptorTypeEndpoint, address, attributes, 0, 0, 0}
	binary.LittleEndian.PutUint16(d[4:6], maxPacket)
	return d
}

func iadDesc(first, count uint8) []byte {
	return []byte{8, DescriptorTypeInterfaceAssociation, first, count, byte(ClassVideo), 0x03, 0, 0}
}

// cameraConfig models a depth camera: one video function (control interface
// 0 owning streaming interfaces 1 and 2) and a vendor-specific monitor
// interface 3.
func cameraConfig() []byte {
	return buildConfig(
		iadDesc(0, 3),
		ifaceDesc(0, 0, ClassVideo, 0x01, 1),
		endpointDesc(0x87, 0x03, 64), // interrupt in
		ifaceDesc(1, 0, ClassVideo, 0x02, 1),
		endpointDesc(0x82, 0x02, 1024), // bulk in
		ifaceDesc(2, 0, ClassVideo, 0x02, 1),
		endpointDesc(0x83, 0x02, 1024),
		ifaceDesc(3, 0, ClassVendorSpec, 0x00, 2),
		endpointDesc(0x01, 0x02, 512),
		endpointDesc(0x84, 0x02, 512),
	)
}

func TestParseConfiguration_Topology(t *testing.T) {
	_, interfaces, err := ParseConfiguration(cameraConfig())
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if len(interfaces) != 4 {
		t.Fatalf("got %d interfaces, want 4", len(interfaces))
	}

	ctrl := FindInterface(interfaces, 0)
	if ctrl == nil || ctrl.Subclass != SubclassControl {
		t.Fatal("interface 0 not tagged as video control")
	}

	assoc := ctrl.Associated()
	if len(assoc) != 2 {
		t.Fatalf("control interface adopted %d interfaces, want 2", len(assoc))
	}
	if assoc[0].Number != 1 || assoc[1].Number != 2 {
		t.Errorf("adopted interfaces %d,%d, want 1,2", assoc[0].Number, assoc[1].Number)
	}

	hwm := FindInterface(interfaces, 3)
	if hwm == nil || hwm.Subclass != SubclassHWM {
		t.Fatal("vendor-specific interface not tagged as HWM")
	}
}

func TestParseConfiguration_SubclassPartition(t *testing.T) {
	_, interfaces, err := ParseConfiguration(cameraConfig())
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	all := len(FilterInterfaces(interfaces, SubclassAny))
	control := len(FilterInterfaces(interfaces, SubclassControl))
	streaming := len(FilterInterfaces(interfaces, SubclassStreaming))
	hwm := len(FilterInterfaces(interfaces, SubclassHWM))

	if all != control+streaming+hwm {
		t.Errorf("partition broken: any=%d control=%d streaming=%d hwm=%d", all, control, streaming, hwm)
	}
}

func TestParseConfiguration_FirstEndpointDirection(t *testing.T) {
	_, interfaces, err := ParseConfiguration(cameraConfig())
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	for _, i := range interfaces {
		for _, dir := range []EndpointDirection{DirectionRead, DirectionWrite} {
			if e := i.FirstEndpoint(dir); e != nil && e.Direction() != dir {
				t.Errorf("interface %d: FirstEndpoint(%#x) returned endpoint %#x", i.Number, dir, e.Address)
			}
		}
	}

	hwm := FindInterface(interfaces, 3)
	if e := hwm.FirstEndpoint(DirectionWrite); e == nil || e.Address != 0x01 {
		t.Error("HWM write endpoint not found")
	}
	if e := hwm.FirstEndpoint(DirectionRead); e == nil || e.Address != 0x84 {
		t.Error("HWM read endpoint not found")
	}
}

func TestParseConfiguration_Deterministic(t *testing.T) {
	raw := cameraConfig()

	first, _, err := ParseConfiguration(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	second, _, err := ParseConfiguration(raw)
	if err != nil {
		t.Fatalf("re-parse failed: %v", err)
	}

	if len(first) != len(second) {
		t.Fatalf("descriptor counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Length != second[i].Length || first[i].Type != second[i].Type ||
			!bytes.Equal(first[i].Data, second[i].Data) {
			t.Errorf("descriptor %d differs between walks", i)
		}
	}
}

func TestParseConfiguration_KeepsExtraDescriptors(t *testing.T) {
	// A class-specific descriptor (type 0x24) between interface and endpoint
	// must be preserved in on-wire order.
	raw := buildConfig(
		ifaceDesc(0, 0, ClassVideo, 0x01, 0),
		[]byte{5, 0x24, 0x01, 0x00, 0x01},
		ifaceDesc(1, 0, ClassVideo, 0x02, 1),
		[]byte{6, 0x24, 0x02, 0x00, 0x01, 0x02},
		endpointDesc(0x82, 0x02, 1024),
	)

	descriptors, _, err := ParseConfiguration(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	var types []uint8
	for _, d := range descriptors {
		types = append(types, d.Type)
	}
	want := []uint8{
		DescriptorTypeConfiguration,
		DescriptorTypeInterface, 0x24,
		DescriptorTypeInterface, 0x24,
		DescriptorTypeEndpoint,
	}
	if len(types) != len(want) {
		t.Fatalf("descriptor types %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("descriptor types %v, want %v", types, want)
		}
	}
}

func TestParseConfiguration_AltSettings(t *testing.T) {
	raw := buildConfig(
		ifaceDesc(1, 0, ClassVideo, 0x02, 0),
		ifaceDesc(1, 1, ClassVideo, 0x02, 1),
		endpointDesc(0x82, 0x02, 1024),
	)

	_, interfaces, err := ParseConfiguration(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(interfaces) != 1 {
		t.Fatalf("got %d interfaces, want 1", len(interfaces))
	}

	iface := interfaces[0]
	if len(iface.AltSettings) != 2 {
		t.Fatalf("got %d alt settings, want 2", len(iface.AltSettings))
	}
	// The endpoint belongs to alt setting 1, not the default setting.
	if len(iface.Endpoints) != 0 {
		t.Error("alt-setting endpoint leaked into the default setting")
	}
	if len(iface.AltSettings[1].Endpoints) != 1 {
		t.Error("endpoint missing from alt setting 1")
	}
}

func TestParseConfiguration_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"empty", nil},
		{"short", []byte{9, 2}},
		{"wrong type", bytes.Repeat([]byte{9}, 9)},
		{"zero length descriptor", append(cameraConfig(), 0, 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := tt.raw
			if tt.name == "zero length descriptor" {
				// Extend wTotalLength to cover the bogus bytes.
				binary.LittleEndian.PutUint16(raw[2:4], uint16(len(raw)))
			}
			if _, _, err := ParseConfiguration(raw); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParseDeviceDescriptor(t *testing.T) {
	raw := make([]byte, 18)
	raw[0] = 18
	raw[1] = DescriptorTypeDevice
	binary.LittleEndian.PutUint16(raw[2:4], uint16(Spec3_1))
	binary.LittleEndian.PutUint16(raw[8:10], 0x8086)
	binary.LittleEndian.PutUint16(raw[10:12], 0x0B3A)
	raw[17] = 1

	desc, err := ParseDeviceDescriptor(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if desc.VendorID != 0x8086 || desc.ProductID != 0x0B3A {
		t.Errorf("vid/pid = %04x/%04x", desc.VendorID, desc.ProductID)
	}
	if Spec(desc.USBVersion) != Spec3_1 {
		t.Errorf("spec = %v", Spec(desc.USBVersion))
	}

	if _, err := ParseDeviceDescriptor(raw[:17]); err == nil {
		t.Error("short descriptor accepted")
	}
}
