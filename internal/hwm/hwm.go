// Package hwm frames request/response commands over a camera's vendor
// hardware-monitor interface: a bulk write on the out endpoint paired with a
// bulk read bounded by the fixed monitor buffer.
package hwm

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ehrlich-b/go-camdrv/internal/usb"
)

// MonitorBufferSize bounds every monitor response.
const MonitorBufferSize = 1024

// commandMagic marks the start of a monitor command.
const commandMagic = 0xCDAB

const headerSize = 24

// Opcodes the driver issues.
const (
	OpGetVersionData uint32 = 0x10
)

// Command is one monitor request.
type Command struct {
	Opcode uint32
	Params [4]uint32
	Data   []byte
}

// Encode lays the command out for the wire: a little-endian header of size,
// magic, opcode and parameters, followed by the payload.
func (c Command) Encode() []byte {
	buf := make([]byte, headerSize+len(c.Data))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(headerSize-4+len(c.Data)))
	binary.LittleEndian.PutUint16(buf[2:4], commandMagic)
	binary.LittleEndian.PutUint32(buf[4:8], c.Opcode)
	for i, p := range c.Params {
		binary.LittleEndian.PutUint32(buf[8+4*i:], p)
	}
	copy(buf[headerSize:], c.Data)
	return buf
}

// SendReceive writes a raw message on the interface's out endpoint and reads
// the paired response from its in endpoint.
func SendReceive(m usb.Messenger, iface *usb.Interface, message []byte, timeout time.Duration) ([]byte, usb.Status) {
	writeEndpoint := iface.FirstEndpoint(usb.DirectionWrite)
	readEndpoint := iface.FirstEndpoint(usb.DirectionRead)
	if writeEndpoint == nil || readEndpoint == nil {
		return nil, usb.StatusNotFound
	}

	if _, sts := m.BulkTransfer(writeEndpoint, message, timeout); !sts.Ok() {
		return nil, sts
	}

	response := make([]byte, MonitorBufferSize)
	n, sts := m.BulkTransfer(readEndpoint, response, timeout)
	if !sts.Ok() {
		return nil, sts
	}
	return response[:n], usb.StatusSuccess
}

// SendCommand frames and sends a command, stripping the 4-byte opcode echo
// from the response.
func SendCommand(m usb.Messenger, iface *usb.Interface, c Command, timeout time.Duration) ([]byte, error) {
	response, sts := SendReceive(m, iface, c.Encode(), timeout)
	if !sts.Ok() {
		return nil, fmt.Errorf("monitor command %#x failed: %s", c.Opcode, sts)
	}
	if len(response) < 4 {
		return nil, fmt.Errorf("monitor command %#x: short response (%d bytes)", c.Opcode, len(response))
	}
	if echo := binary.LittleEndian.Uint32(response[:4]); echo != c.Opcode {
		return nil, fmt.Errorf("monitor command %#x: opcode echo mismatch %#x", c.Opcode, echo)
	}
	return response[4:], nil
}

// ReadGVD fetches the raw Get Version Data blob.
func ReadGVD(m usb.Messenger, iface *usb.Interface, timeout time.Duration) ([]byte, error) {
	return SendCommand(m, iface, Command{Opcode: OpGetVersionData}, timeout)
}
