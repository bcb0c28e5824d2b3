// Package dfu drives the USB Device Firmware Upgrade state machine over
// control transfers: detach into DFU mode, block-wise download, and the
// manifest handshake that reboots the device onto the new image.
package dfu

import (
	"encoding/hex"
	"errors"
	"time"

	"github.com/ehrlich-b/go-camdrv/internal/logging"
	"github.com/ehrlich-b/go-camdrv/internal/usb"
)

// Command is a DFU class request.
type Command uint8

const (
	CommandDetach      Command = 0
	CommandDownload    Command = 1
	CommandUpload      Command = 2
	CommandGetStatus   Command = 3
	CommandClearStatus Command = 4
	CommandGetState    Command = 5
	CommandAbort       Command = 6
)

// State is a DFU device state.
type State uint8

const (
	StateAppIdle           State = 0
	StateAppDetach         State = 1
	StateDfuIdle           State = 2
	StateDownloadSync      State = 3
	StateDownloadBusy      State = 4
	StateDownloadIdle      State = 5
	StateManifestSync      State = 6
	StateManifest          State = 7
	StateManifestWaitReset State = 8
	StateUploadIdle        State = 9
	StateError             State = 10
)

// DeviceStatus is the status byte of the GET_STATUS payload.
type DeviceStatus uint8

const StatusOK DeviceStatus = 0x00

// Class request types: host-to-device for DETACH/DOWNLOAD, device-to-host
// for GET_STATE/GET_STATUS/UPLOAD.
const (
	requestTypeWrite = 0x21
	requestTypeRead  = 0xA1
)

// TransferSize is the firmware block size carried per DOWNLOAD request.
const TransferSize = 1024

const (
	detachTimeoutValue = 1000
	statePollInterval  = 10 * time.Millisecond
	stateWaitTimeout   = 1000 * time.Millisecond

	shortControlTimeout  = 10 * time.Millisecond
	detachControlTimeout = 1000 * time.Millisecond
	statusControlTimeout = 5000 * time.Millisecond
)

// Stable failure modes of the update flow.
var (
	ErrEnterDFUFailed = errors.New("failed to enter into dfu state")
	ErrDownloadFailed = errors.New("failed to download firmware")
	ErrManifestFailed = errors.New("firmware manifest failed")
)

// statusPayload is the 6-byte GET_STATUS response: status, a 24-bit poll
// timeout, state and a string index.
type statusPayload struct {
	Status      DeviceStatus
	PollTimeout uint32
	State       State
	IString     uint8
}

func decodeStatusPayload(raw []byte) statusPayload {
	p := statusPayload{Status: DeviceStatus(0x0E), State: StateError}
	if len(raw) < 6 {
		return p
	}
	p.Status = DeviceStatus(raw[0])
	p.PollTimeout = uint32(raw[1]) | uint32(raw[2])<<8 | uint32(raw[3])<<16
	p.State = State(raw[4])
	p.IString = raw[5]
	return p
}

func (p statusPayload) isInState(state State) bool {
	return p.Status == StatusOK && p.State == state
}

func (p statusPayload) isErrorState() bool {
	return p.State == StateError
}

// identityPayload mirrors the vendor upload block carrying the device
// serial; the 6 raw bytes start at offset 18.
const (
	identityPayloadSize = 68
	serialNumberOffset  = 18
	serialNumberLength  = 6
)

// ProgressCallback observes download progress in [0, 1].
type ProgressCallback func(progress float32)

// Device is a camera held in DFU mode.
type Device struct {
	messenger    usb.Messenger
	serialNumber string
}

// NewDevice switches the device behind the messenger into DFU mode and
// recovers its serial number. It fails when the device refuses to leave the
// application state.
func NewDevice(messenger usb.Messenger) (*Device, error) {
	getState(messenger)
	detach(messenger)
	if state := getState(messenger); state != StateDfuIdle {
		return nil, ErrEnterDFUFailed
	}

	d := &Device{messenger: messenger}
	d.readIdentity()
	return d, nil
}

// SerialNumber returns the device serial recovered at attach, rendered as
// lowercase hex.
func (d *Device) SerialNumber() string {
	return d.serialNumber
}

// readIdentity issues a zero-block UPLOAD and decodes the serial.
func (d *Device) readIdentity() {
	buf := make([]byte, identityPayloadSize)
	n, sts := d.messenger.ControlTransfer(requestTypeRead, uint8(CommandUpload), 0, 0, buf, shortControlTimeout)
	if !sts.Ok() || n < serialNumberOffset+serialNumberLength {
		logging.Warn("dfu identity read failed", "status", sts, "transferred", n)
		return
	}
	d.serialNumber = hex.EncodeToString(buf[serialNumberOffset : serialNumberOffset+serialNumberLength])
}

// Update downloads the firmware image block by block, terminates the
// transfer with a zero-length DOWNLOAD and waits for the manifest phase to
// complete. Progress is reported after each block.
func (d *Device) Update(firmware []byte, progress ProgressCallback) error {
	remaining := len(firmware)
	blocksCount := (len(firmware) + TransferSize - 1) / TransferSize
	blockNumber := uint16(0)
	offset := 0

	for remaining > 0 {
		chunkSize := TransferSize
		if remaining < chunkSize {
			chunkSize = remaining
		}

		block := firmware[offset : offset+chunkSize]
		d.messenger.ControlTransfer(requestTypeWrite, uint8(CommandDownload), blockNumber, 0, block, shortControlTimeout)
		if !waitForState(d.messenger, StateDownloadIdle, stateWaitTimeout) {
			return ErrDownloadFailed
		}

		blockNumber++
		remaining -= chunkSize
		offset += chunkSize

		p := float32(blockNumber) / float32(blocksCount)
		logging.Debug("fw update progress", "progress", p)
		if progress != nil {
			progress(p)
		}
	}

	// A zero-length DOWNLOAD closes the transfer phase; the device then
	// manifests the image and parks in MANIFEST_WAIT_RESET.
	d.messenger.ControlTransfer(requestTypeWrite, uint8(CommandDownload), blockNumber, 0, nil, shortControlTimeout)

	if !waitForState(d.messenger, StateManifestWaitReset, stateWaitTimeout) {
		return ErrManifestFailed
	}
	return nil
}

// getState issues GET_STATE and returns the reported state.
func getState(messenger usb.Messenger) State {
	buf := []byte{byte(StateError)}
	messenger.ControlTransfer(requestTypeRead, uint8(CommandGetState), 0, 0, buf, shortControlTimeout)
	return State(buf[0])
}

// detach asks the device to re-enumerate into DFU mode.
func detach(messenger usb.Messenger) {
	messenger.ControlTransfer(requestTypeWrite, uint8(CommandDetach), detachTimeoutValue, 0, nil, detachControlTimeout)
}

// waitForState polls GET_STATUS at a fixed cadence until the device reaches
// the wanted state. It gives up on the error state or when the timeout
// elapses. The device does not fill bwPollTimeout, so the poll interval is
// fixed rather than device-driven.
func waitForState(messenger usb.Messenger, state State, timeout time.Duration) bool {
	start := time.Now()
	for {
		buf := make([]byte, 6)
		messenger.ControlTransfer(requestTypeRead, uint8(CommandGetStatus), 0, 0, buf, statusControlTimeout)
		payload := decodeStatusPayload(buf)

		if payload.isInState(state) {
			return true
		}
		if payload.isErrorState() {
			return false
		}

		time.Sleep(statePollInterval)
		if time.Since(start) >= timeout {
			return false
		}
	}
}
