//go:build windows

// Package winusb implements the transport over the WinUSB user-mode driver:
// configuration-manager enumeration, a per-interface handle table and overlapped pipe
// I/O waited by per-endpoint dispatchers.
package winusb

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/ehrlich-b/go-camdrv/internal/usb"
)

var (
	modwinusb = windows.NewLazySystemDLL("winusb.dll")

	procInitialize             = modwinusb.NewProc("WinUsb_Initialize")
	procFree                   = modwinusb.NewProc("WinUsb_Free")
	procGetDescriptor          = modwinusb.NewProc("WinUsb_GetDescriptor")
	procGetAssociatedInterface = modwinusb.NewProc("WinUsb_GetAssociatedInterface")
	procControlTransfer        = modwinusb.NewProc("WinUsb_ControlTransfer")
	procReadPipe               = modwinusb.NewProc("WinUsb_ReadPipe")
	procWritePipe              = modwinusb.NewProc("WinUsb_WritePipe")
	procResetPipe              = modwinusb.NewProc("WinUsb_ResetPipe")
	procAbortPipe              = modwinusb.NewProc("WinUsb_AbortPipe")
	procSetPipePolicy          = modwinusb.NewProc("WinUsb_SetPipePolicy")
)

// WinUSB pipe policy selector: wait this long before cancelling a transfer.
const pipeTransferTimeout = 0x03

// Descriptor type passed to WinUsb_GetDescriptor.
const configurationDescriptorType = 0x02

// deviceInterfaceGUID is GUID_DEVINTERFACE_USB_DEVICE; devices bound to
// WinUSB surface under it.
var deviceInterfaceGUID = windows.GUID{
	Data1: 0xA5DCBF10,
	Data2: 0x6530,
	Data3: 0x11D2,
	Data4: [8]byte{0x90, 0x1F, 0x00, 0xC0, 0x4F, 0xB9, 0x51, 0xED},
}

type setupPacket struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// statusFromWindows maps a Windows error into the shared taxonomy.
func statusFromWindows(err error) usb.Status {
	if err == nil {
		return usb.StatusSuccess
	}
	errno, ok := err.(syscall.Errno)
	if !ok {
		return usb.StatusOther
	}
	switch errno {
	case windows.ERROR_SEM_TIMEOUT, windows.WAIT_TIMEOUT:
		return usb.StatusTimeout
	case windows.ERROR_DEVICE_NOT_CONNECTED, windows.ERROR_DEV_NOT_EXIST:
		return usb.StatusNoDevice
	case windows.ERROR_FILE_NOT_FOUND, windows.ERROR_PATH_NOT_FOUND:
		return usb.StatusNotFound
	case windows.ERROR_ACCESS_DENIED:
		return usb.StatusAccess
	case windows.ERROR_INVALID_PARAMETER, windows.ERROR_INVALID_HANDLE:
		return usb.StatusInvalidParam
	case windows.ERROR_BUSY:
		return usb.StatusBusy
	case windows.ERROR_NOT_ENOUGH_MEMORY, windows.ERROR_OUTOFMEMORY:
		return usb.StatusNoMem
	case windows.ERROR_NOT_SUPPORTED:
		return usb.StatusNotSupported
	case windows.ERROR_OPERATION_ABORTED:
		return usb.StatusInterrupted
	case windows.ERROR_GEN_FAILURE:
		return usb.StatusIO
	default:
		return usb.StatusOther
	}
}

func call(proc *windows.LazyProc, args ...uintptr) error {
	r0, _, e1 := proc.Call(args...)
	if r0 == 0 {
		return e1
	}
	return nil
}

func bufArg(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
