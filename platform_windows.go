//go:build windows

package camdrv

// The WinUSB transport registers itself on Windows.
import _ "github.com/ehrlich-b/go-camdrv/internal/usb/winusb"
