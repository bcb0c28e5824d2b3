//go:build linux && !android

package camdrv

// The usbfs transport registers itself for direct userland access on Linux.
import _ "github.com/ehrlich-b/go-camdrv/internal/usb/usbfs"
