//go:build android

package camdrv

// The usbhost transport registers itself on Android; devices are attached
// through usbhost.Attach with descriptors handed over by the platform.
import _ "github.com/ehrlich-b/go-camdrv/internal/usb/usbhost"
