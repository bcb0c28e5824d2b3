// cam-fw-update flashes camera firmware over DFU: it lists devices, drops a
// selected camera into recovery mode and downloads an image file.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	camdrv "github.com/ehrlich-b/go-camdrv"
	"github.com/ehrlich-b/go-camdrv/internal/logging"
)

const recoveryWaitRetries = 50
const recoveryWaitInterval = 100 * time.Millisecond

var (
	listDevices  bool
	recoverMode      bool
	firmwareFile string
	serialNumber string
	verbose      bool
)

func main() {
	root := &cobra.Command{
		Use:           "cam-fw-update",
		Short:         "Update camera firmware over USB DFU",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	root.Flags().BoolVarP(&listDevices, "list_devices", "l", false, "List connected devices and exit")
	root.Flags().BoolVarP(&recoverMode, "recover", "r", false, "Update all devices already in recovery mode")
	root.Flags().StringVarP(&firmwareFile, "file", "f", "", "Path to a firmware image file")
	root.Flags().StringVarP(&serialNumber, "serial_number", "s", "", "Serial number of the device to update")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logConfig := logging.DefaultConfig()
	if verbose {
		logConfig.Level = logging.LevelDebug
	}
	logging.SetDefault(logging.NewLogger(logConfig))

	if listDevices {
		return printDevices()
	}

	if !recoverMode && serialNumber == "" {
		return fmt.Errorf("either recovery or serial number must be selected")
	}
	if firmwareFile == "" {
		return fmt.Errorf("a firmware file is required")
	}

	image, err := os.ReadFile(firmwareFile)
	if err != nil {
		return fmt.Errorf("read firmware image: %w", err)
	}
	fmt.Printf("update to FW: %s\n\n", firmwareFile)

	if recoverMode {
		fmt.Println("check for devices in recovery mode...")
		updated, err := tryUpdate(image)
		if err != nil {
			return err
		}
		if !updated {
			return fmt.Errorf("no devices in recovery mode found")
		}
		fmt.Println("\ndevice recovered")
		return nil
	}

	return updateBySerial(image)
}

func printDevices() error {
	hub := camdrv.NewDeviceHub()
	devices, err := hub.QueryDevices()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("no devices found")
		return nil
	}
	for _, d := range devices {
		name, _ := d.Info(camdrv.CameraInfoName)
		serial, _ := d.Info(camdrv.CameraInfoSerialNumber)
		fw, _ := d.Info(camdrv.CameraInfoFirmwareVersion)
		fmt.Printf("%s\tserial: %s\tfirmware: %s\n", name, serial, fw)
		d.Close()
	}
	return nil
}

// updateBySerial finds the live camera, flips it into DFU mode and waits for
// it to re-enumerate in recovery before flashing.
func updateBySerial(image []byte) error {
	hub := camdrv.NewDeviceHub()
	devices, err := hub.QueryDevices()
	if err != nil {
		return err
	}

	fmt.Printf("search for device with serial number: %s\n", serialNumber)
	for _, d := range devices {
		sn, err := d.Info(camdrv.CameraInfoSerialNumber)
		if err != nil || sn != serialNumber {
			d.Close()
			continue
		}

		if fw, err := d.Info(camdrv.CameraInfoFirmwareVersion); err == nil {
			fmt.Printf("device found, current FW version: %s\n", fw)
		}
		d.Close()

		// The device re-enumerates; give recovery mode time to surface.
		for i := 0; i < recoveryWaitRetries; i++ {
			updated, err := tryUpdate(image)
			if err != nil {
				return err
			}
			if updated {
				return nil
			}
			time.Sleep(recoveryWaitInterval)
		}
		return fmt.Errorf("device did not reach recovery mode")
	}
	return fmt.Errorf("no device with serial number %s found", serialNumber)
}

// tryUpdate flashes every device currently in recovery mode.
func tryUpdate(image []byte) (bool, error) {
	updateDevices, err := camdrv.QueryUpdateDevices()
	if err != nil {
		return false, err
	}
	updated := false
	for i, u := range updateDevices {
		fmt.Printf("\nFW update started\n\n")
		err := u.UpdateFirmware(image, func(progress float32) {
			fmt.Printf("\rFW update progress: %d[%%]", int(progress*100))
		})
		u.Close()
		if err != nil {
			for _, rest := range updateDevices[i+1:] {
				rest.Close()
			}
			return false, err
		}
		fmt.Printf("\n\nFW update done\n")
		updated = true
	}
	return updated, nil
}
