package camdrv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeviceInfoRegistry(t *testing.T) {
	backend := installFakeBackend(t)
	testCamera(t, backend, "cam0", [6]byte{0x01, 0x23, 0x45, 0x67, 0x89, 0xAB})

	hub := NewDeviceHub()
	devices, err := hub.QueryDevices()
	require.NoError(t, err)
	require.Len(t, devices, 1)
	d := devices[0]

	serial, err := d.Info(CameraInfoSerialNumber)
	require.NoError(t, err)
	require.Equal(t, "0123456789ab", serial)

	fw, err := d.Info(CameraInfoFirmwareVersion)
	require.NoError(t, err)
	require.Equal(t, "5.13.0.50", fw)

	name, err := d.Info(CameraInfoName)
	require.NoError(t, err)
	require.Contains(t, name, "8086")

	require.True(t, d.SupportsInfo(CameraInfoPhysicalPort))

	_, err = d.Info(CameraInfoRecommendedFirmwareVersion)
	require.Error(t, err)
	require.True(t, IsCode(err, ErrCodeNotFound))
}

func TestDeviceProfiles(t *testing.T) {
	backend := installFakeBackend(t)
	testCamera(t, backend, "cam0", [6]byte{1, 2, 3, 4, 5, 6})

	hub := NewDeviceHub()
	devices, err := hub.QueryDevices()
	require.NoError(t, err)
	require.Len(t, devices, 1)

	profiles := devices[0].Profiles()
	require.Len(t, profiles, 2, "one profile per streaming interface")
	require.Equal(t, StreamDepth, profiles[0].Type)
	require.Equal(t, StreamColor, profiles[1].Type)
	require.NotEqual(t, profiles[0].UniqueID, profiles[1].UniqueID)
}

func TestHubIsConnected(t *testing.T) {
	backend := installFakeBackend(t)
	testCamera(t, backend, "cam0", [6]byte{1, 2, 3, 4, 5, 6})

	hub := NewDeviceHub()
	devices, err := hub.QueryDevices()
	require.NoError(t, err)
	require.Len(t, devices, 1)

	require.True(t, hub.IsConnected(devices[0]))
	backend.Disconnect("cam0")
	require.False(t, hub.IsConnected(devices[0]))
	require.False(t, hub.IsConnected(nil))
}

func TestHubWaitForDeviceBySerial(t *testing.T) {
	backend := installFakeBackend(t)
	testCamera(t, backend, "cam0", [6]byte{0xAA, 0, 0, 0, 0, 0x01})
	testCamera(t, backend, "cam1", [6]byte{0xBB, 0, 0, 0, 0, 0x02})

	hub := NewDeviceHub()
	d, err := hub.WaitForDevice(0, "bb0000000002")
	require.NoError(t, err)
	require.NotNil(t, d)
	require.Equal(t, "cam1", d.UniqueID())
}
