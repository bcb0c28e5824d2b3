package camdrv

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigEnableDisableStreams(t *testing.T) {
	c := NewConfig()
	c.EnableStream(StreamDepth, -1, FormatZ16, 640, 480, 30)
	c.EnableStream(StreamColor, 0, FormatYUYV, 0, 0, 0)
	require.Len(t, c.requests, 2)

	// Re-enabling a stream replaces the previous request.
	c.EnableStream(StreamDepth, -1, FormatZ16, 1280, 720, 15)
	require.Len(t, c.requests, 2)
	for _, r := range c.requests {
		if r.Type == StreamDepth {
			require.Equal(t, 1280, r.Width)
		}
	}

	c.DisableStream(StreamColor, -1)
	require.Len(t, c.requests, 1)

	c.DisableAllStreams()
	require.Empty(t, c.requests)
}

func TestConfigClone(t *testing.T) {
	c := NewConfig()
	c.EnableStream(StreamDepth, -1, FormatAny, 0, 0, 0)
	c.EnableDevice("abc123")
	c.SetRepeatPlayback(true)

	clone := c.clone()
	c.DisableAllStreams()
	c.EnableDevice("other")

	require.Len(t, clone.requests, 1)
	require.Equal(t, "abc123", clone.deviceSerial)
	require.True(t, clone.GetRepeatPlayback())
}

func TestStreamRequestMatching(t *testing.T) {
	profile := StreamProfile{Type: StreamDepth, Index: 0, Format: FormatZ16, Width: 640, Height: 480, FPS: 30}

	tests := []struct {
		name    string
		request StreamRequest
		want    bool
	}{
		{"wildcards", StreamRequest{Type: StreamDepth, Index: -1}, true},
		{"exact", StreamRequest{Type: StreamDepth, Index: 0, Format: FormatZ16, Width: 640, Height: 480, FPS: 30}, true},
		{"any type", StreamRequest{Type: StreamAny, Index: -1}, true},
		{"wrong type", StreamRequest{Type: StreamColor, Index: -1}, false},
		{"wrong size", StreamRequest{Type: StreamDepth, Index: -1, Width: 1280}, false},
		{"wrong fps", StreamRequest{Type: StreamDepth, Index: -1, FPS: 60}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.request.matches(profile))
		})
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	content := `
streams:
  - type: depth
    width: 640
    height: 480
    fps: 30
  - type: color
device_serial: "0123456789ab"
record_to_file: capture.bag
repeat_playback: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	c, err := LoadConfigFile(path)
	require.NoError(t, err)
	require.Len(t, c.requests, 2)
	require.Equal(t, StreamDepth, c.requests[0].Type)
	require.Equal(t, 640, c.requests[0].Width)
	require.Equal(t, "0123456789ab", c.deviceSerial)
	require.Equal(t, "capture.bag", c.recordFile)
	require.True(t, c.GetRepeatPlayback())
}

func TestLoadConfigFile_Errors(t *testing.T) {
	_, err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	require.True(t, IsCode(err, ErrCodeNotFound))

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("streams:\n  - type: sonar\n"), 0o644))
	_, err = LoadConfigFile(bad)
	require.Error(t, err)
	require.True(t, IsCode(err, ErrCodeInvalidValue))
}
