package camdrv

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// StreamRequest is one requested stream. Zero type, format, width, height and
// fps, and an index of -1, are wildcards resolved against what the device
// advertises.
type StreamRequest struct {
	Type   StreamType
	Index  int
	Format Format
	Width  int
	Height int
	FPS    int
}

// matches reports whether a device profile satisfies the request.
func (r StreamRequest) matches(p StreamProfile) bool {
	if r.Type != StreamAny && r.Type != p.Type {
		return false
	}
	if r.Index != -1 && r.Index != p.Index {
		return false
	}
	if r.Format != FormatAny && r.Format != p.Format {
		return false
	}
	if r.Width != 0 && r.Width != p.Width {
		return false
	}
	if r.Height != 0 && r.Height != p.Height {
		return false
	}
	if r.FPS != 0 && r.FPS != p.FPS {
		return false
	}
	return true
}

// PlaybackSource is the boundary to the record/playback subsystem: a device
// substitute that reports when a file reaches its end.
type PlaybackSource interface {
	// SubscribeStopped registers a stop listener and returns an unsubscribe
	// function.
	SubscribeStopped(fn func()) (unsubscribe func())
}

// Config collects stream, device and record selections and resolves them
// against a streamer's hub.
type Config struct {
	mu             sync.Mutex
	requests       []StreamRequest
	enableAll      bool
	deviceSerial   string
	deviceFile     string
	recordFile     string
	repeatPlayback bool
	playback       PlaybackSource
}

// NewConfig creates an empty configuration; resolving it with no explicit
// streams enables every stream the device advertises.
func NewConfig() *Config {
	return &Config{}
}

// EnableStream requests one stream. Pass -1 for index and zero values for
// format/width/height/fps to leave them to the device.
func (c *Config) EnableStream(t StreamType, index int, format Format, width, height, fps int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disableStreamLocked(t, index)
	c.requests = append(c.requests, StreamRequest{
		Type: t, Index: index, Format: format,
		Width: width, Height: height, FPS: fps,
	})
}

// EnableAllStreams requests everything the device advertises.
func (c *Config) EnableAllStreams() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enableAll = true
}

// DisableStream removes requests for a stream type; index -1 removes all
// indexes of the type.
func (c *Config) DisableStream(t StreamType, index int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disableStreamLocked(t, index)
}

func (c *Config) disableStreamLocked(t StreamType, index int) {
	var kept []StreamRequest
	for _, r := range c.requests {
		if r.Type == t && (index == -1 || r.Index == index) {
			continue
		}
		kept = append(kept, r)
	}
	c.requests = kept
}

// DisableAllStreams clears every stream request.
func (c *Config) DisableAllStreams() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = nil
	c.enableAll = false
}

// EnableDevice pins resolution to the device with the given serial.
func (c *Config) EnableDevice(serial string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deviceSerial = serial
}

// EnableDeviceFromFile stores the path of a recorded file on the
// configuration. Resolve does not read it: resolution always selects a live
// device through the hub.
func (c *Config) EnableDeviceFromFile(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deviceFile = path
}

// SetPlaybackSource injects the playback boundary used for repeat handling.
func (c *Config) SetPlaybackSource(p PlaybackSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.playback = p
}

// EnableRecordToFile stores the recording path on the configuration. Nothing
// in this package writes a recording to it.
func (c *Config) EnableRecordToFile(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recordFile = path
}

// SetRepeatPlayback controls whether playback restarts at end of file.
func (c *Config) SetRepeatPlayback(repeat bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.repeatPlayback = repeat
}

// GetRepeatPlayback reports the repeat-playback flag.
func (c *Config) GetRepeatPlayback() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.repeatPlayback
}

// clone snapshots the configuration for restart-after-disconnect.
func (c *Config) clone() *Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &Config{
		requests:       append([]StreamRequest(nil), c.requests...),
		enableAll:      c.enableAll,
		deviceSerial:   c.deviceSerial,
		deviceFile:     c.deviceFile,
		recordFile:     c.recordFile,
		repeatPlayback: c.repeatPlayback,
		playback:       c.playback,
	}
}

// CanResolve reports whether the configuration resolves against a currently
// attached device.
func (c *Config) CanResolve(s *Streamer) bool {
	profile, err := c.Resolve(s, 0)
	if err != nil {
		return false
	}
	profile.device.Close()
	return true
}

// Resolve selects a device through the streamer's hub and matches the
// requested streams against its advertised profiles.
func (c *Config) Resolve(s *Streamer, timeout time.Duration) (*Profile, error) {
	c.mu.Lock()
	serial := c.deviceSerial
	requests := append([]StreamRequest(nil), c.requests...)
	enableAll := c.enableAll
	c.mu.Unlock()

	device, err := s.hub.WaitForDevice(timeout, serial)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, NewError("RESOLVE", ErrCodeNotFound, "no device connected")
	}

	available := device.Profiles()
	var selected []StreamProfile
	if enableAll || len(requests) == 0 {
		selected = available
	} else {
		for _, r := range requests {
			found := false
			for _, p := range available {
				if r.matches(p) {
					selected = append(selected, p)
					found = true
					break
				}
			}
			if !found {
				device.Close()
				return nil, NewError("RESOLVE", ErrCodeInvalidValue,
					fmt.Sprintf("no matching profile for stream %s/%d", r.Type, r.Index))
			}
		}
	}

	return &Profile{
		device:   device,
		profiles: selected,
		stream:   &multistream{device: device, profiles: selected},
	}, nil
}

// configFile is the YAML shape accepted by LoadConfigFile.
type configFile struct {
	Streams []struct {
		Type   string `yaml:"type"`
		Index  int    `yaml:"index"`
		Width  int    `yaml:"width"`
		Height int    `yaml:"height"`
		FPS    int    `yaml:"fps"`
	} `yaml:"streams"`
	DeviceSerial   string `yaml:"device_serial"`
	RecordToFile   string `yaml:"record_to_file"`
	PlaybackFile   string `yaml:"playback_file"`
	RepeatPlayback bool   `yaml:"repeat_playback"`
	AllStreams     bool   `yaml:"all_streams"`
}

var streamTypeNames = map[string]StreamType{
	"any":        StreamAny,
	"depth":      StreamDepth,
	"color":      StreamColor,
	"infrared":   StreamInfrared,
	"fisheye":    StreamFisheye,
	"confidence": StreamConfidence,
}

// LoadConfigFile reads a declarative stream configuration from YAML.
func LoadConfigFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, WrapError("LOAD_CONFIG", ErrCodeNotFound, err)
	}

	var f configFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, WrapError("LOAD_CONFIG", ErrCodeInvalidValue, err)
	}

	c := NewConfig()
	for _, s := range f.Streams {
		t, ok := streamTypeNames[s.Type]
		if !ok {
			return nil, NewError("LOAD_CONFIG", ErrCodeInvalidValue,
				fmt.Sprintf("unknown stream type %q", s.Type))
		}
		c.EnableStream(t, s.Index, FormatAny, s.Width, s.Height, s.FPS)
	}
	if f.AllStreams {
		c.EnableAllStreams()
	}
	if f.DeviceSerial != "" {
		c.EnableDevice(f.DeviceSerial)
	}
	if f.RecordToFile != "" {
		c.EnableRecordToFile(f.RecordToFile)
	}
	if f.PlaybackFile != "" {
		c.EnableDeviceFromFile(f.PlaybackFile)
	}
	c.SetRepeatPlayback(f.RepeatPlayback)
	return c, nil
}
