package camdrv

import (
	"fmt"
	"sync"
	"time"

	"github.com/ehrlich-b/go-camdrv/internal/concurrent"
	"github.com/ehrlich-b/go-camdrv/internal/logging"
)

const (
	// resolveRetries bounds transient resolution failures at start.
	resolveRetries = 3

	streamerDispatcherCapacity = 10
)

// resolveTimeout is the per-attempt device wait budget. A variable so tests
// can shrink the reconnect path.
var resolveTimeout = 5 * time.Second

// frameHandler receives every frame of the running pipeline before fan-out.
type frameHandler func(Frame)

// Streamer owns the pipeline lifecycle: device selection through the hub,
// config resolution, start/stop sequencing and frame fan-out. The concrete
// delivery policy comes from AsyncStreamer or SyncStreamer.
type Streamer struct {
	mtx           sync.Mutex
	hub           *DeviceHub
	activeProfile *Profile
	prevConf      *Config
	dispatcher    *concurrent.Dispatcher

	// handler is installed by the concrete streamer before Start.
	handler frameHandler

	// onStart lets the concrete streamer see the resolved profile before
	// frames flow.
	onStart func(*Profile)

	counterMu     sync.Mutex
	frameCounters map[int]uint64

	playbackUnsub func()
	metrics       *Metrics
}

func newStreamer() *Streamer {
	return &Streamer{
		hub:           NewDeviceHub(),
		dispatcher:    concurrent.NewDispatcher(streamerDispatcherCapacity),
		frameCounters: make(map[int]uint64),
		metrics:       NewMetrics(),
	}
}

// Hub exposes the streamer's device hub.
func (s *Streamer) Hub() *DeviceHub {
	return s.hub
}

// Metrics returns the streamer's counters.
func (s *Streamer) Metrics() *Metrics {
	return s.metrics
}

// Start resolves the configuration and begins streaming. Starting an already
// started streamer fails with a sequencing error.
func (s *Streamer) Start(conf *Config) (*Profile, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.activeProfile != nil {
		return nil, NewError("START", ErrCodeSequence, "start() cannot be called before stop()")
	}
	if err := s.unsafeStart(conf); err != nil {
		return nil, err
	}
	return s.activeProfile, nil
}

// StartWithRecord enables recording on the configuration and starts.
func (s *Streamer) StartWithRecord(conf *Config, file string) (*Profile, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.activeProfile != nil {
		return nil, NewError("START", ErrCodeSequence, "start() cannot be called before stop()")
	}
	conf.EnableRecordToFile(file)
	if err := s.unsafeStart(conf); err != nil {
		return nil, err
	}
	return s.activeProfile, nil
}

// ActiveProfile returns the running profile; calling it while stopped is a
// sequencing error.
func (s *Streamer) ActiveProfile() (*Profile, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.unsafeActiveProfile()
}

func (s *Streamer) unsafeActiveProfile() (*Profile, error) {
	if s.activeProfile == nil {
		return nil, NewError("GET_ACTIVE_PROFILE", ErrCodeSequence,
			"get_active_profile() can only be called between a start() and a following stop()")
	}
	return s.activeProfile, nil
}

// unsafeStart resolves with a bounded retry and opens and starts the
// multistream. Callers hold the mutex.
func (s *Streamer) unsafeStart(conf *Config) error {
	var profile *Profile
	var err error
	for i := 1; i <= resolveRetries; i++ {
		profile, err = conf.Resolve(s, resolveTimeout)
		if err == nil {
			break
		}
		logging.Debug("config resolve failed", "attempt", i, "error", err)
		if i == resolveRetries {
			return err
		}
	}

	if len(profile.profiles) == 0 {
		profile.device.Close()
		return NewError("START", ErrCodeInvalidValue, "resolved configuration has no streams")
	}

	profile.stream.observer = s.metrics

	if err := profile.stream.open(); err != nil {
		profile.device.Close()
		return err
	}

	handler := s.handler
	if handler == nil {
		handler = func(Frame) {}
	}
	wrapped := func(p StreamProfile, fo FrameObject) {
		s.metrics.RecordFrame(uint64(fo.DataLen))
		handler(Frame{
			Profile:  p,
			Number:   s.nextFrameNumber(p.UniqueID),
			Data:     fo.Data,
			Metadata: fo.Header[:fo.HeaderLen],
		})
	}

	if s.onStart != nil {
		s.onStart(profile)
	}

	// A playback-backed pipeline restarts itself at end of file when the
	// configuration asks for repetition.
	if playback := conf.playback; playback != nil {
		s.playbackUnsub = playback.SubscribeStopped(func() {
			s.dispatcher.Invoke(func(*concurrent.CancellableTimer) {
				s.restartPlayback(wrapped)
			}, false)
		})
	}

	s.dispatcher.Start()
	if err := profile.stream.start(wrapped); err != nil {
		profile.stream.close()
		profile.device.Close()
		return err
	}

	s.activeProfile = profile
	s.prevConf = conf.clone()
	return nil
}

// restartPlayback rebuilds the running pipeline after playback reached end
// of file. The old engines are flushed through close() before the stream is
// reopened, so the endpoint is never serviced by two generations at once. A
// failed restart tears the pipeline down: the streamer reads as stopped, the
// next lifecycle call surfaces a sequencing error, and the caller retries
// with Start.
func (s *Streamer) restartPlayback(handler func(StreamProfile, FrameObject)) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.activeProfile == nil || s.prevConf == nil || !s.prevConf.GetRepeatPlayback() {
		return
	}

	stream := s.activeProfile.stream
	stream.stop()
	stream.close()

	err := stream.open()
	if err == nil {
		err = stream.start(handler)
	}
	if err == nil {
		return
	}

	logging.Error("playback restart failed", "error", err)
	if s.playbackUnsub != nil {
		s.playbackUnsub()
		s.playbackUnsub = nil
	}
	stream.close()
	s.activeProfile.device.Close()
	s.activeProfile = nil
	s.prevConf = nil
	// The dispatcher stays up: this runs on its worker, and stopping it
	// here would wait on itself. Close or the next start cycle handles it.
}

// Stop ends the pipeline. Stopping a stopped streamer is a sequencing error.
func (s *Streamer) Stop() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.activeProfile == nil {
		return NewError("STOP", ErrCodeSequence, "stop() cannot be called before start()")
	}
	s.unsafeStop()
	return nil
}

// unsafeStop tears the pipeline down, swallowing transport errors: the
// device may already be gone.
func (s *Streamer) unsafeStop() {
	if s.activeProfile != nil {
		if s.playbackUnsub != nil {
			s.playbackUnsub()
			s.playbackUnsub = nil
		}
		s.activeProfile.stream.stop()
		s.activeProfile.stream.close()
		s.activeProfile.device.Close()
		s.dispatcher.Stop(true)
	}
	s.activeProfile = nil
	s.prevConf = nil
}

// Close stops the pipeline if running and releases the dispatcher.
func (s *Streamer) Close() {
	s.mtx.Lock()
	s.unsafeStop()
	s.mtx.Unlock()
	s.dispatcher.Close()
}

// WaitForDevice delegates to the hub; device selection is deterministic.
func (s *Streamer) WaitForDevice(timeout time.Duration, serial string) (*Device, error) {
	return s.hub.WaitForDevice(timeout, serial)
}

func (s *Streamer) nextFrameNumber(uniqueID int) uint64 {
	s.counterMu.Lock()
	defer s.counterMu.Unlock()
	s.frameCounters[uniqueID]++
	return s.frameCounters[uniqueID]
}

// String describes the streamer state for logs.
func (s *Streamer) String() string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.activeProfile == nil {
		return "streamer(idle)"
	}
	return fmt.Sprintf("streamer(%d streams)", len(s.activeProfile.profiles))
}
