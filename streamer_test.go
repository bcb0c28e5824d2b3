package camdrv

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-camdrv/internal/usb"
	"github.com/ehrlich-b/go-camdrv/internal/usb/usbtest"
)

func TestStreamer_StartAfterStartFails(t *testing.T) {
	backend := installFakeBackend(t)
	dev := testCamera(t, backend, "cam0", [6]byte{1, 2, 3, 4, 5, 6})
	streamingSource(dev)

	s := NewAsyncStreamer()
	defer s.Close()

	_, err := s.Start(NewConfig())
	require.NoError(t, err)

	_, err = s.Start(NewConfig())
	require.Error(t, err)
	require.True(t, IsCode(err, ErrCodeSequence))

	require.NoError(t, s.Stop())
}

func TestStreamer_StopBeforeStartFails(t *testing.T) {
	installFakeBackend(t)

	s := NewAsyncStreamer()
	defer s.Close()

	err := s.Stop()
	require.Error(t, err)
	require.True(t, IsCode(err, ErrCodeSequence))

	_, err = s.ActiveProfile()
	require.Error(t, err)
	require.True(t, IsCode(err, ErrCodeSequence))
}

func TestStreamer_StartStopStartYieldsEquivalentProfile(t *testing.T) {
	backend := installFakeBackend(t)
	dev := testCamera(t, backend, "cam0", [6]byte{1, 2, 3, 4, 5, 6})
	streamingSource(dev)

	s := NewAsyncStreamer()
	defer s.Close()

	config := NewConfig()
	config.EnableStream(StreamDepth, -1, FormatAny, 0, 0, 0)

	first, err := s.Start(config)
	require.NoError(t, err)
	firstStreams := first.Streams()
	require.NoError(t, s.Stop())

	second, err := s.Start(config)
	require.NoError(t, err)
	require.Equal(t, firstStreams, second.Streams())
	require.NoError(t, s.Stop())
}

func TestAsyncStreamer_DeliversFramesToCallback(t *testing.T) {
	backend := installFakeBackend(t)
	dev := testCamera(t, backend, "cam0", [6]byte{1, 2, 3, 4, 5, 6})
	streamingSource(dev)

	s := NewAsyncStreamer()
	defer s.Close()

	var depth, any atomic.Int32
	s.SetCallback(StreamDepth, -1, func(f Frame) {
		require.Equal(t, StreamDepth, f.Profile.Type)
		require.NotZero(t, f.Number)
		depth.Add(1)
	})
	s.SetCallback(StreamAny, -1, func(f Frame) {
		any.Add(1)
	})

	_, err := s.Start(NewConfig())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return depth.Load() >= 2 && any.Load() >= 2
	}, 5*time.Second, 20*time.Millisecond, "frames not fanned out")

	require.NoError(t, s.Stop())

	snapshot := s.Metrics().Snapshot()
	require.NotZero(t, snapshot.FramesPublished)
	require.NotZero(t, snapshot.BytesPublished)
}

func TestAsyncStreamer_CallbackResolutionOrder(t *testing.T) {
	a := NewAsyncStreamer()
	defer a.Close()

	var hit string
	a.SetCallback(StreamDepth, 2, func(Frame) { hit = "exact" })
	a.SetCallback(StreamDepth, -1, func(Frame) { hit = "type" })
	a.SetCallback(StreamAny, -1, func(Frame) { hit = "any" })

	a.route(Frame{Profile: StreamProfile{Type: StreamDepth, Index: 2}})
	require.Equal(t, "exact", hit)

	a.route(Frame{Profile: StreamProfile{Type: StreamDepth, Index: 0}})
	require.Equal(t, "type", hit)

	a.route(Frame{Profile: StreamProfile{Type: StreamColor, Index: 0}})
	require.Equal(t, "any", hit)

	// With no match at all the frame is dropped, not a fault.
	b := NewAsyncStreamer()
	defer b.Close()
	b.route(Frame{Profile: StreamProfile{Type: StreamColor}})
}

// countingBackend counts enumeration passes to observe resolve retries.
type countingBackend struct {
	*usbtest.Backend
	queries atomic.Int32
}

func (c *countingBackend) QueryDevicesInfo() ([]usb.DeviceInfo, error) {
	c.queries.Add(1)
	return c.Backend.QueryDevicesInfo()
}

func TestStreamer_ResolveRetriesExactlyThreeTimes(t *testing.T) {
	counting := &countingBackend{Backend: usbtest.NewBackend()}
	usb.SetBackend(counting)
	t.Cleanup(func() { usb.SetBackend(nil) })
	shortResolve(t, 20*time.Millisecond)

	s := NewAsyncStreamer()
	defer s.Close()

	_, err := s.Start(NewConfig())
	require.Error(t, err)
	require.Equal(t, int32(resolveRetries), counting.queries.Load(),
		"each resolve attempt performs one enumeration pass")
}

func TestStreamer_UnmatchableStreamFails(t *testing.T) {
	backend := installFakeBackend(t)
	testCamera(t, backend, "cam0", [6]byte{1, 2, 3, 4, 5, 6})
	shortResolve(t, 20*time.Millisecond)

	s := NewAsyncStreamer()
	defer s.Close()

	config := NewConfig()
	config.EnableStream(StreamFisheye, -1, FormatAny, 0, 0, 0)

	_, err := s.Start(config)
	require.Error(t, err)
	require.True(t, IsCode(err, ErrCodeInvalidValue))
}

// fakePlayback is a scripted PlaybackSource: tests fire end-of-file and
// observe the subscription lifecycle.
type fakePlayback struct {
	mu          sync.Mutex
	next        int
	subscribers map[int]func()
}

func (p *fakePlayback) SubscribeStopped(fn func()) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subscribers == nil {
		p.subscribers = make(map[int]func())
	}
	id := p.next
	p.next++
	p.subscribers[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subscribers, id)
	}
}

func (p *fakePlayback) reachEndOfFile() {
	p.mu.Lock()
	fns := make([]func(), 0, len(p.subscribers))
	for _, fn := range p.subscribers {
		fns = append(fns, fn)
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (p *fakePlayback) subscriberCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subscribers)
}

func playbackConfig(playback *fakePlayback) *Config {
	config := NewConfig()
	config.SetPlaybackSource(playback)
	config.SetRepeatPlayback(true)
	return config
}

func TestStreamer_PlaybackRepeatRebuildsPipeline(t *testing.T) {
	backend := installFakeBackend(t)
	dev := testCamera(t, backend, "cam0", [6]byte{1, 2, 3, 4, 5, 6})
	streamingSource(dev)

	playback := &fakePlayback{}
	s := NewAsyncStreamer()
	defer s.Close()

	var frames atomic.Int32
	s.SetCallback(StreamAny, -1, func(Frame) {
		frames.Add(1)
	})

	profile, err := s.Start(playbackConfig(playback))
	require.NoError(t, err)
	engines := len(profile.Streams())
	require.Equal(t, 1, playback.subscriberCount())

	s.mtx.Lock()
	oldMessenger := profile.stream.messenger.(*usbtest.Messenger)
	s.mtx.Unlock()

	require.Eventually(t, func() bool { return frames.Load() > 0 },
		5*time.Second, 20*time.Millisecond, "no frames before the loop point")

	playback.reachEndOfFile()

	// The restart rebuilds through close(): the old claim is released
	// before the fresh engines come up.
	require.Eventually(t, oldMessenger.Released,
		5*time.Second, 20*time.Millisecond, "restart did not release the old claim")

	s.mtx.Lock()
	stream := s.activeProfile.stream
	engineCount := len(stream.streamers)
	newMessenger := stream.messenger.(*usbtest.Messenger)
	s.mtx.Unlock()

	require.Equal(t, engines, engineCount, "engine set grew across the playback loop")
	require.NotSame(t, oldMessenger, newMessenger, "restart reused the closed messenger")

	before := frames.Load()
	require.Eventually(t, func() bool { return frames.Load() > before },
		5*time.Second, 20*time.Millisecond, "frames stopped after the playback loop")

	require.NoError(t, s.Stop())
	require.Zero(t, playback.subscriberCount(), "stop left the subscription behind")
}

func TestStreamer_PlaybackRestartFailureTearsDown(t *testing.T) {
	backend := installFakeBackend(t)
	dev := testCamera(t, backend, "cam0", [6]byte{1, 2, 3, 4, 5, 6})
	streamingSource(dev)
	shortResolve(t, 20*time.Millisecond)

	playback := &fakePlayback{}
	s := NewAsyncStreamer()
	defer s.Close()

	_, err := s.Start(playbackConfig(playback))
	require.NoError(t, err)

	backend.Disconnect("cam0")
	playback.reachEndOfFile()

	// A failed restart leaves the streamer stopped rather than pointing at
	// a half-rebuilt pipeline.
	require.Eventually(t, func() bool {
		s.mtx.Lock()
		defer s.mtx.Unlock()
		return s.activeProfile == nil
	}, 5*time.Second, 20*time.Millisecond, "failed restart left the pipeline active")

	err = s.Stop()
	require.Error(t, err)
	require.True(t, IsCode(err, ErrCodeSequence), "failure must surface as a sequencing error")
	require.Zero(t, playback.subscriberCount(), "failed restart left the subscription behind")

	// Once the device returns the caller simply starts again.
	backend.Reconnect(dev)
	_, err = s.Start(playbackConfig(playback))
	require.NoError(t, err)
	require.NoError(t, s.Stop())
}

func TestStreamer_ClaimsVideoFunction(t *testing.T) {
	backend := installFakeBackend(t)
	dev := testCamera(t, backend, "cam0", [6]byte{1, 2, 3, 4, 5, 6})
	streamingSource(dev)

	s := NewAsyncStreamer()
	defer s.Close()

	profile, err := s.Start(NewConfig())
	require.NoError(t, err)

	messenger := profile.stream.messenger.(*usbtest.Messenger)
	require.Equal(t, []uint8{0, 1, 2}, messenger.Claimed(),
		"open must claim the control interface and its associated streaming interfaces")

	require.NoError(t, s.Stop())
	require.True(t, messenger.Released(), "claims must be released on stop")
}
