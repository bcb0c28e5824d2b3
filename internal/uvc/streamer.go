package uvc

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-camdrv/internal/concurrent"
	"github.com/ehrlich-b/go-camdrv/internal/logging"
	"github.com/ehrlich-b/go-camdrv/internal/usb"
)

const (
	// PayloadMaxHeaderLength bounds the per-payload header; the read buffer
	// reserves this much on top of the negotiated frame size.
	PayloadMaxHeaderLength = 256

	// payloadHeaderErrorBit flags a payload the device marked as bad.
	payloadHeaderErrorBit = 0x40

	dequeueTimeout       = 50 * time.Millisecond
	endpointResetTimeout = 100 * time.Millisecond
	watchdogResetTimeout = 1000 * time.Millisecond
	frameQueueCapacity   = 1

	// DefaultRequestCount is the number of in-flight read requests a stream
	// keeps against its endpoint.
	DefaultRequestCount = 2
)

// Observer counts the engine's externally interesting events. Implementations
// must be safe for concurrent use; a nil observer disables counting.
type Observer interface {
	// ObservePayload records one parsed payload handed to the publish queue.
	ObservePayload(bytes int)
	// ObserveDrop records a payload discarded by the parser.
	ObserveDrop()
	// ObserveReset records a watchdog-driven endpoint reset.
	ObserveReset()
}

// Context carries everything a Streamer needs to pump one stream.
type Context struct {
	Profile      StreamProfile
	UserCallback FrameCallback
	Control      StreamControl
	Device       usb.Device
	Messenger    usb.Messenger
	RequestCount int
	Observer     Observer
}

// Streamer pumps bulk payloads from one streaming endpoint, parses them into
// pooled frames and publishes them to the user callback. A watchdog resets
// the pipe when payloads stop arriving.
type Streamer struct {
	mu      sync.Mutex
	running atomic.Bool

	context         Context
	watchdogTimeout time.Duration
	readBuffLength  int
	readEndpoint    *usb.Endpoint

	queue    *concurrent.Queue[*Frame]
	archive  *FrameArchive
	requests []*usb.Request
	callback *usb.RequestCallback
	watchdog *concurrent.Watchdog
	publish  *concurrent.ActiveObject
}

// NewStreamer locates the streaming endpoint named by the stream control,
// sizes the request pool and primes the pipeline. The stream is not started.
func NewStreamer(context Context) (*Streamer, error) {
	iface := context.Device.GetInterface(context.Control.InterfaceNumber)
	if iface == nil {
		return nil, fmt.Errorf("can't find UVC streaming interface %d of device %s",
			context.Control.InterfaceNumber, context.Device.Info().ID)
	}
	readEndpoint := iface.FirstEndpoint(usb.DirectionRead)
	if readEndpoint == nil {
		return nil, fmt.Errorf("no read endpoint on interface %d of device %s",
			context.Control.InterfaceNumber, context.Device.Info().ID)
	}
	if context.RequestCount <= 0 {
		context.RequestCount = DefaultRequestCount
	}

	s := &Streamer{
		context:        context,
		readEndpoint:   readEndpoint,
		readBuffLength: PayloadMaxHeaderLength + context.Control.MaxVideoFrameSize,
		queue:          concurrent.NewQueue[*Frame](frameQueueCapacity),
	}
	s.watchdogTimeout = time.Duration(10*(1000.0/float64(context.Profile.FPS))) * time.Millisecond

	logging.Info("uvc streamer created",
		"endpoint", readEndpoint.Address,
		"read_buffer_size", s.readBuffLength)

	s.init()
	return s, nil
}

// processBulkPayload validates one payload's header and hands the frame to
// the publish queue, reporting whether it was enqueued. Bad payloads go
// straight back to the archive.
func processBulkPayload(f *Frame, payloadLen int, queue *concurrent.Queue[*Frame], archive *FrameArchive) bool {
	if f == nil {
		return false
	}
	if payloadLen < 2 {
		archive.Deallocate(f)
		return false
	}

	headerLen := int(f.Pixels[0])
	headerInfo := f.Pixels[1]

	if headerInfo&payloadHeaderErrorBit != 0 {
		logging.Error("bad packet: error bit set")
		archive.Deallocate(f)
		return false
	}
	if headerLen > payloadLen {
		logging.Errorf("bogus packet: actual_len=%d, header_len=%d", payloadLen, headerLen)
		archive.Deallocate(f)
		return false
	}

	f.Object = FrameObject{
		DataLen:   payloadLen - headerLen,
		HeaderLen: headerLen,
		Data:      f.Pixels[headerLen:payloadLen],
		Header:    f.Pixels[:payloadLen],
	}

	// The queue is bounded; hand the displaced frame back to the pool
	// before it is dropped on the floor.
	if queue.Size() >= frameQueueCapacity {
		var stale *Frame
		if queue.TryDequeue(&stale) {
			archive.Deallocate(stale)
		}
	}
	queue.Enqueue(f)
	return true
}

func (s *Streamer) init() {
	s.archive = NewFrameArchive(s.readBuffLength)

	s.publish = concurrent.NewActiveObject(func(*concurrent.CancellableTimer) {
		var f *Frame
		if s.queue.Dequeue(&f, dequeueTimeout) {
			if s.Running() {
				s.context.UserCallback(s.context.Profile, f.Object, func() {})
			}
			s.archive.Deallocate(f)
		}
	})

	s.watchdog = concurrent.NewWatchdog(func() {
		s.context.Messenger.ResetEndpoint(s.readEndpoint, endpointResetTimeout)
		logging.Error("uvc streamer watchdog triggered on endpoint", "endpoint", s.readEndpoint.Address)
		if s.context.Observer != nil {
			s.context.Observer.ObserveReset()
		}
		s.watchdog.SetTimeout(watchdogResetTimeout)
	}, s.watchdogTimeout)

	s.callback = usb.NewRequestCallback(func(r *usb.Request) {
		if r == nil {
			return
		}
		if !s.watchdog.Running() {
			s.watchdog.Start()
		}
		s.watchdog.SetTimeout(s.watchdogTimeout)
		if r.ActualLength() >= s.context.Control.MaxVideoFrameSize {
			if f := s.archive.Allocate(); f != nil {
				s.watchdog.Kick()
				copy(f.Pixels, r.Buffer())
				enqueued := processBulkPayload(f, r.ActualLength(), s.queue, s.archive)
				if s.context.Observer != nil {
					if enqueued {
						s.context.Observer.ObservePayload(r.ActualLength())
					} else {
						s.context.Observer.ObserveDrop()
					}
				}
			}
		}
		if s.Running() {
			if sts := s.context.Messenger.SubmitRequest(r); !sts.Ok() {
				logging.Error("failed to submit UVC request", "status", sts)
			}
		}
	})

	s.context.Messenger.ResetEndpoint(s.readEndpoint, endpointResetTimeout)

	s.requests = make([]*usb.Request, s.context.RequestCount)
	for i := range s.requests {
		r, err := s.context.Messenger.CreateRequest(s.readEndpoint)
		if err != nil {
			logging.Error("failed to create UVC request", "error", err)
			continue
		}
		r.SetBuffer(make([]byte, s.readBuffLength))
		r.SetCallback(s.callback)
		s.requests[i] = r
	}
}

// Running reports whether the stream is pumping.
func (s *Streamer) Running() bool {
	return s.running.Load()
}

// Context returns the streamer's construction context.
func (s *Streamer) Context() Context {
	return s.context
}

// Profile returns the profile this streamer serves.
func (s *Streamer) Profile() StreamProfile {
	return s.context.Profile
}

// Start submits every request and begins publishing. Starting a running
// streamer is a no-op.
func (s *Streamer) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running.Load() {
		return
	}
	s.running.Store(true)

	for _, r := range s.requests {
		if r != nil {
			s.context.Messenger.SubmitRequest(r)
		}
	}
	s.publish.Start()
}

// Stop cancels the callback, drains the pipeline, returns every frame to the
// archive and quiesces the pipe. Stopping a stopped streamer is a no-op.
func (s *Streamer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running.Load() {
		return
	}
	s.running.Store(false)

	s.callback.Cancel()

	// Frames stranded in the queue must come home before the archive will
	// report empty.
	var f *Frame
	for s.queue.TryDequeue(&f) {
		s.archive.Deallocate(f)
	}
	s.queue.Clear()

	s.archive.StopAllocation()
	s.archive.WaitUntilEmpty()

	for _, r := range s.requests {
		if r != nil {
			s.context.Messenger.CancelRequest(r)
		}
	}

	s.context.Messenger.ResetEndpoint(s.readEndpoint, endpointResetTimeout)

	s.watchdog.Stop()
	s.publish.Stop()
}

// Flush stops the stream and releases the pipeline in dependency order.
// Flushing twice is a no-op.
func (s *Streamer) Flush() {
	s.Stop()
	if s.archive == nil {
		return
	}

	s.readEndpoint = nil
	s.watchdog.Close()
	s.publish.Close()
	s.callback = nil
	s.archive = nil
}
