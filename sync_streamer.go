package camdrv

import (
	"fmt"
	"sync"
	"time"

	"github.com/ehrlich-b/go-camdrv/internal/concurrent"
	"github.com/ehrlich-b/go-camdrv/internal/logging"
)

// frameAggregator holds the latest frame per configured stream id and emits
// a composite set whenever every id is present. The emit queue is bounded to
// one set; a newer set displaces an unconsumed older one.
type frameAggregator struct {
	mu        sync.Mutex
	streamIDs []int
	lastSet   map[int]Frame
	queue     *concurrent.Queue[*FrameSet]
}

func newFrameAggregator(streamIDs []int) *frameAggregator {
	return &frameAggregator{
		streamIDs: streamIDs,
		lastSet:   make(map[int]Frame),
		queue:     concurrent.NewQueue[*FrameSet](1),
	}
}

// handle stores a copy of the frame and emits once the set is complete. The
// copy is required: the source buffer returns to the driver's pool when the
// callback returns.
func (a *frameAggregator) handle(f Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()

	stored := f
	stored.Data = append([]byte(nil), f.Data...)
	stored.Metadata = append([]byte(nil), f.Metadata...)
	a.lastSet[f.Profile.UniqueID] = stored

	for _, id := range a.streamIDs {
		if _, ok := a.lastSet[id]; !ok {
			return
		}
	}

	set := &FrameSet{}
	for _, id := range a.streamIDs {
		set.Frames = append(set.Frames, a.lastSet[id])
	}
	a.queue.Enqueue(set)
}

func (a *frameAggregator) dequeue(out **FrameSet, timeout time.Duration) bool {
	return a.queue.Dequeue(out, timeout)
}

func (a *frameAggregator) tryDequeue(out **FrameSet) bool {
	return a.queue.TryDequeue(out)
}

// SyncStreamer aggregates one frame per configured stream and serves
// composite sets through blocking and polling waits.
type SyncStreamer struct {
	*Streamer

	aggMu      sync.Mutex
	aggregator *frameAggregator
}

// NewSyncStreamer creates a synchronous streamer over a fresh hub.
func NewSyncStreamer() *SyncStreamer {
	s := &SyncStreamer{Streamer: newStreamer()}
	s.Streamer.handler = s.handle
	s.Streamer.onStart = s.onStart
	return s
}

func (s *SyncStreamer) onStart(profile *Profile) {
	ids := make([]int, 0, len(profile.profiles))
	for _, p := range profile.profiles {
		ids = append(ids, p.UniqueID)
	}
	s.aggMu.Lock()
	s.aggregator = newFrameAggregator(ids)
	s.aggMu.Unlock()
}

func (s *SyncStreamer) handle(f Frame) {
	s.aggMu.Lock()
	agg := s.aggregator
	s.aggMu.Unlock()
	if agg != nil {
		agg.handle(f)
	}
}

func (s *SyncStreamer) currentAggregator() *frameAggregator {
	s.aggMu.Lock()
	defer s.aggMu.Unlock()
	return s.aggregator
}

// WaitForFrames blocks until a complete frameset arrives. On timeout with a
// disconnected device it attempts exactly one stop/start restart against the
// previous configuration before surfacing an error.
func (s *SyncStreamer) WaitForFrames(timeout time.Duration) (*FrameSet, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.activeProfile == nil {
		return nil, NewError("WAIT_FOR_FRAMES", ErrCodeSequence,
			"wait_for_frames cannot be called before start()")
	}

	agg := s.currentAggregator()
	var set *FrameSet
	if agg.dequeue(&set, timeout) {
		return set, nil
	}

	// The hub reports connected even after a quick replug; only a truly
	// absent device triggers the restart path.
	if !s.hub.IsConnected(s.activeProfile.device) {
		prevConf := s.prevConf
		s.unsafeStop()
		if err := s.unsafeStart(prevConf); err != nil {
			return nil, NewError("", ErrCodeDisconnected,
				fmt.Sprintf("Device disconnected. Failed to reconnect: %s %d", err, timeout.Milliseconds()))
		}
		agg = s.currentAggregator()
		if agg.dequeue(&set, timeout) {
			return set, nil
		}
	}

	return nil, NewError("", ErrCodeTimeout,
		fmt.Sprintf("Frame didn't arrive within %d", timeout.Milliseconds()))
}

// PollForFrames returns a pending frameset without blocking.
func (s *SyncStreamer) PollForFrames() (*FrameSet, bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.activeProfile == nil {
		return nil, false, NewError("POLL_FOR_FRAMES", ErrCodeSequence,
			"poll_for_frames cannot be called before start()")
	}

	var set *FrameSet
	if s.currentAggregator().tryDequeue(&set) {
		return set, true, nil
	}
	return nil, false, nil
}

// TryWaitForFrames is WaitForFrames that reports absence instead of failing.
func (s *SyncStreamer) TryWaitForFrames(timeout time.Duration) (*FrameSet, bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.activeProfile == nil {
		return nil, false, NewError("TRY_WAIT_FOR_FRAMES", ErrCodeSequence,
			"try_wait_for_frames cannot be called before start()")
	}

	agg := s.currentAggregator()
	var set *FrameSet
	if agg.dequeue(&set, timeout) {
		return set, true, nil
	}

	if !s.hub.IsConnected(s.activeProfile.device) {
		prevConf := s.prevConf
		s.unsafeStop()
		if err := s.unsafeStart(prevConf); err != nil {
			logging.Info("reconnect failed", "error", err)
			return nil, false, nil
		}
		agg = s.currentAggregator()
		if agg.dequeue(&set, timeout) {
			return set, true, nil
		}
	}
	return nil, false, nil
}
