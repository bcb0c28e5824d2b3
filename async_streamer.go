package camdrv

import (
	"sync"

	"github.com/ehrlich-b/go-camdrv/internal/logging"
)

// callbackKey addresses one registered callback. Index -1 is a wildcard.
type callbackKey struct {
	stream StreamType
	index  int
}

// AsyncStreamer fans incoming frames out to per-stream callbacks.
// Resolution order: exact (type, index), then (type, -1), then (Any, -1).
// Frames with no matching callback are dropped; that is not a fault.
type AsyncStreamer struct {
	*Streamer

	mu        sync.Mutex
	callbacks map[callbackKey]FrameCallback
}

// NewAsyncStreamer creates an asynchronous streamer over a fresh hub.
func NewAsyncStreamer() *AsyncStreamer {
	a := &AsyncStreamer{
		Streamer:  newStreamer(),
		callbacks: make(map[callbackKey]FrameCallback),
	}
	a.Streamer.handler = a.route
	return a
}

// SetCallback registers the callback for a stream. Use index -1 to match
// every index of the type, and StreamAny with index -1 as a catch-all.
func (a *AsyncStreamer) SetCallback(stream StreamType, index int, cb FrameCallback) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.callbacks[callbackKey{stream, index}] = cb
}

func (a *AsyncStreamer) lookup(stream StreamType, index int) (FrameCallback, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, key := range []callbackKey{
		{stream, index},
		{stream, -1},
		{StreamAny, -1},
	} {
		if cb, ok := a.callbacks[key]; ok {
			return cb, true
		}
	}
	return nil, false
}

func (a *AsyncStreamer) route(f Frame) {
	cb, ok := a.lookup(f.Profile.Type, f.Profile.Index)
	if !ok {
		logging.Debug("no callback for stream", "stream", f.Profile.Type, "index", f.Profile.Index)
		return
	}
	cb(f)
}
