// Package uvc implements the streaming engine for UVC bulk payloads: a
// pooled frame archive, the payload parser, the publish loop and the
// watchdog-driven endpoint recovery.
package uvc

import (
	"sync"
)

// ArchiveCapacity is the fixed number of frames a FrameArchive holds.
const ArchiveCapacity = 32

// FrameObject is the parsed view over one payload: header and pixel spans
// into the frame's buffer.
type FrameObject struct {
	DataLen   int
	HeaderLen int
	// Data is the pixel span (after the payload header).
	Data []byte
	// Header is the full payload from byte zero.
	Header []byte
}

// Frame is one pooled payload buffer. Pixels is pre-sized to the stream's
// read length; Object is filled by the parser.
type Frame struct {
	Pixels []byte
	Object FrameObject
	owner  *FrameArchive
}

// FrameArchive is a fixed-capacity pool of frames. Allocation blocks while
// the pool is drained and fails once allocation is stopped; shutdown waits
// until every outstanding frame has come home.
type FrameArchive struct {
	mu         sync.Mutex
	cv         *sync.Cond
	free       []*Frame
	live       int
	allocating bool
}

// NewFrameArchive builds a pool of ArchiveCapacity frames, each with a
// buffer of bufferSize bytes.
func NewFrameArchive(bufferSize int) *FrameArchive {
	a := &FrameArchive{allocating: true}
	a.cv = sync.NewCond(&a.mu)
	for i := 0; i < ArchiveCapacity; i++ {
		a.free = append(a.free, &Frame{
			Pixels: make([]byte, bufferSize),
			owner:  a,
		})
	}
	return a
}

// Allocate takes a frame from the pool, blocking while the pool is empty.
// It returns nil once StopAllocation has been called.
func (a *FrameArchive) Allocate() *Frame {
	a.mu.Lock()
	defer a.mu.Unlock()
	for len(a.free) == 0 && a.allocating {
		a.cv.Wait()
	}
	if !a.allocating {
		return nil
	}
	f := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	a.live++
	return f
}

// Deallocate returns a frame to the pool and wakes allocators and the
// shutdown waiter.
func (a *FrameArchive) Deallocate(f *Frame) {
	if f == nil {
		return
	}
	a.mu.Lock()
	a.free = append(a.free, f)
	a.live--
	a.mu.Unlock()
	a.cv.Broadcast()
}

// StopAllocation makes every current and future Allocate return nil.
func (a *FrameArchive) StopAllocation() {
	a.mu.Lock()
	a.allocating = false
	a.mu.Unlock()
	a.cv.Broadcast()
}

// WaitUntilEmpty blocks until every outstanding frame has been returned.
// This is the only safe point to drop the archive's backing memory.
func (a *FrameArchive) WaitUntilEmpty() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for a.live > 0 {
		a.cv.Wait()
	}
}

// Live reports the number of frames currently out of the pool.
func (a *FrameArchive) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}
