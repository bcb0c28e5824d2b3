package concurrent

import "sync/atomic"

// ActiveObject runs an operation in a cooperative loop on a dedicated
// dispatcher of capacity one: each pass re-enqueues itself until stopped.
// The operation pauses and cancels through the timer it receives.
type ActiveObject struct {
	operation  func(*CancellableTimer)
	dispatcher *Dispatcher
	stopped    atomic.Bool
}

// NewActiveObject creates a stopped active object around operation.
func NewActiveObject(operation func(*CancellableTimer)) *ActiveObject {
	a := &ActiveObject{
		operation:  operation,
		dispatcher: NewDispatcher(1),
	}
	a.stopped.Store(true)
	return a
}

// Start begins the loop. Calling Start on a running object is harmless.
func (a *ActiveObject) Start() {
	a.stopped.Store(false)
	a.dispatcher.Start()
	a.doLoop()
}

// Stop ends the loop. The current pass runs to completion but does not
// re-enqueue itself.
func (a *ActiveObject) Stop() {
	a.stopped.Store(true)
	a.dispatcher.Stop(true)
}

// Close stops the loop and joins the worker goroutine.
func (a *ActiveObject) Close() {
	a.Stop()
	a.dispatcher.Close()
}

func (a *ActiveObject) doLoop() {
	a.dispatcher.Invoke(func(t *CancellableTimer) {
		a.operation(t)
		if !a.stopped.Load() {
			a.doLoop()
		}
	}, false)
}
