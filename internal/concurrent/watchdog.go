package concurrent

import (
	"sync"
	"time"
)

// Watchdog fires an operation whenever a full period passes without a kick.
// The streaming engine kicks it on every received payload, so a firing
// watchdog means a stalled pipe.
type Watchdog struct {
	mu        sync.Mutex
	timeout   time.Duration
	kicked    bool
	isRunning bool
	operation func()
	watcher   *ActiveObject
}

// NewWatchdog creates a stopped watchdog that runs operation after timeout
// elapses without a kick.
func NewWatchdog(operation func(), timeout time.Duration) *Watchdog {
	w := &Watchdog{
		timeout:   timeout,
		operation: operation,
	}
	w.watcher = NewActiveObject(func(t *CancellableTimer) {
		if t.TrySleep(w.currentTimeout()) {
			w.mu.Lock()
			kicked := w.kicked
			w.mu.Unlock()
			if !kicked {
				w.operation()
			}
			w.mu.Lock()
			w.kicked = false
			w.mu.Unlock()
		}
	})
	return w
}

// Start arms the watchdog.
func (w *Watchdog) Start() {
	w.mu.Lock()
	w.isRunning = true
	w.mu.Unlock()
	w.watcher.Start()
}

// Stop disarms the watchdog.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	w.isRunning = false
	w.mu.Unlock()
	w.watcher.Stop()
}

// Close stops the watchdog and releases its worker.
func (w *Watchdog) Close() {
	w.Stop()
	w.watcher.Close()
}

// Running reports whether the watchdog is armed.
func (w *Watchdog) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.isRunning
}

// Kick marks the current period as alive.
func (w *Watchdog) Kick() {
	w.mu.Lock()
	w.kicked = true
	w.mu.Unlock()
}

// SetTimeout adjusts the period checked by the next pass.
func (w *Watchdog) SetTimeout(timeout time.Duration) {
	w.mu.Lock()
	w.timeout = timeout
	w.mu.Unlock()
}

func (w *Watchdog) currentTimeout() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timeout
}
