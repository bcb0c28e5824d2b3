package concurrent

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultFlushTimeout bounds Dispatcher.Flush when the caller does not care.
const DefaultFlushTimeout = 10 * time.Second

// Dispatcher runs posted continuations on a single worker goroutine.
// Continuations receive a CancellableTimer so long waits inside them unwind
// promptly when the dispatcher stops. A panicking continuation is swallowed
// to keep the worker alive.
type Dispatcher struct {
	queue *Queue[func(*CancellableTimer)]
	alive atomic.Bool
	wg    sync.WaitGroup

	stopped  atomic.Bool
	stopMu   sync.Mutex
	stopCond *sync.Cond
}

// CancellableTimer sleeps against its owning dispatcher's stopped flag.
type CancellableTimer struct {
	owner *Dispatcher
}

// TrySleep blocks for the given duration. It returns true when the full
// period elapsed and false when the sleep was cut short by the dispatcher
// stopping.
func (t *CancellableTimer) TrySleep(d time.Duration) bool {
	t.owner.stopMu.Lock()
	defer t.owner.stopMu.Unlock()

	deadline := time.Now().Add(d)
	for !t.owner.stopped.Load() {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}
		timer := time.AfterFunc(remaining, t.owner.stopCond.Broadcast)
		t.owner.stopCond.Wait()
		timer.Stop()
	}
	return false
}

// NewDispatcher creates a dispatcher with a queue bounded to capacity and
// starts its worker goroutine.
func NewDispatcher(capacity int) *Dispatcher {
	d := &Dispatcher{
		queue: NewQueue[func(*CancellableTimer)](capacity),
	}
	d.stopCond = sync.NewCond(&d.stopMu)
	d.alive.Store(true)
	d.wg.Add(1)
	go d.loop()
	return d
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	for d.alive.Load() {
		var item func(*CancellableTimer)
		if !d.queue.Dequeue(&item, DefaultDequeueTimeout) {
			continue
		}
		d.run(item)
	}
}

func (d *Dispatcher) run(item func(*CancellableTimer)) {
	defer func() {
		_ = recover()
	}()
	item(&CancellableTimer{owner: d})
}

// Invoke posts a continuation. With blocking set the producer suspends while
// the queue is above capacity; otherwise the oldest pending continuation is
// dropped. Posts after Stop are ignored.
func (d *Dispatcher) Invoke(item func(*CancellableTimer), blocking bool) {
	if d.stopped.Load() {
		return
	}
	if blocking {
		d.queue.BlockingEnqueue(item)
	} else {
		d.queue.Enqueue(item)
	}
}

// Start re-arms the dispatcher after Stop.
func (d *Dispatcher) Start() {
	d.stopMu.Lock()
	d.stopped.Store(false)
	d.stopMu.Unlock()
	d.queue.Start()
}

// Stop sets the stopped flag, wakes every cancellable sleep and flushes the
// queue. In-flight continuations run to completion. With clear set, pending
// continuations are discarded.
func (d *Dispatcher) Stop(clear bool) {
	d.stopMu.Lock()
	d.stopped.Store(true)
	d.stopMu.Unlock()
	d.stopCond.Broadcast()
	d.Flush(clear, DefaultFlushTimeout)
}

// Flush enqueues a sentinel continuation and waits for it to run, bounding
// the wait by timeout. It reports whether the sentinel was observed, which
// doubles as a liveness probe for the worker.
func (d *Dispatcher) Flush(clear bool, timeout time.Duration) bool {
	invoked := make(chan struct{})
	if clear {
		d.queue.Flush()
	}
	d.queue.Enqueue(func(*CancellableTimer) {
		close(invoked)
	})

	select {
	case <-invoked:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Empty reports whether no continuations are pending.
func (d *Dispatcher) Empty() bool {
	return d.queue.Size() == 0
}

// Close stops the dispatcher and joins its worker goroutine.
func (d *Dispatcher) Close() {
	d.Stop(true)
	d.alive.Store(false)
	d.queue.Flush()
	d.wg.Wait()
}
