package concurrent

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestDispatcher_InvokeRunsContinuation(t *testing.T) {
	d := NewDispatcher(10)
	defer d.Close()

	done := make(chan struct{})
	d.Invoke(func(*CancellableTimer) {
		close(done)
	}, false)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("continuation never ran")
	}
}

func TestDispatcher_FlushIsLivenessProbe(t *testing.T) {
	d := NewDispatcher(10)
	defer d.Close()

	if !d.Flush(false, time.Second) {
		t.Error("flush timed out on a healthy dispatcher")
	}
}

func TestDispatcher_PanicDoesNotKillWorker(t *testing.T) {
	d := NewDispatcher(10)
	defer d.Close()

	d.Invoke(func(*CancellableTimer) {
		panic("continuation failure")
	}, false)

	done := make(chan struct{})
	d.Invoke(func(*CancellableTimer) {
		close(done)
	}, false)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker died after panicking continuation")
	}
}

func TestDispatcher_StopPreventsInvoke(t *testing.T) {
	d := NewDispatcher(10)
	defer d.Close()

	d.Stop(true)

	var ran atomic.Bool
	d.Invoke(func(*CancellableTimer) {
		ran.Store(true)
	}, false)

	time.Sleep(50 * time.Millisecond)
	if ran.Load() {
		t.Error("continuation ran after stop")
	}

	d.Start()
	done := make(chan struct{})
	d.Invoke(func(*CancellableTimer) { close(done) }, false)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not resume after start")
	}
}

func TestCancellableTimer_SleepsFullPeriod(t *testing.T) {
	d := NewDispatcher(1)
	defer d.Close()

	result := make(chan bool, 1)
	d.Invoke(func(timer *CancellableTimer) {
		result <- timer.TrySleep(30 * time.Millisecond)
	}, false)

	select {
	case slept := <-result:
		if !slept {
			t.Error("TrySleep reported cancellation without stop")
		}
	case <-time.After(time.Second):
		t.Fatal("sleep never completed")
	}
}

func TestCancellableTimer_CancelledByStop(t *testing.T) {
	d := NewDispatcher(1)
	defer d.Close()

	result := make(chan bool, 1)
	d.Invoke(func(timer *CancellableTimer) {
		result <- timer.TrySleep(5 * time.Second)
	}, false)

	time.Sleep(20 * time.Millisecond)
	go d.Stop(true)

	select {
	case slept := <-result:
		if slept {
			t.Error("TrySleep reported a full sleep despite stop")
		}
	case <-time.After(time.Second):
		t.Fatal("sleep not cancelled by stop")
	}
}

func TestActiveObject_LoopsUntilStopped(t *testing.T) {
	var iterations atomic.Int32
	a := NewActiveObject(func(timer *CancellableTimer) {
		iterations.Add(1)
		timer.TrySleep(time.Millisecond)
	})
	defer a.Close()

	a.Start()
	time.Sleep(100 * time.Millisecond)
	a.Stop()

	n := iterations.Load()
	if n < 2 {
		t.Errorf("loop ran %d times, expected repeated execution", n)
	}

	time.Sleep(50 * time.Millisecond)
	if iterations.Load()-n > 1 {
		t.Error("loop kept running after stop")
	}
}

func TestWatchdog_FiresWhenNotKicked(t *testing.T) {
	var fired atomic.Int32
	w := NewWatchdog(func() {
		fired.Add(1)
	}, 30*time.Millisecond)
	defer w.Close()

	w.Start()
	time.Sleep(100 * time.Millisecond)
	w.Stop()

	if fired.Load() == 0 {
		t.Error("watchdog never fired without kicks")
	}
}

func TestWatchdog_KickSuppressesOperation(t *testing.T) {
	var fired atomic.Int32
	w := NewWatchdog(func() {
		fired.Add(1)
	}, 50*time.Millisecond)
	defer w.Close()

	w.Start()
	for i := 0; i < 10; i++ {
		w.Kick()
		time.Sleep(20 * time.Millisecond)
	}
	w.Stop()

	if fired.Load() != 0 {
		t.Errorf("watchdog fired %d times despite kicks", fired.Load())
	}
}

func TestWatchdog_Running(t *testing.T) {
	w := NewWatchdog(func() {}, time.Second)
	defer w.Close()

	if w.Running() {
		t.Error("watchdog reports running before start")
	}
	w.Start()
	if !w.Running() {
		t.Error("watchdog not running after start")
	}
	w.Stop()
	if w.Running() {
		t.Error("watchdog still running after stop")
	}
}
