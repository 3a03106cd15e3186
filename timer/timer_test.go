// timer_test.go — ordering, cancellation, refresh and recurrence
// semantics, driven by a manual expiry pump.
package timer

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// pump drains expired callbacks every few milliseconds until stop.
func pump(m *Manager, stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-stop:
			return
		case <-time.After(2 * time.Millisecond):
			for _, cb := range m.ListExpired() {
				cb()
			}
		}
	}
}

func startPump(m *Manager) func() {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go pump(m, stop, &wg)
	return func() {
		close(stop)
		wg.Wait()
	}
}

func TestNextTimeoutEmpty(t *testing.T) {
	m := NewManager()
	if m.NextTimeout() != NoTimeout {
		t.Error("empty manager must report NoTimeout")
	}
	if m.HasTimer() {
		t.Error("empty manager has a timer")
	}
}

func TestExpiryOrder(t *testing.T) {
	m := NewManager()
	var mu sync.Mutex
	var order []int

	record := func(i int) func() {
		return func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}
	}
	m.AddTimer(30, record(3), false)
	m.AddTimer(10, record(1), false)
	m.AddTimer(20, record(2), false)

	if d := m.NextTimeout(); d > 10 {
		t.Errorf("next timeout %d, want <= 10", d)
	}

	stop := startPump(m)
	time.Sleep(60 * time.Millisecond)
	stop()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("firing order %v", order)
	}
}

func TestCancelTwiceIsNoop(t *testing.T) {
	m := NewManager()
	var fired int32
	tm := m.AddTimer(20, func() { atomic.AddInt32(&fired, 1) }, false)

	if !tm.Cancel() {
		t.Error("first cancel failed")
	}
	if tm.Cancel() {
		t.Error("second cancel reported success")
	}
	if m.HasTimer() {
		t.Error("cancelled timer still in the set")
	}

	stop := startPump(m)
	time.Sleep(40 * time.Millisecond)
	stop()
	if atomic.LoadInt32(&fired) != 0 {
		t.Error("cancelled timer fired")
	}
}

func TestRefreshDelaysFiring(t *testing.T) {
	m := NewManager()
	start := time.Now()
	var mu sync.Mutex
	var firings []time.Duration

	tm := m.AddTimer(100, func() {
		mu.Lock()
		firings = append(firings, time.Since(start))
		mu.Unlock()
	}, true)

	stop := startPump(m)
	time.Sleep(50 * time.Millisecond)
	tm.Refresh() // re-base: next firing at ~150ms from start
	time.Sleep(230 * time.Millisecond)
	stop()
	tm.Cancel()

	mu.Lock()
	defer mu.Unlock()
	if len(firings) < 2 {
		t.Fatalf("got %d firings", len(firings))
	}
	if firings[0] < 140*time.Millisecond || firings[0] > 190*time.Millisecond {
		t.Errorf("first firing at %v, want ~150ms", firings[0])
	}
	gap := firings[1] - firings[0]
	if gap < 80*time.Millisecond || gap > 140*time.Millisecond {
		t.Errorf("recurrence gap %v, want ~100ms", gap)
	}
}

func TestResetFromNow(t *testing.T) {
	m := NewManager()
	var fired int32
	tm := m.AddTimer(10, func() { atomic.AddInt32(&fired, 1) }, false)
	if !tm.Reset(80, true) {
		t.Fatal("reset failed")
	}

	stop := startPump(m)
	time.Sleep(40 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Error("fired before the reset deadline")
	}
	time.Sleep(70 * time.Millisecond)
	stop()
	if atomic.LoadInt32(&fired) != 1 {
		t.Error("did not fire after the reset deadline")
	}
}

func TestConditionTimerLiveness(t *testing.T) {
	m := NewManager()
	var fired, skipped int32

	alive := true
	m.AddConditionTimer(10, func() { atomic.AddInt32(&fired, 1) },
		func() bool { return alive }, false)
	m.AddConditionTimer(10, func() { atomic.AddInt32(&skipped, 1) },
		func() bool { return false }, false)

	stop := startPump(m)
	time.Sleep(40 * time.Millisecond)
	stop()

	if atomic.LoadInt32(&fired) != 1 {
		t.Error("live condition did not fire")
	}
	if atomic.LoadInt32(&skipped) != 0 {
		t.Error("dead condition fired")
	}
}

func TestRecurringReinsertion(t *testing.T) {
	m := NewManager()
	var count int32
	tm := m.AddTimer(15, func() { atomic.AddInt32(&count, 1) }, true)

	stop := startPump(m)
	time.Sleep(80 * time.Millisecond)
	stop()
	tm.Cancel()

	if c := atomic.LoadInt32(&count); c < 3 {
		t.Errorf("recurring timer fired %d times in 80ms", c)
	}
	if m.HasTimer() {
		t.Error("cancelled recurring timer still armed")
	}
}

func TestFrontHook(t *testing.T) {
	m := NewManager()
	var woken int32
	m.SetFrontHook(func() { atomic.AddInt32(&woken, 1) })

	m.AddTimer(1000, func() {}, false)
	if atomic.LoadInt32(&woken) != 1 {
		t.Error("head insertion did not fire the hook")
	}

	// A later deadline does not change the head; tickled flag still set.
	m.AddTimer(2000, func() {}, false)
	if atomic.LoadInt32(&woken) != 1 {
		t.Error("non-head insertion fired the hook")
	}

	// NextTimeout re-arms the notification.
	m.NextTimeout()
	m.AddTimer(10, func() {}, false)
	if atomic.LoadInt32(&woken) != 2 {
		t.Error("new head after NextTimeout did not fire the hook")
	}
}
