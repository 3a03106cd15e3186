//go:build linux

// hook_test.go — cooperative sleeps, would-block suspension over
// socketpairs, timeout delivery.
package hook

import (
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/corvene/fiberio/fdmgr"
	"github.com/corvene/fiberio/iomanager"
)

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	// Register with the descriptor manager the way hooked socket
	// creation would.
	fdmgr.Instance().Get(fds[0], true)
	fdmgr.Instance().Get(fds[1], true)
	t.Cleanup(func() {
		fdmgr.Instance().Del(fds[0])
		fdmgr.Instance().Del(fds[1])
	})
	return fds[0], fds[1]
}

func TestSleepDoesNotBlockWorker(t *testing.T) {
	iom := iomanager.New(1, false, "sleep")
	defer iom.Stop()

	var done int32
	start := time.Now()
	for i := 0; i < 2; i++ {
		iom.ScheduleCallback(func() {
			Sleep(200 * time.Millisecond)
			atomic.AddInt32(&done, 1)
		})
	}

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&done) != 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if atomic.LoadInt32(&done) != 2 {
		t.Fatal("sleeps never completed")
	}
	elapsed := time.Since(start)
	// Two overlapping 200ms sleeps on one worker: concurrent, not serial.
	if elapsed > 330*time.Millisecond {
		t.Errorf("sleeps serialized: %v", elapsed)
	}
	if elapsed < 190*time.Millisecond {
		t.Errorf("sleeps returned early: %v", elapsed)
	}
}

func TestSleepOutsideFiberFallsBack(t *testing.T) {
	start := time.Now()
	Sleep(20 * time.Millisecond)
	if time.Since(start) < 18*time.Millisecond {
		t.Error("fallback sleep returned early")
	}
}

func TestReadSuspendsUntilData(t *testing.T) {
	iom := iomanager.New(2, false, "read")
	defer iom.Stop()

	a, b := socketPair(t)
	defer unix.Close(b)

	type result struct {
		n   int
		err error
		buf [8]byte
	}
	res := make(chan result, 1)
	iom.ScheduleCallback(func() {
		var r result
		r.n, r.err = Read(a, r.buf[:])
		res <- r
	})

	time.Sleep(50 * time.Millisecond) // let the reader park
	if _, err := unix.Write(b, []byte("pong")); err != nil {
		t.Fatal(err)
	}

	select {
	case r := <-res:
		if r.err != nil || r.n != 4 || string(r.buf[:4]) != "pong" {
			t.Errorf("read: n=%d err=%v buf=%q", r.n, r.err, r.buf[:4])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reader never resumed")
	}
	Close(a)
}

func TestReadTimeout(t *testing.T) {
	iom := iomanager.New(2, false, "read-timeout")
	defer iom.Stop()

	a, b := socketPair(t)
	defer unix.Close(b)
	SetTimeoutMS(a, unix.SO_RCVTIMEO, 100)

	type result struct {
		err     error
		elapsed time.Duration
	}
	res := make(chan result, 1)
	iom.ScheduleCallback(func() {
		start := time.Now()
		var buf [4]byte
		_, err := Read(a, buf[:])
		res <- result{err: err, elapsed: time.Since(start)}
	})

	select {
	case r := <-res:
		if r.err != unix.ETIMEDOUT {
			t.Errorf("err = %v, want ETIMEDOUT", r.err)
		}
		if r.elapsed > 250*time.Millisecond {
			t.Errorf("timeout after %v, want ~100ms", r.elapsed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed-out read never returned")
	}
	Close(a)
}

func TestWriteSuspendsOnFullBuffer(t *testing.T) {
	iom := iomanager.New(2, false, "write")
	defer iom.Stop()

	a, b := socketPair(t)
	defer unix.Close(b)

	// Shrink the send buffer and pre-fill it from outside the hook.
	unix.SetsockoptInt(a, unix.SOL_SOCKET, unix.SO_SNDBUF, 4096)
	unix.SetNonblock(a, true)
	junk := make([]byte, 4096)
	for {
		if _, err := unix.Write(a, junk); err != nil {
			break
		}
	}

	var wrote int32
	iom.ScheduleCallback(func() {
		if _, err := Write(a, []byte("tail")); err == nil {
			atomic.AddInt32(&wrote, 1)
		}
	})

	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&wrote) != 0 {
		t.Fatal("write completed against a full buffer")
	}

	// Drain the peer; the parked writer must resume.
	drain := make([]byte, 64*1024)
	for i := 0; i < 64; i++ {
		unix.Read(b, drain)
	}
	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&wrote) != 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if atomic.LoadInt32(&wrote) != 1 {
		t.Fatal("writer never resumed")
	}
	Close(a)
}

func TestFcntlPreservesUserView(t *testing.T) {
	a, b := socketPair(t)
	defer unix.Close(a)
	defer unix.Close(b)

	flags, err := Fcntl(a, unix.F_GETFL, 0)
	if err != nil {
		t.Fatal(err)
	}
	// The manager forced kernel-level O_NONBLOCK, but the user never
	// asked for it.
	if flags&unix.O_NONBLOCK != 0 {
		t.Error("user view reports O_NONBLOCK")
	}

	if _, err := Fcntl(a, unix.F_SETFL, flags|unix.O_NONBLOCK); err != nil {
		t.Fatal(err)
	}
	flags, _ = Fcntl(a, unix.F_GETFL, 0)
	if flags&unix.O_NONBLOCK == 0 {
		t.Error("user-requested O_NONBLOCK lost")
	}
	if !fdmgr.Instance().Get(a, false).SysNonblock() {
		t.Error("kernel-level non-blocking mode dropped")
	}
}

func TestSetsockoptTimeoutIntercepted(t *testing.T) {
	a, b := socketPair(t)
	defer unix.Close(a)
	defer unix.Close(b)

	tv := unix.Timeval{Sec: 1, Usec: 500000}
	if err := SetsockoptTimeval(a, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		t.Fatal(err)
	}
	if got := TimeoutMS(a, unix.SO_RCVTIMEO); got != 1500 {
		t.Errorf("intercepted timeout = %d, want 1500", got)
	}
}
