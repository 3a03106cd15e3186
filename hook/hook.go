//go:build linux

// File: hook/hook.go
// Author: corvene team
// License: Apache-2.0
//
// Cooperative replacements for blocking syscalls. Inside a scheduler
// worker (hook switch on) a would-block operation registers a readiness
// event with the IOManager, optionally arms a timeout timer, and parks
// the calling fiber; the kernel's readiness report re-schedules it and
// the operation is retried. Outside a fiber, the sleep and I/O wrappers
// degrade to the native call; the fcntl, ioctl and timeout-sockopt
// wrappers still go through the descriptor registry.

package hook

import (
	"errors"
	"sync/atomic"
	"time"
	"weak"

	"golang.org/x/sys/unix"

	"github.com/corvene/fiberio/api"
	"github.com/corvene/fiberio/fdmgr"
	"github.com/corvene/fiberio/fiber"
	"github.com/corvene/fiberio/internal/xlog"
	"github.com/corvene/fiberio/iomanager"
	"github.com/corvene/fiberio/scheduler"
	"github.com/corvene/fiberio/timer"
)

var logger = xlog.Named("system")

// Enabled reports whether the calling goroutine runs with hooking on.
// Scheduler workers set the switch when they enter the run loop.
func Enabled() bool {
	return scheduler.HookEnabled()
}

// active reports whether a cooperative suspension is possible here:
// hook switch on, inside a fiber, with an IOManager driving the lane.
func active() bool {
	return Enabled() && fiber.Current() != nil && iomanager.GetThis() != nil
}

// Sleep suspends the calling fiber for d without blocking its worker.
// Outside a fiber it falls back to time.Sleep.
func Sleep(d time.Duration) {
	if !active() {
		time.Sleep(d)
		return
	}
	f := fiber.Current()
	iom := iomanager.GetThis()
	iom.AddTimer(uint64(d/time.Millisecond), func() {
		iom.ScheduleFiber(f)
	}, false)
	f.Yield()
}

// Usleep suspends for usec microseconds.
func Usleep(usec uint64) {
	Sleep(time.Duration(usec) * time.Microsecond)
}

// Nanosleep suspends for the given duration with nanosecond arguments.
func Nanosleep(d time.Duration) {
	Sleep(d)
}

// timerInfo is the shared marker between a waiting fiber and its
// timeout timer. The timer holds it weakly: once the wait unwinds and
// drops the record, a late timer fires into nothing.
type timerInfo struct {
	cancelled atomic.Int32 // errno, ETIMEDOUT when the timeout fired
}

// doIO is the retry loop shared by every hooked I/O primitive.
// timeoutKind selects the FdContext timeout (unix.SO_RCVTIMEO or
// unix.SO_SNDTIMEO) that bounds the wait.
func doIO(fd int, event iomanager.EventType, timeoutKind int, fn func() (int, error)) (int, error) {
	if !active() {
		return ignoringEINTR(fn)
	}
	ctx := fdmgr.Instance().Get(fd, false)
	if ctx == nil {
		return ignoringEINTR(fn)
	}
	if ctx.IsClosed() {
		return -1, unix.EBADF
	}
	if !ctx.IsSocket() || ctx.UserNonblock() {
		return ignoringEINTR(fn)
	}

	timeoutMS := ctx.Timeout(timeoutKind)

	for {
		n, err := ignoringEINTR(fn)
		if err != unix.EAGAIN {
			return n, err
		}

		iom := iomanager.GetThis()
		tinfo := &timerInfo{}
		var t *timer.Timer
		if timeoutMS != fdmgr.Infinite {
			wp := weak.Make(tinfo)
			t = iom.AddConditionTimer(uint64(timeoutMS), func() {
				ti := wp.Value()
				if ti == nil || ti.cancelled.Load() != 0 {
					return
				}
				ti.cancelled.Store(int32(unix.ETIMEDOUT))
				// Not-found just means the readiness won the race.
				if err := iom.CancelEvent(fd, event); err != nil && !errors.Is(err, api.ErrEventNotFound) {
					logger.Errorf("timeout cancel fd %d: %v", fd, err)
				}
			}, func() bool { return wp.Value() != nil }, false)
		}

		if err := iom.AddEvent(fd, event, nil); err != nil {
			logger.Errorf("doIO(%d, %#x) add event: %v", fd, uint32(event), err)
			if t != nil {
				t.Cancel()
			}
			return -1, err
		}

		fiber.YieldToReady()

		if t != nil {
			t.Cancel()
		}
		if errno := tinfo.cancelled.Load(); errno != 0 {
			return -1, unix.Errno(errno)
		}
		// Readiness reported (or the wait was cancelled): retry.
	}
}

// ignoringEINTR retries fn until it returns anything but EINTR.
func ignoringEINTR(fn func() (int, error)) (int, error) {
	for {
		n, err := fn()
		if err != unix.EINTR {
			return n, err
		}
	}
}
