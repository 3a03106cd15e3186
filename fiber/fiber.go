// File: fiber/fiber.go
// Author: corvene team
// License: Apache-2.0
//
// Goroutine-backed cooperative fibers. Each fiber owns a parked
// goroutine; Resume hands control to it and blocks the caller until the
// fiber yields or terminates, Yield hands control back. The handshake
// runs over a one-slot resume channel and an unbuffered yield channel,
// so control transfer is a rendezvous: at any instant at most one fiber
// driven by a given worker is running.

package fiber

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/corvene/fiberio/internal/gls"
	"github.com/corvene/fiberio/internal/xlog"
)

var logger = xlog.Named("system")

// State of a fiber. Transitions: READY->RUNNING on resume,
// RUNNING->READY on yield, RUNNING->TERM when the entry returns.
type State int32

const (
	READY State = iota
	RUNNING
	TERM
)

func (s State) String() string {
	switch s {
	case READY:
		return "READY"
	case RUNNING:
		return "RUNNING"
	case TERM:
		return "TERM"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

const glsKeyCurrent = "fiber.current"

var (
	nextID     atomic.Uint64
	fiberCount atomic.Int64
)

// Fiber is a cooperatively scheduled execution context.
type Fiber struct {
	id             uint64
	state          atomic.Int32
	runInScheduler bool
	stackHint      int

	mu      sync.Mutex
	entry   func()
	started bool

	// resumeCh carries the resumer's goroutine-local snapshot so the
	// fiber body observes the scheduler context of whichever worker
	// drives it. One slot: an early re-schedule parks in the buffer
	// until the fiber reaches its next yield point.
	resumeCh chan map[string]any
	yieldCh  chan struct{}
}

// New creates a fiber in READY state. stackHint is advisory (goroutine
// stacks grow on demand); runInScheduler marks the fiber as owned by a
// scheduler run loop rather than by the goroutine that created it.
func New(entry func(), stackHint int, runInScheduler bool) *Fiber {
	if entry == nil {
		panic("fiber: nil entry")
	}
	f := &Fiber{
		id:             nextID.Add(1),
		runInScheduler: runInScheduler,
		stackHint:      stackHint,
		entry:          entry,
		resumeCh:       make(chan map[string]any, 1),
		yieldCh:        make(chan struct{}),
	}
	f.state.Store(int32(READY))
	fiberCount.Add(1)
	runtime.SetFinalizer(f, func(*Fiber) { fiberCount.Add(-1) })
	return f
}

// ID returns the process-unique fiber id.
func (f *Fiber) ID() uint64 { return f.id }

// State returns the current state.
func (f *Fiber) State() State { return State(f.state.Load()) }

// RunInScheduler reports whether the fiber is scheduler-driven.
func (f *Fiber) RunInScheduler() bool { return f.runInScheduler }

// Reset re-arms a terminated fiber with a new entry. Only legal in TERM.
func (f *Fiber) Reset(entry func()) {
	if entry == nil {
		panic("fiber: reset with nil entry")
	}
	if f.State() != TERM {
		panic(fmt.Sprintf("fiber: reset in state %v, want TERM", f.State()))
	}
	f.mu.Lock()
	f.entry = entry
	f.started = false
	f.state.Store(int32(READY))
	f.mu.Unlock()
}

// Resume transfers control into the fiber and blocks until it yields or
// terminates. Resuming a TERM fiber is a contract violation. A fiber
// that was re-scheduled while still draining its yield handshake may
// transiently read RUNNING here; the buffered token keeps that transfer
// ordered, so it is not an error.
func (f *Fiber) Resume() {
	if f.State() == TERM {
		panic(fmt.Sprintf("fiber: resume of TERM fiber %d", f.id))
	}
	f.mu.Lock()
	if !f.started {
		f.started = true
		go f.run()
	}
	f.mu.Unlock()

	f.resumeCh <- gls.Snapshot()
	<-f.yieldCh
}

// Yield suspends the calling fiber, returning control to its resumer.
// Only legal while RUNNING, from inside the fiber itself.
func (f *Fiber) Yield() {
	if Current() != f {
		panic("fiber: yield from outside the fiber")
	}
	if !f.state.CompareAndSwap(int32(RUNNING), int32(READY)) {
		panic(fmt.Sprintf("fiber: yield in state %v, want RUNNING", f.State()))
	}
	f.yieldCh <- struct{}{}
	snap := <-f.resumeCh
	gls.Restore(snap)
	gls.Set(glsKeyCurrent, f)
	f.state.Store(int32(RUNNING))
}

// run is the fiber goroutine body: one resume-to-TERM cycle, then exit.
// Reset respawns the goroutine on the next Resume.
func (f *Fiber) run() {
	defer gls.Clear()

	snap := <-f.resumeCh
	gls.Restore(snap)
	gls.Set(glsKeyCurrent, f)
	f.state.Store(int32(RUNNING))

	f.mu.Lock()
	entry := f.entry
	f.mu.Unlock()

	func() {
		defer func() {
			if r := recover(); r != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				logger.Errorf("fiber %d panic: %v\n%s", f.id, r, buf[:n])
			}
		}()
		entry()
	}()

	f.state.Store(int32(TERM))
	f.yieldCh <- struct{}{}
}

// Current returns the fiber the calling goroutine is executing, or nil
// when called from outside any fiber.
func Current() *Fiber {
	if v := gls.Get(glsKeyCurrent); v != nil {
		return v.(*Fiber)
	}
	return nil
}

// YieldToReady suspends the current fiber. Panics outside a fiber.
func YieldToReady() {
	f := Current()
	if f == nil {
		panic("fiber: yield outside a fiber")
	}
	f.Yield()
}

// Total returns the number of live fibers in the process.
func Total() int64 { return fiberCount.Load() }
