//go:build linux

// File: iomanager/iomanager.go
// Author: corvene team
// License: Apache-2.0
//
// Readiness-driven scheduler: the idle path of the base scheduler is
// replaced with an epoll wait bounded by the next timer deadline. Each
// registered descriptor owns per-event handler slots (a fiber to resume
// or a callable to schedule); a wake pipe registered with the poller
// lets Tickle interrupt the wait when new work or an earlier deadline
// arrives.

package iomanager

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/corvene/fiberio/api"
	"github.com/corvene/fiberio/control"
	"github.com/corvene/fiberio/fiber"
	"github.com/corvene/fiberio/internal/xlog"
	"github.com/corvene/fiberio/scheduler"
	"github.com/corvene/fiberio/timer"
)

var logger = xlog.Named("system")

// EventType is the readiness event bitset. Values match epoll's read
// and write bits so masks compose directly with the kernel's.
type EventType uint32

const (
	EventNone  EventType = 0
	EventRead  EventType = unix.EPOLLIN  // 0x1
	EventWrite EventType = unix.EPOLLOUT // 0x4
)

// Poll tuning defaults; the running values come from the control store
// at construction (performance knobs only, never correctness).
const (
	defaultPollBatch    = 256
	defaultMaxTimeoutMS = 3000
)

// eventHandler is one armed waiter: exactly one of fiber or callback,
// plus the scheduler that will run it.
type eventHandler struct {
	sched *scheduler.Scheduler
	fiber *fiber.Fiber
	cb    func()
}

func (h *eventHandler) reset() { *h = eventHandler{} }

// fdContext carries the registered event mask and handler slots of one
// descriptor. Its mutex is fine-grained to the fd.
type fdContext struct {
	mu     sync.Mutex
	fd     int
	events EventType
	read   eventHandler
	write  eventHandler
}

func (c *fdContext) handlerFor(event EventType) *eventHandler {
	switch event {
	case EventRead:
		return &c.read
	case EventWrite:
		return &c.write
	}
	panic(fmt.Sprintf("iomanager: bad event %#x", uint32(event)))
}

// IOManager multiplexes fibers over kernel readiness and timers.
type IOManager struct {
	*scheduler.Scheduler
	*timer.Manager

	epfd  int
	wakeR int
	wakeW int

	pollBatch    int
	maxTimeoutMS int

	pendingEvents atomic.Int64

	mu         sync.RWMutex // structural: guards fdContexts growth
	fdContexts []*fdContext
}

// New builds and starts an IOManager. Poller or pipe creation failure
// is fatal: the runtime cannot operate without them.
func New(threads int, useCaller bool, name string) *IOManager {
	cfg := control.Default()
	io := &IOManager{
		Scheduler:    scheduler.New(threads, useCaller, name),
		Manager:      timer.NewManager(),
		pollBatch:    int(cfg.Int64(control.KeyPollBatchSize, defaultPollBatch)),
		maxTimeoutMS: int(cfg.Int64(control.KeyMaxPollTimeoutMS, defaultMaxTimeoutMS)),
	}
	if io.pollBatch <= 0 {
		io.pollBatch = defaultPollBatch
	}
	if io.maxTimeoutMS <= 0 {
		io.maxTimeoutMS = defaultMaxTimeoutMS
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		panic(api.Wrap("iomanager: epoll create", err))
	}
	io.epfd = epfd

	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		panic(api.Wrap("iomanager: wake pipe", err))
	}
	io.wakeR, io.wakeW = p[0], p[1]

	ev := unix.EpollEvent{
		Events: uint32(unix.EPOLLIN) | unix.EPOLLET,
		Fd:     int32(io.wakeR),
	}
	if err := unix.EpollCtl(io.epfd, unix.EPOLL_CTL_ADD, io.wakeR, &ev); err != nil {
		panic(api.Wrap("iomanager: register wake pipe", err))
	}

	io.contextResize(32)
	io.SetFrontHook(io.Tickle)
	io.SetImpl(io)
	if err := io.Start(); err != nil {
		panic(err)
	}
	return io
}

// GetThis returns the IOManager driving the calling goroutine, or nil.
func GetThis() *IOManager {
	s := scheduler.GetThis()
	if s == nil {
		return nil
	}
	if io, ok := s.Self().(*IOManager); ok {
		return io
	}
	return nil
}

// contextResize grows the fd-slot vector under the structural lock.
func (io *IOManager) contextResize(size int) {
	io.mu.Lock()
	defer io.mu.Unlock()
	if size <= len(io.fdContexts) {
		return
	}
	grown := make([]*fdContext, size)
	copy(grown, io.fdContexts)
	for i := range grown {
		if grown[i] == nil {
			grown[i] = &fdContext{fd: i}
		}
	}
	io.fdContexts = grown
}

func (io *IOManager) contextFor(fd int) *fdContext {
	io.mu.RLock()
	if fd < len(io.fdContexts) {
		ctx := io.fdContexts[fd]
		io.mu.RUnlock()
		return ctx
	}
	io.mu.RUnlock()
	io.contextResize(fd * 2)
	io.mu.RLock()
	defer io.mu.RUnlock()
	return io.fdContexts[fd]
}

// AddEvent arms a handler for event on fd. With a nil callback the
// current fiber is captured as the waiter and resumed on readiness.
// Double-arming an occupied slot is a contract violation.
func (io *IOManager) AddEvent(fd int, event EventType, cb func()) error {
	ctx := io.contextFor(fd)

	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if ctx.events&event != 0 {
		panic(api.Wrap(fmt.Sprintf("iomanager: add fd %d event %#x (mask %#x)",
			fd, uint32(event), uint32(ctx.events)), api.ErrEventExists))
	}

	op := unix.EPOLL_CTL_MOD
	if ctx.events == EventNone {
		op = unix.EPOLL_CTL_ADD
	}
	ev := unix.EpollEvent{
		Events: unix.EPOLLET | uint32(ctx.events|event),
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(io.epfd, op, fd, &ev); err != nil {
		logger.Errorf("epoll_ctl(%d, %d, %d, %#x): %v", io.epfd, op, fd, ev.Events, err)
		return api.Wrap("iomanager: epoll_ctl", err)
	}

	io.pendingEvents.Add(1)
	ctx.events |= event

	h := ctx.handlerFor(event)
	h.sched = io.Scheduler
	if cb != nil {
		h.cb = cb
	} else {
		h.fiber = fiber.Current()
		if h.fiber == nil || h.fiber.State() != fiber.RUNNING {
			panic("iomanager: AddEvent without callback outside a running fiber")
		}
	}
	return nil
}

// DelEvent disarms a handler without firing it. ErrEventNotFound when
// nothing is registered for event on fd.
func (io *IOManager) DelEvent(fd int, event EventType) error {
	ctx := io.contextFor(fd)

	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if ctx.events&event == 0 {
		return api.Wrap("iomanager: del event", api.ErrEventNotFound)
	}

	left := ctx.events &^ event
	if err := io.rearm(fd, left); err != nil {
		return err
	}
	ctx.events = left
	ctx.handlerFor(event).reset()
	io.pendingEvents.Add(-1)
	return nil
}

// CancelEvent disarms a handler and schedules it as if the event fired.
func (io *IOManager) CancelEvent(fd int, event EventType) error {
	ctx := io.contextFor(fd)

	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if ctx.events&event == 0 {
		return api.Wrap("iomanager: cancel event", api.ErrEventNotFound)
	}

	left := ctx.events &^ event
	if err := io.rearm(fd, left); err != nil {
		return err
	}
	io.triggerEvent(ctx, event)
	return nil
}

// CancelAll cancels both READ and WRITE on fd, firing the handlers.
func (io *IOManager) CancelAll(fd int) error {
	ctx := io.contextFor(fd)

	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if ctx.events == EventNone {
		return api.Wrap("iomanager: cancel all", api.ErrEventNotFound)
	}

	if err := io.rearm(fd, EventNone); err != nil {
		return err
	}
	if ctx.events&EventRead != 0 {
		io.triggerEvent(ctx, EventRead)
	}
	if ctx.events&EventWrite != 0 {
		io.triggerEvent(ctx, EventWrite)
	}
	return nil
}

// rearm updates the kernel interest set for fd to the given mask.
func (io *IOManager) rearm(fd int, events EventType) error {
	op := unix.EPOLL_CTL_DEL
	var evp *unix.EpollEvent
	if events != EventNone {
		op = unix.EPOLL_CTL_MOD
		evp = &unix.EpollEvent{
			Events: unix.EPOLLET | uint32(events),
			Fd:     int32(fd),
		}
	}
	if err := unix.EpollCtl(io.epfd, op, fd, evp); err != nil {
		logger.Errorf("epoll_ctl(%d, %d, %d): %v", io.epfd, op, fd, err)
		return api.Wrap("iomanager: epoll_ctl", err)
	}
	return nil
}

// triggerEvent fires the handler for event and clears its slot.
// Caller holds ctx.mu; the registered mask must contain event.
func (io *IOManager) triggerEvent(ctx *fdContext, event EventType) {
	if ctx.events&event == 0 {
		panic(fmt.Sprintf("iomanager: trigger of unregistered event %#x on fd %d",
			uint32(event), ctx.fd))
	}
	ctx.events &^= event

	h := ctx.handlerFor(event)
	if h.cb != nil {
		h.sched.ScheduleCallback(h.cb)
	} else if h.fiber != nil {
		h.sched.ScheduleFiber(h.fiber)
	}
	h.reset()
	io.pendingEvents.Add(-1)
}

// PendingEvents returns the number of armed handler slots.
func (io *IOManager) PendingEvents() int64 { return io.pendingEvents.Load() }

// Tickle writes one byte to the wake pipe so an idle worker returns
// from its poll. Payload bytes are discarded by the reader.
func (io *IOManager) Tickle() {
	if io.IdleThreads() == 0 {
		return
	}
	if _, err := unix.Write(io.wakeW, []byte{'T'}); err != nil && err != unix.EAGAIN {
		logger.Errorf("wake pipe write: %v", err)
	}
}

// Stopping extends the base condition: no armed timers, no pending
// I/O handlers, queue drained, stop requested.
func (io *IOManager) Stopping() bool {
	return io.NextTimeout() == timer.NoTimeout &&
		io.pendingEvents.Load() == 0 &&
		io.Scheduler.Stopping()
}

// Idle is the event loop proper: poll the kernel bounded by the next
// timer deadline, drain expired timers, dispatch readiness, yield.
func (io *IOManager) Idle() {
	logger.Debugf("iomanager %s idle", io.Name())
	events := make([]unix.EpollEvent, io.pollBatch)

	for {
		if io.Stopping() {
			logger.Debugf("iomanager %s idle exit", io.Name())
			return
		}

		timeout := io.maxTimeoutMS
		if next := io.NextTimeout(); next != timer.NoTimeout && next < uint64(io.maxTimeoutMS) {
			timeout = int(next)
		}

		n, err := unix.EpollWait(io.epfd, events, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			logger.Errorf("epoll_wait(%d): %v", io.epfd, err)
			continue
		}

		// Deadlines first, then readiness, in poller order.
		for _, cb := range io.ListExpired() {
			io.ScheduleCallback(cb)
		}

		for i := 0; i < n; i++ {
			ev := events[i]
			if int(ev.Fd) == io.wakeR {
				io.drainWakePipe()
				continue
			}
			io.dispatch(int(ev.Fd), ev.Events)
		}

		// Hand freshly scheduled tasks to the run loop.
		fiber.YieldToReady()
	}
}

func (io *IOManager) drainWakePipe() {
	var buf [256]byte
	for {
		if _, err := unix.Read(io.wakeR, buf[:]); err != nil {
			return
		}
	}
}

// dispatch fires the handlers matching the kernel-reported readiness
// and rearms the descriptor with whatever mask remains.
func (io *IOManager) dispatch(fd int, kernelEvents uint32) {
	io.mu.RLock()
	if fd >= len(io.fdContexts) {
		io.mu.RUnlock()
		return
	}
	ctx := io.fdContexts[fd]
	io.mu.RUnlock()

	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	// Error and hangup wake every waiter on the descriptor.
	if kernelEvents&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		kernelEvents |= uint32(EventRead|EventWrite) & uint32(ctx.events)
	}
	real := EventType(kernelEvents) & ctx.events
	if real == EventNone {
		return
	}

	left := ctx.events &^ real
	if io.rearm(fd, left) != nil {
		return
	}
	if real&EventRead != 0 {
		io.triggerEvent(ctx, EventRead)
	}
	if real&EventWrite != 0 {
		io.triggerEvent(ctx, EventWrite)
	}
}

// Close stops the scheduler, then tears down the poller and wake pipe.
func (io *IOManager) Close() error {
	io.Stop()
	if err := unix.Close(io.epfd); err != nil {
		return api.Wrap("iomanager: close epoll", err)
	}
	unix.Close(io.wakeR)
	unix.Close(io.wakeW)
	return nil
}
