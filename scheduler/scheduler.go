// File: scheduler/scheduler.go
// Author: corvene team
// License: Apache-2.0
//
// M:N cooperative scheduler: fibers and callables are multiplexed over
// a fixed pool of worker lanes. Tasks are FIFO; a task may be pinned to
// one worker. The idle path and the worker wake-up are virtualized so
// an embedding event loop can substitute a kernel poll for the default
// spin-yield.

package scheduler

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"

	"github.com/corvene/fiberio/api"
	"github.com/corvene/fiberio/fiber"
	"github.com/corvene/fiberio/internal/gls"
	"github.com/corvene/fiberio/internal/xlog"
	"github.com/corvene/fiberio/thread"
)

var logger = xlog.Named("system")

const (
	glsKeyScheduler   = "scheduler.current"
	glsKeyHookEnabled = "hook.enabled"
)

// SetHookEnable flips the calling goroutine's syscall-hook switch.
// Workers enable it on entry to the run loop; code outside the
// scheduler keeps native blocking semantics.
func SetHookEnable(enabled bool) {
	gls.Set(glsKeyHookEnabled, enabled)
}

// HookEnabled reports the calling goroutine's hook switch.
func HookEnabled() bool {
	if v := gls.Get(glsKeyHookEnabled); v != nil {
		return v.(bool)
	}
	return false
}

// Task is one unit of scheduled work: a fiber to resume or a callable
// to wrap. ThreadID pins the task to a worker; AnyThread means any.
type Task struct {
	Fiber    *fiber.Fiber
	Callback func()
	ThreadID int64
}

// AnyThread schedules on whichever worker dequeues first.
const AnyThread int64 = -1

// runner is the virtual surface a subclass overrides.
type runner interface {
	Tickle()
	Idle()
	Stopping() bool
}

// Scheduler distributes tasks across worker lanes.
type Scheduler struct {
	name string

	mu     sync.Mutex
	shared *queue.Queue           // unpinned tasks, FIFO
	pinned map[int64]*queue.Queue // per-worker FIFO, keyed by lane id

	threads     []*thread.Thread
	threadIDs   []int64
	threadCount int

	activeCount atomic.Int32
	idleCount   atomic.Int32
	stopFlag    bool

	useCaller    bool
	rootFiber    *fiber.Fiber
	rootThreadID int64

	impl runner
}

// New creates a scheduler with the given worker count. With useCaller
// the constructing goroutine counts as one worker: it receives a root
// scheduling fiber whose entry is the run loop, resumed during Stop to
// drain the queue.
func New(threads int, useCaller bool, name string) *Scheduler {
	if threads <= 0 {
		panic("scheduler: thread count must be positive")
	}
	s := &Scheduler{
		name:         name,
		shared:       queue.New(),
		pinned:       make(map[int64]*queue.Queue),
		rootThreadID: AnyThread,
	}
	s.impl = s

	if useCaller {
		threads--
		if GetThis() != nil {
			panic("scheduler: caller goroutine already owns a scheduler")
		}
		s.useCaller = true
		s.setThis()
		s.rootThreadID = gls.ID()
		rootID := s.rootThreadID
		s.rootFiber = fiber.New(func() { s.run(rootID) }, 0, false)
		thread.SetName(name)
		s.threadIDs = append(s.threadIDs, s.rootThreadID)
	}
	s.threadCount = threads
	return s
}

// Name returns the scheduler name.
func (s *Scheduler) Name() string { return s.name }

// SetImpl installs the subclass for virtual dispatch. Must be called
// before Start.
func (s *Scheduler) SetImpl(r runner) {
	if r == nil {
		r = s
	}
	s.impl = r
}

func (s *Scheduler) setThis() { gls.Set(glsKeyScheduler, s) }

// GetThis returns the scheduler driving the calling goroutine, or nil.
func GetThis() *Scheduler {
	if v := gls.Get(glsKeyScheduler); v != nil {
		return v.(*Scheduler)
	}
	return nil
}

// Self returns the most-derived instance registered via SetImpl. An
// embedding event loop is recovered from it by type assertion.
func (s *Scheduler) Self() any { return s.impl }

// queuedLocked returns the total queue depth across all lanes.
func (s *Scheduler) queuedLocked() int {
	n := s.shared.Length()
	for _, q := range s.pinned {
		n += q.Length()
	}
	return n
}

// Schedule enqueues a task and reports whether the queue went from
// empty to non-empty. An idle worker is tickled on that transition.
func (s *Scheduler) Schedule(t Task) bool {
	need := s.enqueue(t)
	if need {
		s.impl.Tickle()
	}
	return need
}

// ScheduleFiber enqueues a fiber on any worker.
func (s *Scheduler) ScheduleFiber(f *fiber.Fiber) bool {
	return s.Schedule(Task{Fiber: f, ThreadID: AnyThread})
}

// ScheduleCallback enqueues a callable on any worker.
func (s *Scheduler) ScheduleCallback(cb func()) bool {
	return s.Schedule(Task{Callback: cb, ThreadID: AnyThread})
}

// ScheduleBatch enqueues every task atomically and tickles once if the
// queue was empty beforehand.
func (s *Scheduler) ScheduleBatch(tasks []Task) {
	need := false
	s.mu.Lock()
	for _, t := range tasks {
		need = s.enqueueLocked(t) || need
	}
	s.mu.Unlock()
	if need {
		s.impl.Tickle()
	}
}

func (s *Scheduler) enqueue(t Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueueLocked(t)
}

func (s *Scheduler) enqueueLocked(t Task) bool {
	if t.Fiber == nil && t.Callback == nil {
		panic("scheduler: empty task")
	}
	wasEmpty := s.queuedLocked() == 0
	if t.ThreadID == AnyThread {
		s.shared.Add(t)
	} else {
		q := s.pinned[t.ThreadID]
		if q == nil {
			q = queue.New()
			s.pinned[t.ThreadID] = q
		}
		q.Add(t)
	}
	return wasEmpty
}

// Start spawns the worker lanes. ErrSchedulerStopped after a stop was
// requested.
func (s *Scheduler) Start() error {
	logger.Debugf("scheduler %s start", s.name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopFlag {
		logger.Errorf("scheduler %s start after stop", s.name)
		return api.Wrap("scheduler "+s.name+": start", api.ErrSchedulerStopped)
	}
	if len(s.threads) != 0 {
		panic("scheduler: started twice")
	}
	for i := 0; i < s.threadCount; i++ {
		t := thread.New(func() { s.run(thread.This().ID()) },
			fmt.Sprintf("%s_%d", s.name, i))
		s.threads = append(s.threads, t)
		s.threadIDs = append(s.threadIDs, t.ID())
	}
	return nil
}

// Stopping reports whether a stop was requested, the queue is drained
// and no worker is mid-task. Virtual default.
func (s *Scheduler) Stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopFlag && s.queuedLocked() == 0 && s.activeCount.Load() == 0
}

// Tickle wakes an idle worker. Virtual default: nothing listens, the
// spin-yield idle path picks work up on its own.
func (s *Scheduler) Tickle() {
	logger.Debugf("scheduler %s tickle", s.name)
}

// Idle is what a worker runs when the queue is empty. Virtual default:
// yield back to the run loop until stop is requested.
func (s *Scheduler) Idle() {
	logger.Debugf("scheduler %s idle", s.name)
	for !s.impl.Stopping() {
		fiber.YieldToReady()
	}
}

// Stop requests termination, drains the queue and joins the workers.
// In use-caller mode only the constructing goroutine may call it.
func (s *Scheduler) Stop() {
	logger.Debugf("scheduler %s stop", s.name)
	if s.impl.Stopping() {
		return
	}
	s.mu.Lock()
	s.stopFlag = true
	s.mu.Unlock()

	if s.useCaller && GetThis() != s {
		panic("scheduler: stop of a use-caller scheduler from a foreign goroutine")
	}

	for i := 0; i < s.threadCount; i++ {
		s.impl.Tickle()
	}
	if s.rootFiber != nil {
		s.impl.Tickle()
		// Drain the queue on the caller lane before joining workers.
		s.rootFiber.Resume()
		logger.Debugf("scheduler %s root fiber end", s.name)
	}

	s.mu.Lock()
	threads := s.threads
	s.threads = nil
	s.mu.Unlock()
	for _, t := range threads {
		t.Join()
	}
}

// run is the per-worker scheduling loop. tid is the lane identity that
// pinned tasks key on: the worker goroutine id, or the constructing
// goroutine's id for the use-caller lane.
func (s *Scheduler) run(tid int64) {
	logger.Debugf("scheduler %s run", s.name)
	SetHookEnable(true)
	s.setThis()

	idleFiber := fiber.New(func() { s.impl.Idle() }, 0, true)
	var cbFiber *fiber.Fiber

	for {
		var task Task
		found := false
		tickleMe := false

		s.mu.Lock()
		if q := s.pinned[tid]; q != nil && q.Length() > 0 {
			task = q.Remove().(Task)
			found = true
		} else if s.shared.Length() > 0 {
			task = s.shared.Remove().(Task)
			found = true
		}
		if found {
			s.activeCount.Add(1)
			// Work is left over, or pinned to someone else: wake them.
			tickleMe = s.queuedLocked() > 0
		} else {
			for id, q := range s.pinned {
				if id != tid && q.Length() > 0 {
					tickleMe = true
					break
				}
			}
		}
		s.mu.Unlock()

		if tickleMe {
			s.impl.Tickle()
		}

		switch {
		case task.Fiber != nil:
			if task.Fiber.State() != fiber.TERM {
				task.Fiber.Resume()
			}
			s.activeCount.Add(-1)
		case task.Callback != nil:
			if cbFiber != nil {
				cbFiber.Reset(task.Callback)
			} else {
				cbFiber = fiber.New(task.Callback, 0, true)
			}
			cbFiber.Resume()
			if cbFiber.State() != fiber.TERM {
				// Yielded mid-run; it owns its continuation now.
				cbFiber = nil
			}
			s.activeCount.Add(-1)
		default:
			if idleFiber.State() == fiber.TERM {
				logger.Debugf("scheduler %s idle fiber term", s.name)
				return
			}
			s.idleCount.Add(1)
			idleFiber.Resume()
			s.idleCount.Add(-1)
		}
	}
}

// IdleThreads returns the number of workers currently parked in Idle.
func (s *Scheduler) IdleThreads() int { return int(s.idleCount.Load()) }

// Workers returns the number of worker lanes.
func (s *Scheduler) Workers() int {
	if s.useCaller {
		return s.threadCount + 1
	}
	return s.threadCount
}

// HasQueuedTasks reports whether any task is waiting.
func (s *Scheduler) HasQueuedTasks() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queuedLocked() > 0
}
