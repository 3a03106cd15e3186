// File: timer/timer.go
// Author: corvene team
// License: Apache-2.0
//
// Deadline set for the event loop. Timers are held in a slice ordered
// by (absolute expiry, insertion sequence); the manager yields the
// delay until the next expiry and drains the batch of callbacks whose
// deadlines have passed. All times are monotonic milliseconds from
// xtime.ElapsedMS.

package timer

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/corvene/fiberio/internal/xtime"
)

// NoTimeout is returned by NextTimeout when no timer is armed.
const NoTimeout = ^uint64(0)

// rolloverWindowMS: a monotonic sample more than an hour behind the
// previous one is treated as a clock rollover and expires everything.
const rolloverWindowMS = 60 * 60 * 1000

var nextSeq atomic.Uint64

// Timer is a single armed deadline owned by a Manager.
type Timer struct {
	next      uint64
	periodMS  uint64
	recurring bool
	seq       uint64
	cb        func()
	mgr       *Manager
}

// Manager owns the ordered timer set.
type Manager struct {
	mu         sync.RWMutex
	timers     []*Timer
	tickled    atomic.Bool
	previousMS uint64

	// onFront fires when an insertion becomes the new head of the set,
	// so an embedding event loop can shorten its poll timeout.
	onFront func()
}

// NewManager creates an empty timer set.
func NewManager() *Manager {
	return &Manager{previousMS: xtime.ElapsedMS()}
}

// SetFrontHook installs the head-changed notification callback.
func (m *Manager) SetFrontHook(fn func()) {
	m.mu.Lock()
	m.onFront = fn
	m.mu.Unlock()
}

// less orders by (expiry, sequence) for a stable sort.
func less(a, b *Timer) bool {
	if a.next != b.next {
		return a.next < b.next
	}
	return a.seq < b.seq
}

// insertLocked places t and reports whether it became the head.
func (m *Manager) insertLocked(t *Timer) bool {
	i := sort.Search(len(m.timers), func(i int) bool { return !less(m.timers[i], t) })
	m.timers = append(m.timers, nil)
	copy(m.timers[i+1:], m.timers[i:])
	m.timers[i] = t
	return i == 0
}

// removeLocked drops t from the set; reports whether it was present.
func (m *Manager) removeLocked(t *Timer) bool {
	i := sort.Search(len(m.timers), func(i int) bool { return !less(m.timers[i], t) })
	for ; i < len(m.timers) && m.timers[i].next == t.next; i++ {
		if m.timers[i] == t {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			return true
		}
	}
	return false
}

// addLocked inserts t, releases m.mu, and fires the front hook outside
// the lock when the insertion changed the head of the set.
func (m *Manager) addLocked(t *Timer) {
	atFront := m.insertLocked(t) && !m.tickled.Load()
	if atFront {
		m.tickled.Store(true)
	}
	hook := m.onFront
	m.mu.Unlock()

	if atFront && hook != nil {
		hook()
	}
}

// AddTimer arms a callback to fire after ms milliseconds. A recurring
// timer re-arms itself with the same period after each expiry.
func (m *Manager) AddTimer(ms uint64, cb func(), recurring bool) *Timer {
	t := &Timer{
		next:      xtime.ElapsedMS() + ms,
		periodMS:  ms,
		recurring: recurring,
		seq:       nextSeq.Add(1),
		cb:        cb,
		mgr:       m,
	}
	m.mu.Lock()
	m.addLocked(t)
	return t
}

// AddConditionTimer arms cb to fire only if cond still reports live at
// expiry. The hook layer builds cond from a weak pointer to its waiter
// record, so an abandoned wait cannot fire a stale callback.
func (m *Manager) AddConditionTimer(ms uint64, cb func(), cond func() bool, recurring bool) *Timer {
	return m.AddTimer(ms, func() {
		if cond == nil || cond() {
			cb()
		}
	}, recurring)
}

// HasTimer reports whether any timer is armed.
func (m *Manager) HasTimer() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.timers) > 0
}

// NextTimeout returns the delay in ms until the earliest expiry:
// NoTimeout when the set is empty, 0 when already due.
func (m *Manager) NextTimeout() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.tickled.Store(false)
	if len(m.timers) == 0 {
		return NoTimeout
	}
	now := xtime.ElapsedMS()
	next := m.timers[0].next
	if now >= next {
		return 0
	}
	return next - now
}

// detectRollover compares the sample against the previous one.
func (m *Manager) detectRollover(nowMS uint64) bool {
	rollover := nowMS+rolloverWindowMS < m.previousMS
	m.previousMS = nowMS
	return rollover
}

// ListExpired drains the callbacks of every timer whose deadline has
// passed. Recurring timers are re-armed at now+period before their
// callback runs, so cancellation from inside a callback stays safe.
func (m *Manager) ListExpired() []func() {
	nowMS := xtime.ElapsedMS()

	m.mu.RLock()
	empty := len(m.timers) == 0
	m.mu.RUnlock()
	if empty {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.timers) == 0 {
		return nil
	}
	rollover := m.detectRollover(nowMS)
	if !rollover && m.timers[0].next > nowMS {
		return nil
	}

	idx := len(m.timers)
	if !rollover {
		idx = sort.Search(len(m.timers), func(i int) bool { return m.timers[i].next > nowMS })
	}
	expired := make([]*Timer, idx)
	copy(expired, m.timers[:idx])
	m.timers = append(m.timers[:0], m.timers[idx:]...)

	cbs := make([]func(), 0, len(expired))
	for _, t := range expired {
		cbs = append(cbs, t.cb)
		if t.recurring {
			t.next = nowMS + t.periodMS
			m.insertLocked(t)
		} else {
			t.cb = nil
		}
	}
	return cbs
}

// Cancel disarms the timer. Returns false if already fired or cancelled.
func (t *Timer) Cancel() bool {
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()
	if t.cb == nil {
		return false
	}
	t.cb = nil
	t.mgr.removeLocked(t)
	return true
}

// Refresh pushes the deadline out to now+period.
func (t *Timer) Refresh() bool {
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()
	if t.cb == nil {
		return false
	}
	if !t.mgr.removeLocked(t) {
		return false
	}
	t.next = xtime.ElapsedMS() + t.periodMS
	t.mgr.insertLocked(t)
	return true
}

// Reset changes the period and re-bases the deadline, either from now
// or from the instant the current deadline was armed.
func (t *Timer) Reset(ms uint64, fromNow bool) bool {
	if ms == t.periodMS && !fromNow {
		return true
	}
	t.mgr.mu.Lock()
	if t.cb == nil {
		t.mgr.mu.Unlock()
		return false
	}
	if !t.mgr.removeLocked(t) {
		t.mgr.mu.Unlock()
		return false
	}
	var start uint64
	if fromNow {
		start = xtime.ElapsedMS()
	} else {
		start = t.next - t.periodMS
	}
	t.periodMS = ms
	t.next = start + ms
	t.mgr.addLocked(t)
	return true
}
