// File: thread/thread.go
// Author: corvene team
// License: Apache-2.0
//
// Named worker wrapper. In this runtime a "thread" is a long-lived
// goroutine acting as one scheduling lane; the constructor returns only
// after the spawned goroutine has entered the callable, synchronized by
// a startup semaphore, so callers can rely on the worker being live.

package thread

import (
	"github.com/corvene/fiberio/internal/gls"
	"github.com/corvene/fiberio/internal/xlog"
)

var logger = xlog.Named("system")

const (
	glsKeyThread = "thread.self"
	glsKeyName   = "thread.name"
)

// Thread runs a single callable on a dedicated goroutine.
type Thread struct {
	id   int64
	name string
	cb   func()

	startSem chan struct{}
	done     chan struct{}
}

// New spawns the worker and blocks until the callable is running.
func New(cb func(), name string) *Thread {
	if cb == nil {
		panic("thread: nil callable")
	}
	if name == "" {
		name = "UNKNOWN"
	}
	t := &Thread{
		name:     name,
		cb:       cb,
		startSem: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go t.run()
	<-t.startSem
	return t
}

func (t *Thread) run() {
	defer close(t.done)
	defer gls.Clear()

	t.id = gls.ID()
	gls.Set(glsKeyThread, t)
	gls.Set(glsKeyName, t.name)

	cb := t.cb
	t.cb = nil
	close(t.startSem)

	logger.Debugf("thread %s (%d) start", t.name, t.id)
	cb()
	logger.Debugf("thread %s (%d) exit", t.name, t.id)
}

// Join waits for the callable to return. Idempotent.
func (t *Thread) Join() {
	<-t.done
}

// ID returns the worker goroutine id.
func (t *Thread) ID() int64 { return t.id }

// Name returns the worker name.
func (t *Thread) Name() string { return t.name }

// This returns the Thread driving the calling goroutine, or nil.
func This() *Thread {
	if v := gls.Get(glsKeyThread); v != nil {
		return v.(*Thread)
	}
	return nil
}

// GetName returns the calling goroutine's worker name.
func GetName() string {
	if v := gls.Get(glsKeyName); v != nil {
		return v.(string)
	}
	return "UNKNOWN"
}

// SetName renames the calling goroutine's worker.
func SetName(name string) {
	if name == "" {
		return
	}
	if t := This(); t != nil {
		t.name = name
	}
	gls.Set(glsKeyName, name)
}

// CurrentID returns the calling goroutine's id. Scheduler task pinning
// keys off this value.
func CurrentID() int64 { return gls.ID() }
