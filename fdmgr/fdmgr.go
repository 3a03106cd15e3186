//go:build linux

// File: fdmgr/fdmgr.go
// Author: corvene team
// License: Apache-2.0
//
// Process-wide descriptor registry. Every socket descriptor seen by the
// hook layer gets a context recording what the kernel state really is
// (always non-blocking) versus what the user asked for, plus the
// configured send/receive timeouts. The registry is a lazily grown
// slice indexed by fd; lookups take only the shared read lock.

package fdmgr

import (
	"sync"

	"golang.org/x/sys/unix"
)

// Infinite disables a timeout.
const Infinite int64 = -1

// FdContext tracks hook-relevant state of one descriptor.
type FdContext struct {
	mu sync.Mutex

	fd           int
	isInit       bool
	isSocket     bool
	isClosed     bool
	sysNonblock  bool
	userNonblock bool

	recvTimeoutMS int64
	sendTimeoutMS int64
}

func newFdContext(fd int) *FdContext {
	ctx := &FdContext{
		fd:            fd,
		recvTimeoutMS: Infinite,
		sendTimeoutMS: Infinite,
	}
	ctx.init()
	return ctx
}

// init stats the descriptor; sockets are forced non-blocking at the
// kernel level while the user-visible mode stays blocking.
func (c *FdContext) init() {
	if c.isInit {
		return
	}
	var st unix.Stat_t
	if err := unix.Fstat(c.fd, &st); err != nil {
		return
	}
	c.isInit = true
	c.isSocket = st.Mode&unix.S_IFMT == unix.S_IFSOCK
	if c.isSocket {
		if err := unix.SetNonblock(c.fd, true); err == nil {
			c.sysNonblock = true
		}
	}
}

// Fd returns the descriptor number.
func (c *FdContext) Fd() int { return c.fd }

// IsSocket reports whether the descriptor is a socket.
func (c *FdContext) IsSocket() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isSocket
}

// IsInit reports whether the descriptor was successfully inspected.
func (c *FdContext) IsInit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isInit
}

// IsClosed reports whether Close was observed for the descriptor.
func (c *FdContext) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isClosed
}

// SetClosed marks the descriptor closed.
func (c *FdContext) SetClosed() {
	c.mu.Lock()
	c.isClosed = true
	c.mu.Unlock()
}

// SetUserNonblock records the blocking mode the user asked for.
func (c *FdContext) SetUserNonblock(v bool) {
	c.mu.Lock()
	c.userNonblock = v
	c.mu.Unlock()
}

// UserNonblock reports the user-requested blocking mode.
func (c *FdContext) UserNonblock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userNonblock
}

// SetSysNonblock records the real kernel blocking mode.
func (c *FdContext) SetSysNonblock(v bool) {
	c.mu.Lock()
	c.sysNonblock = v
	c.mu.Unlock()
}

// SysNonblock reports the real kernel blocking mode.
func (c *FdContext) SysNonblock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sysNonblock
}

// SetTimeout updates the hook timeout for unix.SO_RCVTIMEO or
// unix.SO_SNDTIMEO, in milliseconds.
func (c *FdContext) SetTimeout(kind int, ms int64) {
	c.mu.Lock()
	if kind == unix.SO_RCVTIMEO {
		c.recvTimeoutMS = ms
	} else {
		c.sendTimeoutMS = ms
	}
	c.mu.Unlock()
}

// Timeout returns the configured timeout for the given sockopt kind.
func (c *FdContext) Timeout(kind int) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if kind == unix.SO_RCVTIMEO {
		return c.recvTimeoutMS
	}
	return c.sendTimeoutMS
}

// Manager is the fd-indexed context registry.
type Manager struct {
	mu  sync.RWMutex
	fds []*FdContext
}

var (
	instance *Manager
	once     sync.Once
)

// Instance returns the process-wide manager.
func Instance() *Manager {
	once.Do(func() {
		instance = &Manager{fds: make([]*FdContext, 64)}
	})
	return instance
}

// Get returns the context for fd, creating it when autoCreate is set.
func (m *Manager) Get(fd int, autoCreate bool) *FdContext {
	if fd < 0 {
		return nil
	}
	m.mu.RLock()
	if fd < len(m.fds) {
		if ctx := m.fds[fd]; ctx != nil || !autoCreate {
			m.mu.RUnlock()
			return ctx
		}
	} else if !autoCreate {
		m.mu.RUnlock()
		return nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if fd >= len(m.fds) {
		grown := make([]*FdContext, len(m.fds)*2+fd)
		copy(grown, m.fds)
		m.fds = grown
	}
	if m.fds[fd] == nil {
		m.fds[fd] = newFdContext(fd)
	}
	return m.fds[fd]
}

// Del evicts the context for fd.
func (m *Manager) Del(fd int) {
	m.mu.Lock()
	if fd >= 0 && fd < len(m.fds) {
		m.fds[fd] = nil
	}
	m.mu.Unlock()
}
