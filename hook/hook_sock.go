//go:build linux

// File: hook/hook_sock.go
// Author: corvene team
// License: Apache-2.0
//
// Socket-family wrappers: creation, connect handshake, accept, the
// read/write families, close and the option calls that interact with
// the descriptor registry.

package hook

import (
	"errors"
	"weak"

	"golang.org/x/sys/unix"

	"github.com/corvene/fiberio/api"
	"github.com/corvene/fiberio/fdmgr"
	"github.com/corvene/fiberio/fiber"
	"github.com/corvene/fiberio/iomanager"
	"github.com/corvene/fiberio/timer"
)

// Socket creates a descriptor and, with hooking on, registers it with
// the descriptor manager (forcing kernel-level non-blocking mode).
func Socket(domain, typ, proto int) (int, error) {
	fd, err := unix.Socket(domain, typ, proto)
	if err != nil {
		return -1, err
	}
	if Enabled() {
		fdmgr.Instance().Get(fd, true)
	}
	return fd, nil
}

// Connect performs the cooperative connect handshake, unbounded. For a
// bounded handshake use ConnectWithTimeout.
func Connect(fd int, sa unix.Sockaddr) error {
	return ConnectWithTimeout(fd, sa, fdmgr.Infinite)
}

// ConnectWithTimeout connects fd to sa, suspending the calling fiber
// for the duration of the non-blocking handshake. timeoutMS -1 means
// no bound.
func ConnectWithTimeout(fd int, sa unix.Sockaddr, timeoutMS int64) error {
	if !active() {
		return unix.Connect(fd, sa)
	}
	ctx := fdmgr.Instance().Get(fd, true)
	if ctx == nil || ctx.IsClosed() {
		return unix.EBADF
	}
	if !ctx.IsSocket() || ctx.UserNonblock() {
		return unix.Connect(fd, sa)
	}

	err := unix.Connect(fd, sa)
	if err == nil {
		return nil
	}
	if err != unix.EINPROGRESS {
		return err
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
			if err := iom.CancelEvent(fd, iomanager.EventWrite); err != nil && !errors.Is(err, api.ErrEventNotFound) {
				logger.Errorf("connect timeout cancel fd %d: %v", fd, err)
			}
		}, func() bool { return wp.Value() != nil }, false)
	}

	if err := iom.AddEvent(fd, iomanager.EventWrite, nil); err != nil {
		if t != nil {
			t.Cancel()
		}
		logger.Errorf("connect(%d) add event: %v", fd, err)
		return err
	}

	fiber.YieldToReady()

	if t != nil {
		t.Cancel()
	}
	if errno := tinfo.cancelled.Load(); errno != 0 {
		return unix.Errno(errno)
	}

	soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if soErr != 0 {
		return unix.Errno(soErr)
	}
	return nil
}

// Accept waits for an inbound connection and registers the accepted
// descriptor with the manager.
func Accept(fd int) (int, unix.Sockaddr, error) {
	var sa unix.Sockaddr
	nfd, err := doIO(fd, iomanager.EventRead, unix.SO_RCVTIMEO, func() (int, error) {
		n, a, err := unix.Accept(fd)
		if err == nil {
			sa = a
		}
		return n, err
	})
	if err != nil {
		return -1, nil, err
	}
	if Enabled() {
		fdmgr.Instance().Get(nfd, true)
	}
	return nfd, sa, nil
}

// Read fills p from fd, suspending on would-block.
func Read(fd int, p []byte) (int, error) {
	return doIO(fd, iomanager.EventRead, unix.SO_RCVTIMEO, func() (int, error) {
		return unix.Read(fd, p)
	})
}

// Readv scatters into iovs without copying.
func Readv(fd int, iovs [][]byte) (int, error) {
	return doIO(fd, iomanager.EventRead, unix.SO_RCVTIMEO, func() (int, error) {
		return unix.Readv(fd, iovs)
	})
}

// Recv reads with flags.
func Recv(fd int, p []byte, flags int) (int, error) {
	n, _, err := Recvfrom(fd, p, flags)
	return n, err
}

// Recvfrom reads with flags, reporting the peer address.
func Recvfrom(fd int, p []byte, flags int) (int, unix.Sockaddr, error) {
	var from unix.Sockaddr
	n, err := doIO(fd, iomanager.EventRead, unix.SO_RCVTIMEO, func() (int, error) {
		n, a, err := unix.Recvfrom(fd, p, flags)
		if err == nil {
			from = a
		}
		return n, err
	})
	return n, from, err
}

// Recvmsg reads a message with ancillary data.
func Recvmsg(fd int, p, oob []byte, flags int) (int, int, int, unix.Sockaddr, error) {
	var (
		oobn, recvflags int
		from            unix.Sockaddr
	)
	n, err := doIO(fd, iomanager.EventRead, unix.SO_RCVTIMEO, func() (int, error) {
		n, on, rf, a, err := unix.Recvmsg(fd, p, oob, flags)
		if err == nil {
			oobn, recvflags, from = on, rf, a
		}
		return n, err
	})
	return n, oobn, recvflags, from, err
}

// Write drains p to fd, suspending on would-block.
func Write(fd int, p []byte) (int, error) {
	return doIO(fd, iomanager.EventWrite, unix.SO_SNDTIMEO, func() (int, error) {
		return unix.Write(fd, p)
	})
}

// Writev gathers iovs to fd without copying.
func Writev(fd int, iovs [][]byte) (int, error) {
	return doIO(fd, iomanager.EventWrite, unix.SO_SNDTIMEO, func() (int, error) {
		return unix.Writev(fd, iovs)
	})
}

// Send writes with flags.
func Send(fd int, p []byte, flags int) (int, error) {
	return doIO(fd, iomanager.EventWrite, unix.SO_SNDTIMEO, func() (int, error) {
		return unix.SendmsgN(fd, p, nil, nil, flags)
	})
}

// Sendto writes with flags to an explicit destination.
func Sendto(fd int, p []byte, flags int, to unix.Sockaddr) (int, error) {
	return doIO(fd, iomanager.EventWrite, unix.SO_SNDTIMEO, func() (int, error) {
		return unix.SendmsgN(fd, p, nil, to, flags)
	})
}

// Sendmsg writes a message with ancillary data.
func Sendmsg(fd int, p, oob []byte, to unix.Sockaddr, flags int) (int, error) {
	return doIO(fd, iomanager.EventWrite, unix.SO_SNDTIMEO, func() (int, error) {
		return unix.SendmsgN(fd, p, oob, to, flags)
	})
}

// Close cancels every pending wait on fd (their fibers resume and see
// an I/O error from the retried call), evicts the descriptor context
// and closes the descriptor.
func Close(fd int) error {
	if Enabled() {
		if ctx := fdmgr.Instance().Get(fd, false); ctx != nil {
			ctx.SetClosed()
			if iom := iomanager.GetThis(); iom != nil {
				// Nothing armed is the common case.
				if err := iom.CancelAll(fd); err != nil && !errors.Is(err, api.ErrEventNotFound) {
					logger.Errorf("close cancel fd %d: %v", fd, err)
				}
			}
			fdmgr.Instance().Del(fd)
		}
	}
	return unix.Close(fd)
}

// Fcntl tracks the user-requested blocking mode for sockets; the
// kernel-level descriptor stays non-blocking.
func Fcntl(fd int, cmd int, arg int) (int, error) {
	switch cmd {
	case unix.F_SETFL:
		ctx := fdmgr.Instance().Get(fd, false)
		if ctx == nil || ctx.IsClosed() || !ctx.IsSocket() {
			return unix.FcntlInt(uintptr(fd), cmd, arg)
		}
		ctx.SetUserNonblock(arg&unix.O_NONBLOCK != 0)
		if ctx.SysNonblock() {
			arg |= unix.O_NONBLOCK
		} else {
			arg &^= unix.O_NONBLOCK
		}
		return unix.FcntlInt(uintptr(fd), cmd, arg)
	case unix.F_GETFL:
		flags, err := unix.FcntlInt(uintptr(fd), cmd, 0)
		if err != nil {
			return flags, err
		}
		ctx := fdmgr.Instance().Get(fd, false)
		if ctx == nil || ctx.IsClosed() || !ctx.IsSocket() {
			return flags, nil
		}
		if ctx.UserNonblock() {
			return flags | unix.O_NONBLOCK, nil
		}
		return flags &^ unix.O_NONBLOCK, nil
	default:
		return unix.FcntlInt(uintptr(fd), cmd, arg)
	}
}

// Ioctl handles FIONBIO like Fcntl does F_SETFL; other requests pass
// through unchanged.
func Ioctl(fd int, req uint, arg int) error {
	if req == unix.FIONBIO {
		ctx := fdmgr.Instance().Get(fd, false)
		if ctx != nil && !ctx.IsClosed() && ctx.IsSocket() {
			ctx.SetUserNonblock(arg != 0)
			if ctx.SysNonblock() {
				arg = 1
			} else {
				arg = 0
			}
		}
	}
	return unix.IoctlSetPointerInt(fd, req, arg)
}

// GetsockoptInt passes through to the kernel.
func GetsockoptInt(fd, level, opt int) (int, error) {
	return unix.GetsockoptInt(fd, level, opt)
}

// SetsockoptInt passes through to the kernel.
func SetsockoptInt(fd, level, opt, value int) error {
	return unix.SetsockoptInt(fd, level, opt, value)
}

// SetsockoptTimeval intercepts SO_RCVTIMEO/SO_SNDTIMEO into the
// descriptor registry; the cooperative wait enforces them, so nothing
// reaches the kernel for those options.
func SetsockoptTimeval(fd, level, opt int, tv *unix.Timeval) error {
	if level == unix.SOL_SOCKET && (opt == unix.SO_RCVTIMEO || opt == unix.SO_SNDTIMEO) {
		if ctx := fdmgr.Instance().Get(fd, true); ctx != nil {
			ms := int64(tv.Sec)*1000 + int64(tv.Usec)/1000
			if ms == 0 {
				ms = fdmgr.Infinite
			}
			ctx.SetTimeout(opt, ms)
		}
		return nil
	}
	return unix.SetsockoptTimeval(fd, level, opt, tv)
}

// SetTimeoutMS is the millisecond convenience form of the timeout
// sockopts used by the socket layer.
func SetTimeoutMS(fd, opt int, ms int64) {
	if ctx := fdmgr.Instance().Get(fd, true); ctx != nil {
		ctx.SetTimeout(opt, ms)
	}
}

// TimeoutMS reads the configured timeout for fd, -1 when unbounded.
func TimeoutMS(fd, opt int) int64 {
	if ctx := fdmgr.Instance().Get(fd, false); ctx != nil {
		return ctx.Timeout(opt)
	}
	return fdmgr.Infinite
}
