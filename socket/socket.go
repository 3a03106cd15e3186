//go:build linux

// File: socket/socket.go
// Author: corvene team
// License: Apache-2.0
//
// Cooperative socket handle: a descriptor plus its family/type/proto
// triple and cached endpoint addresses. All blocking operations route
// through the hook layer, so inside a scheduler worker they suspend
// the calling fiber instead of the thread.

package socket

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/corvene/fiberio/address"
	"github.com/corvene/fiberio/api"
	"github.com/corvene/fiberio/fdmgr"
	"github.com/corvene/fiberio/hook"
	"github.com/corvene/fiberio/internal/xlog"
	"github.com/corvene/fiberio/iomanager"
)

var logger = xlog.Named("socket")

// Socket owns one descriptor; Close releases it.
type Socket struct {
	fd     int
	family int
	typ    int
	proto  int

	connected bool
	local     address.Address
	remote    address.Address
}

// NewTCP returns an unopened stream socket for the family.
func NewTCP(family int) *Socket {
	return &Socket{fd: -1, family: family, typ: unix.SOCK_STREAM}
}

// NewUDP returns a datagram socket for the family, opened eagerly so
// sendto works without a prior bind.
func NewUDP(family int) (*Socket, error) {
	s := &Socket{fd: -1, family: family, typ: unix.SOCK_DGRAM}
	if err := s.open(); err != nil {
		return nil, err
	}
	s.connected = true
	return s, nil
}

// NewUnixStream returns an unopened unix-domain stream socket.
func NewUnixStream() *Socket {
	return &Socket{fd: -1, family: unix.AF_UNIX, typ: unix.SOCK_STREAM}
}

// NewUnixDatagram returns a unix-domain datagram socket.
func NewUnixDatagram() (*Socket, error) {
	s := &Socket{fd: -1, family: unix.AF_UNIX, typ: unix.SOCK_DGRAM}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

// fromAccepted wraps a descriptor returned by accept.
func fromAccepted(fd int, family, typ, proto int, peer unix.Sockaddr) *Socket {
	s := &Socket{fd: fd, family: family, typ: typ, proto: proto, connected: true}
	s.initOptions()
	s.remote = address.FromSockaddr(peer)
	s.refreshLocal()
	return s
}

// initOptions applies the standard side effects: address reuse always,
// Nagle off for TCP streams (unix-domain streams are left as they are).
func (s *Socket) initOptions() {
	_ = hook.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if s.typ == unix.SOCK_STREAM && s.family != unix.AF_UNIX {
		_ = hook.SetsockoptInt(s.fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	}
}

func (s *Socket) open() error {
	fd, err := hook.Socket(s.family, s.typ, s.proto)
	if err != nil {
		logger.Errorf("socket(%d, %d, %d): %v", s.family, s.typ, s.proto, err)
		return api.Wrap("socket: create", err)
	}
	s.fd = fd
	s.initOptions()
	return nil
}

// Fd exposes the descriptor for event registration.
func (s *Socket) Fd() int { return s.fd }

// IsValid reports whether the socket holds a descriptor.
func (s *Socket) IsValid() bool { return s.fd != -1 }

// IsConnected reports connection state as last observed.
func (s *Socket) IsConnected() bool { return s.connected }

// Bind attaches the socket to a local address, opening it on demand.
func (s *Socket) Bind(addr address.Address) error {
	if !s.IsValid() {
		if err := s.open(); err != nil {
			return err
		}
	}
	if addr.Family() != s.family {
		return api.Wrap("socket: bind", unix.EAFNOSUPPORT)
	}
	if err := unix.Bind(s.fd, addr.Sockaddr()); err != nil {
		logger.Errorf("bind(%d, %s): %v", s.fd, addr, err)
		return api.Wrap("socket: bind", err)
	}
	s.refreshLocal()
	return nil
}

// Listen marks the socket passive.
func (s *Socket) Listen(backlog int) error {
	if !s.IsValid() {
		return unix.EBADF
	}
	if err := unix.Listen(s.fd, backlog); err != nil {
		return api.Wrap("socket: listen", err)
	}
	return nil
}

// Accept waits for an inbound connection and returns its socket with
// local and remote endpoints initialized.
func (s *Socket) Accept() (*Socket, error) {
	nfd, sa, err := hook.Accept(s.fd)
	if err != nil {
		return nil, api.Wrap("socket: accept", err)
	}
	return fromAccepted(nfd, s.family, s.typ, s.proto, sa), nil
}

// Connect dials addr. timeoutMS bounds the handshake; -1 leaves it
// unbounded.
func (s *Socket) Connect(addr address.Address, timeoutMS int64) error {
	if !s.IsValid() {
		if err := s.open(); err != nil {
			return err
		}
	}
	if addr.Family() != s.family {
		return api.Wrap("socket: connect", unix.EAFNOSUPPORT)
	}
	s.remote = addr

	var err error
	if timeoutMS == fdmgr.Infinite {
		err = hook.Connect(s.fd, addr.Sockaddr())
	} else {
		err = hook.ConnectWithTimeout(s.fd, addr.Sockaddr(), timeoutMS)
	}
	if err != nil {
		s.connected = false
		logger.Errorf("connect(%d, %s): %v", s.fd, addr, err)
		return api.Wrap("socket: connect "+addr.String(), err)
	}
	s.connected = true
	s.refreshLocal()
	s.refreshRemote()
	return nil
}

// Reconnect re-dials the last remote endpoint.
func (s *Socket) Reconnect(timeoutMS int64) error {
	if s.remote == nil {
		return api.Wrap("socket: reconnect", unix.ENOTCONN)
	}
	s.local = nil
	return s.Connect(s.remote, timeoutMS)
}

// Send drains p to the peer.
func (s *Socket) Send(p []byte, flags int) (int, error) {
	if !s.connected {
		return -1, unix.ENOTCONN
	}
	return hook.Send(s.fd, p, flags)
}

// SendVec gathers iovs to the peer without copying.
func (s *Socket) SendVec(iovs [][]byte, flags int) (int, error) {
	if !s.connected {
		return -1, unix.ENOTCONN
	}
	if flags == 0 {
		return hook.Writev(s.fd, iovs)
	}
	return -1, unix.EOPNOTSUPP
}

// SendTo writes a datagram to an explicit destination.
func (s *Socket) SendTo(p []byte, flags int, to address.Address) (int, error) {
	if !s.IsValid() {
		return -1, unix.EBADF
	}
	return hook.Sendto(s.fd, p, flags, to.Sockaddr())
}

// Recv fills p from the peer.
func (s *Socket) Recv(p []byte, flags int) (int, error) {
	if !s.connected {
		return -1, unix.ENOTCONN
	}
	return hook.Recv(s.fd, p, flags)
}

// RecvVec scatters into iovs without copying.
func (s *Socket) RecvVec(iovs [][]byte, flags int) (int, error) {
	if !s.connected {
		return -1, unix.ENOTCONN
	}
	if flags == 0 {
		return hook.Readv(s.fd, iovs)
	}
	return -1, unix.EOPNOTSUPP
}

// RecvFrom reads a datagram, reporting its source.
func (s *Socket) RecvFrom(p []byte, flags int) (int, address.Address, error) {
	if !s.IsValid() {
		return -1, nil, unix.EBADF
	}
	n, sa, err := hook.Recvfrom(s.fd, p, flags)
	if err != nil {
		return n, nil, err
	}
	return n, address.FromSockaddr(sa), nil
}

// Close cancels pending waits and releases the descriptor.
func (s *Socket) Close() error {
	if !s.IsValid() {
		return nil
	}
	err := hook.Close(s.fd)
	s.fd = -1
	s.connected = false
	return err
}

// CancelRead releases a pending read waiter on this socket.
func (s *Socket) CancelRead() error {
	if iom := iomanager.GetThis(); iom != nil {
		return iom.CancelEvent(s.fd, iomanager.EventRead)
	}
	return api.Wrap("socket: cancel read", api.ErrEventNotFound)
}

// CancelWrite releases a pending write waiter.
func (s *Socket) CancelWrite() error {
	if iom := iomanager.GetThis(); iom != nil {
		return iom.CancelEvent(s.fd, iomanager.EventWrite)
	}
	return api.Wrap("socket: cancel write", api.ErrEventNotFound)
}

// CancelAccept releases a pending accept (a read waiter on the
// listening descriptor).
func (s *Socket) CancelAccept() error { return s.CancelRead() }

// CancelAll releases every pending waiter.
func (s *Socket) CancelAll() error {
	if iom := iomanager.GetThis(); iom != nil {
		return iom.CancelAll(s.fd)
	}
	return api.Wrap("socket: cancel all", api.ErrEventNotFound)
}

// SetRecvTimeout bounds cooperative reads, in ms; -1 removes the bound.
func (s *Socket) SetRecvTimeout(ms int64) {
	hook.SetTimeoutMS(s.fd, unix.SO_RCVTIMEO, ms)
}

// RecvTimeout reports the configured read bound.
func (s *Socket) RecvTimeout() int64 {
	return hook.TimeoutMS(s.fd, unix.SO_RCVTIMEO)
}

// SetSendTimeout bounds cooperative writes, in ms.
func (s *Socket) SetSendTimeout(ms int64) {
	hook.SetTimeoutMS(s.fd, unix.SO_SNDTIMEO, ms)
}

// SendTimeout reports the configured write bound.
func (s *Socket) SendTimeout() int64 {
	return hook.TimeoutMS(s.fd, unix.SO_SNDTIMEO)
}

// SetOption sets an integer socket option.
func (s *Socket) SetOption(level, opt, value int) error {
	return hook.SetsockoptInt(s.fd, level, opt, value)
}

// GetOption reads an integer socket option.
func (s *Socket) GetOption(level, opt int) (int, error) {
	return hook.GetsockoptInt(s.fd, level, opt)
}

// GetError drains the pending socket error, nil when clear.
func (s *Socket) GetError() error {
	soErr, err := hook.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if soErr != 0 {
		return unix.Errno(soErr)
	}
	return nil
}

func (s *Socket) refreshLocal() {
	if sa, err := unix.Getsockname(s.fd); err == nil {
		s.local = address.FromSockaddr(sa)
	}
}

func (s *Socket) refreshRemote() {
	if sa, err := unix.Getpeername(s.fd); err == nil {
		s.remote = address.FromSockaddr(sa)
	}
}

// LocalAddress returns the bound endpoint, refreshing it lazily.
func (s *Socket) LocalAddress() address.Address {
	if s.local == nil && s.IsValid() {
		s.refreshLocal()
	}
	return s.local
}

// RemoteAddress returns the peer endpoint.
func (s *Socket) RemoteAddress() address.Address {
	if s.remote == nil && s.IsValid() {
		s.refreshRemote()
	}
	return s.remote
}

// String dumps the socket for diagnostics.
func (s *Socket) String() string {
	out := fmt.Sprintf("[Socket fd=%d family=%d type=%d connected=%t",
		s.fd, s.family, s.typ, s.connected)
	if s.local != nil {
		out += " local=" + s.local.String()
	}
	if s.remote != nil {
		out += " remote=" + s.remote.String()
	}
	return out + "]"
}
