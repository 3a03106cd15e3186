// Package hook provides drop-in cooperative replacements for blocking
// syscalls: sleeps, connect/accept, the read and write families, close
// and the option calls.
//
// The sleep, socket, connect, accept, read/write and close wrappers
// honor a per-lane switch: with hooking off (any code outside a
// scheduler worker) the native call runs unchanged. With hooking on, a
// would-block result suspends the calling fiber until the event loop
// reports readiness or a configured timeout fires. Fcntl, Ioctl and
// SetsockoptTimeval do not consult the switch: they go through the
// descriptor registry whenever it has (or, for SetsockoptTimeval,
// creates) a context for the descriptor.
//
// Author: corvene team
// License: Apache-2.0
package hook
