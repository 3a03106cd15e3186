// Package iomanager couples the cooperative scheduler with the kernel
// readiness poller and the timer set.
//
// The base scheduler's idle path becomes an epoll wait bounded by the
// next timer deadline. Descriptor readiness and expired deadlines are
// fed back into the run queue, which is what turns a would-block
// suspension into a kernel-driven resumption.
//
// Author: corvene team
// License: Apache-2.0
package iomanager
