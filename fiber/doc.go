// Package fiber implements cooperatively scheduled execution contexts.
//
// A Fiber wraps a parked goroutine behind an explicit resume/yield
// handshake: Resume transfers control into the fiber and blocks the
// caller; Yield transfers control back. Within one scheduling lane at
// most one fiber runs at a time, so fiber code is single-threaded
// between suspension points.
//
// Author: corvene team
// License: Apache-2.0
package fiber
