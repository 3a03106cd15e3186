// File: internal/xlog/xlog.go
// Author: corvene team
// License: Apache-2.0
//
// Named subsystem loggers on top of logrus. Components ask for their
// entry once at package init ("system", "socket", ...) and log through
// it; the root logger level is runtime-adjustable.

package xlog

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/corvene/fiberio/api"
)

// Named entries satisfy the leveled surface external collaborators are
// handed.
var _ api.Logger = (*logrus.Entry)(nil)

var (
	mu   sync.Mutex
	root = logrus.New()
)

// Named returns a logger entry tagged with the subsystem name.
func Named(name string) *logrus.Entry {
	return root.WithField("system", name)
}

// Root exposes the root logger for level and formatter tuning.
func Root() *logrus.Logger {
	return root
}

// SetLevel adjusts the root level for every named entry.
func SetLevel(level logrus.Level) {
	mu.Lock()
	root.SetLevel(level)
	mu.Unlock()
}
