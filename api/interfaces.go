// Package api
// Author: corvene team
//
// Contracts for the external collaborators of the runtime core.
// Implementations live with the embedding process (daemon supervisor,
// CLI wrapper, config loader), except the in-process configuration
// store in package control.

package api

// Logger is the leveled log surface handed to external collaborators.
// The core's named logrus entries satisfy it; the core itself always
// logs through logrus.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// ConfigRegistry is the read surface of the host configuration store.
// The core's own reads are the poll tunables (batch size, max wait);
// the restart interval is held for the process supervisor.
type ConfigRegistry interface {
	Lookup(key string) (any, bool)
	OnReload(fn func())
}

// URIParser splits a textual URI into its components. Consumed by
// higher-level servers, never by the core itself.
type URIParser interface {
	Parse(raw string) (scheme, authority, path, query string, err error)
}

// ProcessInfo reports identity of the running process to the
// supervision wrapper.
type ProcessInfo interface {
	Pid() int
	ParentPid() int
	StartTimeUnixMS() int64
	RestartCount() int
}
