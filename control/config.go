// control/config.go
// Author: corvene team
//
// Thread-safe configuration store with dynamic update and reload
// propagation. The runtime core registers its tunables here; the
// embedding process may overwrite them before or after start.

package control

import (
	"sync"

	"github.com/corvene/fiberio/api"
)

// ConfigStore is the in-process implementation of the registry surface
// the core consumes.
var _ api.ConfigRegistry = (*ConfigStore)(nil)

// Well-known keys. The core reads only performance tuning here; no
// correctness-visible behavior depends on the store.
const (
	// KeyPollBatchSize is the epoll batch capacity per wait.
	KeyPollBatchSize = "iomanager.poll_batch"

	// KeyMaxPollTimeoutMS caps a single kernel wait, in milliseconds.
	KeyMaxPollTimeoutMS = "iomanager.max_poll_timeout_ms"

	// KeyRestartIntervalSec is consumed by the process supervisor, not
	// by the core itself.
	KeyRestartIntervalSec = "daemon.restart_interval_sec"
)

// ConfigStore is a dynamic key/value map with atomic snapshot and listener support.
type ConfigStore struct {
	mu        sync.RWMutex
	config    map[string]any
	listeners []func()
}

// NewConfigStore initializes a new config store with empty data.
func NewConfigStore() *ConfigStore {
	return &ConfigStore{
		config:    make(map[string]any),
		listeners: make([]func(), 0),
	}
}

// Lookup returns the value for key and whether it is present.
func (cs *ConfigStore) Lookup(key string) (any, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	v, ok := cs.config[key]
	return v, ok
}

// Int64 returns the key as int64, or def when absent or mistyped.
func (cs *ConfigStore) Int64(key string, def int64) int64 {
	v, ok := cs.Lookup(key)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	}
	return def
}

// GetSnapshot returns a copy of all config values.
func (cs *ConfigStore) GetSnapshot() map[string]any {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	cp := make(map[string]any, len(cs.config))
	for k, v := range cs.config {
		cp[k] = v
	}
	return cp
}

// Set stores a single value and dispatches reload.
func (cs *ConfigStore) Set(key string, v any) {
	cs.mu.Lock()
	cs.config[key] = v
	listeners := cs.listeners
	cs.mu.Unlock()
	dispatchReload(listeners)
}

// SetConfig merges new values and dispatches reload if needed.
func (cs *ConfigStore) SetConfig(newCfg map[string]any) {
	cs.mu.Lock()
	for k, v := range newCfg {
		cs.config[k] = v
	}
	listeners := cs.listeners
	cs.mu.Unlock()
	dispatchReload(listeners)
}

// OnReload registers a listener hook called on config changes.
func (cs *ConfigStore) OnReload(fn func()) {
	cs.mu.Lock()
	cs.listeners = append(cs.listeners, fn)
	cs.mu.Unlock()
}

// dispatchReload invokes all listeners.
func dispatchReload(listeners []func()) {
	for _, fn := range listeners {
		go fn()
	}
}

var (
	defaultStore *ConfigStore
	defaultOnce  sync.Once
)

// Default returns the process-wide store, seeded with core defaults.
func Default() *ConfigStore {
	defaultOnce.Do(func() {
		defaultStore = NewConfigStore()
		defaultStore.config[KeyPollBatchSize] = int64(256)
		defaultStore.config[KeyMaxPollTimeoutMS] = int64(3000)
		defaultStore.config[KeyRestartIntervalSec] = int64(5)
	})
	return defaultStore
}
