// File: internal/gls/gls.go
// Author: corvene team
// License: Apache-2.0
//
// Per-goroutine local storage. A fiber runtime needs the moral
// equivalent of thread-local state (current fiber, current scheduler,
// hook switch); goroutines carry no identity of their own, so we key a
// sharded registry by the goroutine id parsed from the runtime stack
// header. Lookup is two map reads behind a sharded RWMutex.

package gls

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

const shardCount = 64

type shard struct {
	mu     sync.RWMutex
	locals map[int64]map[string]any
}

var shards [shardCount]*shard

func init() {
	for i := range shards {
		shards[i] = &shard{locals: make(map[int64]map[string]any)}
	}
}

var goroutinePrefix = []byte("goroutine ")

// ID returns the runtime id of the calling goroutine.
func ID() int64 {
	var buf [32]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], goroutinePrefix)
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return 0
	}
	id, _ := strconv.ParseInt(string(b[:i]), 10, 64)
	return id
}

func shardFor(gid int64) *shard {
	return shards[uint64(gid)%shardCount]
}

// Set binds key to v for the calling goroutine.
func Set(key string, v any) {
	SetFor(ID(), key, v)
}

// SetFor binds key to v for the goroutine gid.
func SetFor(gid int64, key string, v any) {
	s := shardFor(gid)
	s.mu.Lock()
	m := s.locals[gid]
	if m == nil {
		m = make(map[string]any, 4)
		s.locals[gid] = m
	}
	m[key] = v
	s.mu.Unlock()
}

// Get returns the value bound to key for the calling goroutine, or nil.
func Get(key string) any {
	return GetFor(ID(), key)
}

// GetFor returns the value bound to key for the goroutine gid, or nil.
func GetFor(gid int64, key string) any {
	s := shardFor(gid)
	s.mu.RLock()
	v := s.locals[gid][key]
	s.mu.RUnlock()
	return v
}

// Snapshot copies the calling goroutine's locals. Used to propagate
// scheduler context from a resuming goroutine into a fiber goroutine.
func Snapshot() map[string]any {
	s := shardFor(ID())
	s.mu.RLock()
	m := s.locals[ID()]
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	s.mu.RUnlock()
	return cp
}

// Restore merges a snapshot into the calling goroutine's locals.
func Restore(snap map[string]any) {
	gid := ID()
	s := shardFor(gid)
	s.mu.Lock()
	m := s.locals[gid]
	if m == nil {
		m = make(map[string]any, len(snap))
		s.locals[gid] = m
	}
	for k, v := range snap {
		m[k] = v
	}
	s.mu.Unlock()
}

// Clear drops every local of the calling goroutine. Long-lived worker
// goroutines must call this on exit or the registry leaks entries.
func Clear() {
	gid := ID()
	s := shardFor(gid)
	s.mu.Lock()
	delete(s.locals, gid)
	s.mu.Unlock()
}
