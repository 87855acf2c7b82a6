// Package profiling provides the lock shared by the code registry and the
// debug-info queries, and the execution mode callers run in.
package profiling

import "sync"

// Mode describes the context a lookup is made from.
type Mode int

const (
	// Normal callers may block and use caches.
	Normal Mode = iota
	// SignalSafe callers run inside a signal handler or on a thread that
	// must not touch runtime state. They never block on locks, never log
	// and never populate caches; when a lock is busy they fall back to
	// whatever reduced information is available.
	SignalSafe
)

func (m Mode) String() string {
	switch m {
	case Normal:
		return "normal"
	case SignalSafe:
		return "signal-safe"
	}
	return "unknown"
}

// Lock guards registry mutation and debug-info context queries. Writers
// mutate the maps or the caches of a debug-info context, readers only search
// the maps.
//
// Every acquisition takes a Mode: in SignalSafe mode the acquisition is a
// try-lock and reports whether it succeeded.
type Lock struct {
	mu sync.RWMutex
}

// Lock acquires the write side. It reports false only in SignalSafe mode,
// when the lock is held elsewhere.
func (l *Lock) Lock(mode Mode) bool {
	if mode == SignalSafe {
		return l.mu.TryLock()
	}
	l.mu.Lock()
	return true
}

func (l *Lock) Unlock() { l.mu.Unlock() }

// RLock acquires the read side. It reports false only in SignalSafe mode,
// when a writer holds the lock.
func (l *Lock) RLock(mode Mode) bool {
	if mode == SignalSafe {
		return l.mu.TryRLock()
	}
	l.mu.RLock()
	return true
}

func (l *Lock) RUnlock() { l.mu.RUnlock() }
