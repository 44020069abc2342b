// Copyright (c) 2024 The kstream developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package csync provides the cooperative synchronization primitives used by
// the stream pipeline: a context-aware mutex whose release raises a
// broadcast signal, and the coalescing Signal type itself.
package csync

import (
	"context"
	"sync"
)

// Signal is a coalescing broadcast.  Waiters obtain a channel via Wait that
// is closed on the next Raise.  Multiple raises between two waits collapse
// into a single wakeup, which is the desired behavior for "state may have
// changed, re-check" notifications.
type Signal struct {
	mtx sync.Mutex
	ch  chan struct{}
}

// NewSignal creates a Signal with no pending raise.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Wait returns a channel that is closed at the next Raise.  The channel must
// be obtained before releasing whatever lock guards the condition being
// waited on, otherwise a raise may be missed.
func (s *Signal) Wait() <-chan struct{} {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.ch
}

// Raise wakes all current waiters.
func (s *Signal) Raise() {
	s.mtx.Lock()
	close(s.ch)
	s.ch = make(chan struct{})
	s.mtx.Unlock()
}

// Mutex is a non-reentrant mutual exclusion lock that supports acquisition
// deadlines through a context and broadcasts on its Unlocked signal every
// time it is released.  All durable state mutation in the stream pipeline
// happens while holding one of these.
type Mutex struct {
	sem      chan struct{}
	unlocked *Signal
}

// NewMutex creates an unlocked Mutex.
func NewMutex() *Mutex {
	return &Mutex{
		sem:      make(chan struct{}, 1),
		unlocked: NewSignal(),
	}
}

// Lock acquires the mutex, blocking until it is free or the context is
// canceled.  It returns the context error on cancellation.
func (m *Mutex) Lock(ctx context.Context) error {
	select {
	case m.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryLock attempts to acquire the mutex, giving up when the context expires.
// It reports whether the mutex was acquired.
func (m *Mutex) TryLock(ctx context.Context) bool {
	select {
	case m.sem <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

// Unlock releases the mutex and raises the Unlocked signal.  Unlocking a
// mutex that is not held panics.
func (m *Mutex) Unlock() {
	select {
	case <-m.sem:
	default:
		panic("csync: unlock of unlocked mutex")
	}
	m.unlocked.Raise()
}

// Unlocked returns the signal raised on every Unlock.
func (m *Mutex) Unlocked() *Signal {
	return m.unlocked
}
