// Copyright 2020 The gVisor Authors.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd.

package sync

import (
	"context"
	"sync/atomic"
)

// ReentrantMutex is a mutual exclusion lock that may be re-acquired by the
// holder. Go has no goroutine identity, so the holder is identified by the
// context returned from Lock: acquiring the mutex again with that context (or
// one derived from it) succeeds immediately, while any other context blocks.
//
// The returned context must not be shared with other goroutines while the
// mutex is held. A token from a previous critical section is stale once the
// mutex has been released and no longer grants re-entry.
//
// The zero value is an unlocked mutex.
type ReentrantMutex struct {
	mu Mutex

	// owner is the token of the current critical section, or nil.
	owner atomic.Pointer[reentrantToken]

	// depth is the number of outstanding acquisitions. Protected by mu.
	depth int
}

// reentrantToken is not zero-sized so that every token has a distinct address.
type reentrantToken struct{ _ byte }

// tokenKey is the context key under which a ReentrantMutex stores its token.
// Keying on the mutex keeps distinct mutexes independent.
type tokenKey struct {
	m *ReentrantMutex
}

// Lock acquires m and returns the context the caller must pass to nested
// operations along with the function that releases this acquisition. Release
// functions must be called in LIFO order; the mutex is unlocked when the
// outermost one runs.
func (m *ReentrantMutex) Lock(ctx context.Context) (context.Context, func()) {
	if m.Held(ctx) {
		m.depth++
		return ctx, m.release
	}
	m.mu.Lock()
	tok := &reentrantToken{}
	m.owner.Store(tok)
	m.depth = 1
	return context.WithValue(ctx, tokenKey{m}, tok), m.release
}

func (m *ReentrantMutex) release() {
	m.depth--
	if m.depth > 0 {
		return
	}
	if m.depth < 0 {
		panic("ReentrantMutex released more times than acquired")
	}
	m.owner.Store(nil)
	m.mu.Unlock()
}

// Held returns true if ctx carries the token of the current critical section.
func (m *ReentrantMutex) Held(ctx context.Context) bool {
	tok, ok := ctx.Value(tokenKey{m}).(*reentrantToken)
	return ok && tok == m.owner.Load()
}

// Depth returns the number of outstanding acquisitions.
//
// Preconditions: m.Held(ctx) for the caller's context.
func (m *ReentrantMutex) Depth() int {
	return m.depth
}
