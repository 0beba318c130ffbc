// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

package ingest

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rescoreThrottle decides per identity whether a detection triggers a
// re-score: the first detection seen by this process, every Nth one, and
// any detection after the interval has passed since the last re-score.
type rescoreThrottle struct {
	mu       sync.Mutex
	entries  map[string]*throttleEntry
	every    int
	interval time.Duration
}

type throttleEntry struct {
	sometimes  *rate.Sometimes
	lastAccess time.Time
}

func newRescoreThrottle(every int, interval time.Duration) *rescoreThrottle {
	if every < 1 {
		every = 1
	}
	return &rescoreThrottle{
		entries:  make(map[string]*throttleEntry),
		every:    every,
		interval: interval,
	}
}

// Do runs fn when the identity is due and reports whether it ran.
func (t *rescoreThrottle) Do(identityID string, now time.Time, fn func()) bool {
	t.mu.Lock()
	e, ok := t.entries[identityID]
	if !ok {
		e = &throttleEntry{sometimes: &rate.Sometimes{First: 1, Every: t.every, Interval: t.interval}}
		t.entries[identityID] = e
	}
	e.lastAccess = now
	s := e.sometimes
	t.mu.Unlock()

	ran := false
	s.Do(func() {
		ran = true
		fn()
	})
	return ran
}

// Forget drops the entry so the next detection counts as a first one.
func (t *rescoreThrottle) Forget(identityID string) {
	t.mu.Lock()
	delete(t.entries, identityID)
	t.mu.Unlock()
}

// Sweep removes entries idle since before cutoff and returns how many
// were removed.
func (t *rescoreThrottle) Sweep(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for id, e := range t.entries {
		if e.lastAccess.Before(cutoff) {
			delete(t.entries, id)
			n++
		}
	}
	return n
}

func (t *rescoreThrottle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// keyedMutex hands out one mutex per key and frees it when the last holder
// unlocks.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refLock)}
}

// Lock locks key and returns the matching unlock func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
