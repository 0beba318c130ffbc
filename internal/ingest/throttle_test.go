// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

package ingest

import (
	"sync"
	"testing"
	"time"
)

func TestRescoreThrottleEveryN(t *testing.T) {
	th := newRescoreThrottle(4, time.Hour)
	now := time.Now()

	ran := 0
	for i := 0; i < 9; i++ {
		if th.Do("a", now, func() {}) {
			ran++
		}
	}
	// Detections 1, 5 and 9.
	if ran != 3 {
		t.Errorf("ran %d times, want 3", ran)
	}
	if !th.Do("b", now, func() {}) {
		t.Error("first detection of another identity should run")
	}
}

func TestRescoreThrottleInterval(t *testing.T) {
	th := newRescoreThrottle(1000, 20*time.Millisecond)
	now := time.Now()

	if !th.Do("a", now, func() {}) {
		t.Fatal("first call should run")
	}
	if th.Do("a", now, func() {}) {
		t.Fatal("second immediate call should be throttled")
	}
	time.Sleep(30 * time.Millisecond)
	if !th.Do("a", now, func() {}) {
		t.Error("call after the interval should run")
	}
}

func TestRescoreThrottleForgetAndSweep(t *testing.T) {
	th := newRescoreThrottle(100, time.Hour)
	old := time.Now().Add(-time.Hour)
	th.Do("stale", old, func() {})
	th.Do("fresh", time.Now(), func() {})

	th.Forget("fresh")
	if !th.Do("fresh", time.Now(), func() {}) {
		t.Error("forgotten identity should count as first detection")
	}

	if n := th.Sweep(time.Now().Add(-time.Minute)); n != 1 {
		t.Errorf("Sweep removed %d, want 1", n)
	}
	if th.Len() != 1 {
		t.Errorf("Len = %d, want 1", th.Len())
	}
}

func TestKeyedMutexSerialisesPerKey(t *testing.T) {
	km := newKeyedMutex()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("a")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Errorf("counter = %d, want 50", counter)
	}

	km.mu.Lock()
	defer km.mu.Unlock()
	if len(km.locks) != 0 {
		t.Errorf("%d locks leaked", len(km.locks))
	}
}
