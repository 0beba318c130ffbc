// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/tagwatch/internal/config"
	"github.com/tomtom215/tagwatch/internal/models"
	"github.com/tomtom215/tagwatch/internal/store"
	"github.com/tomtom215/tagwatch/internal/threat"
)

var (
	_ suture.Service = (*Scheduler)(nil)
	_ Job            = (*RetentionJob)(nil)
	_ Job            = (*RescoreJob)(nil)
)

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeRetentionStore struct {
	mu      sync.Mutex
	calls   []string
	cutoffs map[string]time.Time
	fail    string
	entered chan struct{}
	block   chan struct{}
	once    sync.Once
}

func (f *fakeRetentionStore) record(what string, cutoff time.Time) (int64, error) {
	if f.block != nil {
		f.once.Do(func() { close(f.entered) })
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, what)
	if f.cutoffs == nil {
		f.cutoffs = map[string]time.Time{}
	}
	f.cutoffs[what] = cutoff
	if what == f.fail {
		return 0, errors.New("disk full")
	}
	return int64(len(f.calls)), nil
}

func (f *fakeRetentionStore) DeleteObservationsBefore(_ context.Context, c time.Time) (int64, error) {
	return f.record("observations", c)
}
func (f *fakeRetentionStore) DeleteUserLocationsBefore(_ context.Context, c time.Time) (int64, error) {
	return f.record("user_locations", c)
}
func (f *fakeRetentionStore) DeleteIdentitiesLastSeenBefore(_ context.Context, c time.Time) (int64, error) {
	return f.record("identities", c)
}
func (f *fakeRetentionStore) DeleteOrphanClusters(_ context.Context, c time.Time) (int64, error) {
	return f.record("clusters", c)
}

func newRetentionJob(s RetentionStore) *RetentionJob {
	j := NewRetentionJob(s, config.RetentionConfig{DetectionDays: 30, LocationDays: 7})
	j.now = func() time.Time { return now }
	return j
}

func TestRetentionCleanup(t *testing.T) {
	fs := &fakeRetentionStore{}
	res, err := newRetentionJob(fs).Cleanup(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	want := store.RetentionResult{Observations: 1, UserLocations: 2, Identities: 3, Clusters: 4}
	if res != want {
		t.Errorf("result = %+v, want %+v", res, want)
	}
	if fmt.Sprint(fs.calls) != "[observations user_locations identities clusters]" {
		t.Errorf("call order = %v", fs.calls)
	}

	detection := now.Add(-30 * 24 * time.Hour)
	location := now.Add(-7 * 24 * time.Hour)
	for what, want := range map[string]time.Time{
		"observations":   detection,
		"user_locations": location,
		"identities":     detection,
		"clusters":       detection,
	} {
		if !fs.cutoffs[what].Equal(want) {
			t.Errorf("%s cutoff = %v, want %v", what, fs.cutoffs[what], want)
		}
	}
}

func TestRetentionCleanupStopsOnError(t *testing.T) {
	fs := &fakeRetentionStore{fail: "user_locations"}
	res, err := newRetentionJob(fs).Cleanup(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if res.Observations != 1 || res.Identities != 0 {
		t.Errorf("partial result = %+v", res)
	}
	if len(fs.calls) != 2 {
		t.Errorf("calls = %v, want stop after user_locations", fs.calls)
	}
}

func TestRetentionCleanupIsSingleInstance(t *testing.T) {
	fs := &fakeRetentionStore{entered: make(chan struct{}), block: make(chan struct{})}
	j := newRetentionJob(fs)

	done := make(chan error, 1)
	go func() {
		_, err := j.Cleanup(context.Background())
		done <- err
	}()

	select {
	case <-fs.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first cleanup never started")
	}

	if _, err := j.Cleanup(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("concurrent cleanup err = %v, want ErrAlreadyRunning", err)
	}
	close(fs.block)
	if err := <-done; err != nil {
		t.Errorf("first cleanup err = %v", err)
	}
}

type fakeLister struct {
	idents []models.DeviceIdentity
	filter store.IdentityFilter
}

func (f *fakeLister) ListIdentities(_ context.Context, filter store.IdentityFilter) ([]models.DeviceIdentity, error) {
	f.filter = filter
	return f.idents, nil
}

type fakeScorer map[string]*threat.Result

func (f fakeScorer) AnalyzeAndPersist(_ context.Context, id string) (*threat.Result, error) {
	switch id {
	case "gone":
		return nil, fmt.Errorf("%s: %w", id, threat.ErrIdentityNotFound)
	case "broken":
		return nil, errors.New("db locked")
	}
	return f[id], nil
}

type fakeSweeper struct{ idle time.Duration }

func (f *fakeSweeper) SweepThrottle(idle time.Duration) int {
	f.idle = idle
	return 2
}

func TestRescoreSweep(t *testing.T) {
	lister := &fakeLister{}
	for _, id := range []string{"tracker", "quiet", "new", "gone", "broken"} {
		lister.idents = append(lister.idents, models.DeviceIdentity{ID: id})
	}
	scorer := fakeScorer{
		"tracker": {Verdict: threat.VerdictAssessed, Score: 0.85},
		"quiet":   {Verdict: threat.VerdictAssessed, Score: 0.1},
		"new":     {Verdict: threat.VerdictInsufficientData},
	}
	sweeper := &fakeSweeper{}

	j := NewRescoreJob(lister, scorer, sweeper, 48*time.Hour, 0.6)
	j.now = func() time.Time { return now }
	rep, err := j.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	want := RescoreReport{Considered: 5, Assessed: 2, Insufficient: 1, Alerts: 1, Failed: 1}
	if rep != want {
		t.Errorf("report = %+v, want %+v", rep, want)
	}
	if !lister.filter.SeenSince.Equal(now.Add(-48 * time.Hour)) {
		t.Errorf("SeenSince = %v", lister.filter.SeenSince)
	}
	if sweeper.idle != 48*time.Hour {
		t.Errorf("throttle sweep idle = %v, want lookback", sweeper.idle)
	}
}

type alertRecorder struct{ ids []string }

func (a *alertRecorder) Alert(_ context.Context, res *threat.Result) {
	a.ids = append(a.ids, res.IdentityID)
}

func TestRescoreSweepDeliversAlerts(t *testing.T) {
	lister := &fakeLister{}
	for _, id := range []string{"tracker", "follower", "ignored", "quiet"} {
		lister.idents = append(lister.idents, models.DeviceIdentity{ID: id})
	}
	scorer := fakeScorer{
		"tracker":  {IdentityID: "tracker", Verdict: threat.VerdictAssessed, Score: 0.85},
		"follower": {IdentityID: "follower", Verdict: threat.VerdictAssessed, Score: 0.4, FollowingScore: 0.7},
		"ignored":  {IdentityID: "ignored", Verdict: threat.VerdictAssessed, Score: 0.9, Suppressed: true},
		"quiet":    {IdentityID: "quiet", Verdict: threat.VerdictAssessed, Score: 0.1},
	}
	sink := &alertRecorder{}

	j := NewRescoreJob(lister, scorer, nil, 48*time.Hour, 0.6).WithAlertSink(sink, 0.6)
	j.now = func() time.Time { return now }
	rep, err := j.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Alerts != 2 {
		t.Errorf("alerts = %d, want 2", rep.Alerts)
	}
	if len(sink.ids) != 2 || sink.ids[0] != "tracker" || sink.ids[1] != "follower" {
		t.Errorf("delivered = %v, want [tracker follower]", sink.ids)
	}
}

func TestSchedulerRunsOnTicks(t *testing.T) {
	var runs atomic.Int32
	job := JobFunc{JobName: "count", Fn: func(context.Context) error {
		runs.Add(1)
		return errors.New("failures do not stop the schedule")
	}}
	s := NewScheduler(job, 10*time.Millisecond, WithRunOnStart())
	if s.String() != "scheduler-count" {
		t.Errorf("String = %q", s.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 75*time.Millisecond)
	defer cancel()
	if err := s.Serve(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Serve = %v", err)
	}
	if runs.Load() < 3 {
		t.Errorf("runs = %d, want several", runs.Load())
	}
}

func TestSchedulerRejectsZeroInterval(t *testing.T) {
	s := NewScheduler(JobFunc{JobName: "x", Fn: func(context.Context) error { return nil }}, 0)
	if err := s.Serve(context.Background()); err == nil {
		t.Error("expected error for zero interval")
	}
}

type gcCounter struct{ n int }

func (g *gcCounter) RunGC() error { g.n++; return nil }

func TestJournalGC(t *testing.T) {
	g := &gcCounter{}
	job := JournalGC(g)
	if job.Name() != "journal-gc" {
		t.Errorf("Name = %q", job.Name())
	}
	if err := job.Run(context.Background()); err != nil || g.n != 1 {
		t.Errorf("Run = %v, calls %d", err, g.n)
	}
}
