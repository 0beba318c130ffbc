// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tomtom215/tagwatch/internal/models"
)

// startPipeline runs p until the test ends.
func startPipeline(t *testing.T, p *Pipeline) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	deadline := time.Now().Add(5 * time.Second)
	for p.Running() == nil {
		if time.Now().After(deadline) {
			t.Fatal("pipeline router never started")
		}
		time.Sleep(time.Millisecond)
	}
	select {
	case <-p.Running():
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline router not running")
	}
}

func TestPipelineSubmitBeforeServe(t *testing.T) {
	rig := newTestRig(t, DefaultProcessorConfig())
	p := NewPipeline(rig.processor, nil, DefaultPipelineConfig())
	err := p.Submit(context.Background(), SourceLocal, sample("4A:00:00:00:00:01", time.Now(), -60, nil))
	if !errors.Is(err, ErrPipelineStopped) {
		t.Errorf("err = %v, want ErrPipelineStopped", err)
	}
}

func TestPipelineProcessesBatchInOrder(t *testing.T) {
	rig := newTestRig(t, DefaultProcessorConfig())
	j := openTestJournal(t, "")
	p := NewPipeline(rig.processor, j, DefaultPipelineConfig())
	startPipeline(t, p)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute).Truncate(time.Millisecond)
	batch := &models.ScanBatch{Source: "agent-1"}
	for i := 0; i < 6; i++ {
		batch.Advertisements = append(batch.Advertisements, models.AdvertisementSample{
			Address:     "4A:00:00:00:00:01",
			RSSI:        -60 - i,
			TimestampMs: base.Add(time.Duration(i) * time.Second).UnixMilli(),
		})
	}
	// One invalid entry is dropped without stopping the batch.
	batch.Advertisements = append(batch.Advertisements, models.AdvertisementSample{Address: "bogus", TimestampMs: 1})

	n, err := p.SubmitBatch(ctx, SourceHTTP, batch)
	if err != nil {
		t.Fatal(err)
	}
	if n != 7 {
		t.Errorf("submitted %d, want 7", n)
	}

	// Submit returns once the handler acked, so everything is stored now.
	ident, err := rig.store.IdentityByAddress(ctx, "4A:00:00:00:00:01")
	if err != nil || ident == nil {
		t.Fatalf("IdentityByAddress = %v, %v", ident, err)
	}
	obs, err := rig.store.ObservationsForIdentity(ctx, ident.ID, base.Add(-time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if len(obs) != 6 {
		t.Fatalf("observations = %d, want 6", len(obs))
	}
	for i, o := range obs {
		if o.RSSI != -60-i {
			t.Fatalf("observation %d has rssi %d: samples processed out of order", i, o.RSSI)
		}
	}
	if j.Len() != 0 {
		t.Errorf("journal still holds %d entries", j.Len())
	}
}

func TestPipelineReplaysJournal(t *testing.T) {
	rig := newTestRig(t, DefaultProcessorConfig())
	j := openTestJournal(t, "")
	for i := 0; i < 3; i++ {
		s := sample("4A:00:00:00:00:02", time.Now().Add(time.Duration(i)*time.Second), -60, nil)
		if _, err := j.Append(SourceNATS, s); err != nil {
			t.Fatal(err)
		}
		time.Sleep(time.Millisecond)
	}

	p := NewPipeline(rig.processor, j, DefaultPipelineConfig())
	n, err := p.Replay(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 || j.Len() != 0 {
		t.Errorf("replayed %d with %d pending, want 3 and 0", n, j.Len())
	}
	ident, err := rig.store.IdentityByAddress(context.Background(), "4A:00:00:00:00:02")
	if err != nil || ident == nil {
		t.Fatalf("replayed identity missing: %v", err)
	}
	if ident.TotalObservationCount != 3 {
		t.Errorf("TotalObservationCount = %d, want 3", ident.TotalObservationCount)
	}
}

func TestPipelineRestartsAfterStop(t *testing.T) {
	rig := newTestRig(t, DefaultProcessorConfig())
	p := NewPipeline(rig.processor, nil, DefaultPipelineConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Serve(ctx)
	}()
	for p.Running() == nil {
		time.Sleep(time.Millisecond)
	}
	<-p.Running()
	cancel()
	<-done

	if p.Running() != nil {
		t.Fatal("stopped pipeline still reports a router")
	}
	startPipeline(t, p)
	if err := p.Submit(context.Background(), SourceLocal, sample("4A:00:00:00:00:03", time.Now(), -60, nil)); err != nil {
		t.Fatalf("Submit after restart = %v", err)
	}
}
