// Tagwatch - BLE Tracker Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tagwatch

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/tagwatch/internal/ingest"
	"github.com/tomtom215/tagwatch/internal/models"
	"github.com/tomtom215/tagwatch/internal/store"
	"github.com/tomtom215/tagwatch/internal/threat"
)

type fakeStore struct {
	mu      sync.Mutex
	idents  map[string]*models.DeviceIdentity
	filter  store.IdentityFilter
	pingErr error
	ignored map[string]bool
	tracked map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		idents: map[string]*models.DeviceIdentity{
			"tag": {ID: "tag", DeviceClass: models.DeviceClassAirTag, SuspicionScore: 0.8},
			"bud": {ID: "bud", DeviceClass: models.DeviceClassEarbuds, SuspicionScore: 0.1},
		},
		ignored: map[string]bool{},
		tracked: map[string]bool{},
	}
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) ListIdentities(_ context.Context, filter store.IdentityFilter) ([]models.DeviceIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter = filter
	var out []models.DeviceIdentity
	for _, id := range []string{"tag", "bud"} {
		if i, ok := f.idents[id]; ok && i.SuspicionScore >= filter.MinSuspicion {
			out = append(out, *i)
		}
	}
	return out, nil
}

func (f *fakeStore) GetIdentity(_ context.Context, id string) (*models.DeviceIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.idents[id], nil
}

func (f *fakeStore) AddressesForIdentity(_ context.Context, id string) ([]models.ObservedAddress, error) {
	return []models.ObservedAddress{{IdentityID: id, Address: "4A:00:00:00:00:01"}}, nil
}

func (f *fakeStore) EvidenceForIdentity(context.Context, string) ([]models.TrackingEvidence, error) {
	return nil, nil
}

func (f *fakeStore) ClusterDetectionsForIdentity(context.Context, string) ([]models.DeviceClusterDetection, error) {
	return nil, nil
}

func (f *fakeStore) set(m map[string]bool, id string, v bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.idents[id]; !ok {
		return fmt.Errorf("identity %s: %w", id, store.ErrNotFound)
	}
	m[id] = v
	return nil
}

func (f *fakeStore) SetIgnored(_ context.Context, id string, v bool) error {
	return f.set(f.ignored, id, v)
}

func (f *fakeStore) SetTracked(_ context.Context, id string, v bool) error {
	return f.set(f.tracked, id, v)
}

func (f *fakeStore) DeleteIdentity(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.idents[id]; !ok {
		return fmt.Errorf("identity %s: %w", id, store.ErrNotFound)
	}
	delete(f.idents, id)
	return nil
}

type fakeAnalyzer struct{}

func (fakeAnalyzer) Analyze(_ context.Context, id string) (*threat.Result, error) {
	switch id {
	case "tag":
		return &threat.Result{IdentityID: id, Verdict: threat.VerdictAssessed, RiskLevel: threat.RiskHigh, Score: 0.8}, nil
	case "broken":
		return nil, errors.New("db locked")
	}
	return nil, fmt.Errorf("%s: %w", id, threat.ErrIdentityNotFound)
}

type fakeSubmitter struct {
	source string
	batch  *models.ScanBatch
	err    error
}

func (f *fakeSubmitter) SubmitBatch(_ context.Context, source string, b *models.ScanBatch) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.source, f.batch = source, b
	return len(b.Advertisements), nil
}

func newTestServer(t *testing.T, s *fakeStore, sub *fakeSubmitter, mwCfg MiddlewareConfig) *httptest.Server {
	t.Helper()
	var submitter ingest.BatchSubmitter
	if sub != nil {
		submitter = sub
	}
	h := NewHandler(s, fakeAnalyzer{}, submitter, nil)
	srv := httptest.NewServer(NewRouter(h, NewMiddleware(mwCfg)))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string) (*http.Response, APIResponse) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var env APIResponse
	if resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			t.Fatalf("%s %s: decode: %v", method, url, err)
		}
	}
	return resp, env
}

func TestRoutes(t *testing.T) {
	fs := newFakeStore()
	srv := newTestServer(t, fs, &fakeSubmitter{}, MiddlewareConfig{})

	tests := []struct {
		name     string
		method   string
		path     string
		wantCode int
		wantErr  string
	}{
		{"health", http.MethodGet, "/healthz", http.StatusOK, ""},
		{"list", http.MethodGet, "/api/v1/devices", http.StatusOK, ""},
		{"list bad suspicion", http.MethodGet, "/api/v1/devices?min_suspicion=2", http.StatusBadRequest, ErrCodeBadRequest},
		{"list bad since", http.MethodGet, "/api/v1/devices?since=yesterday", http.StatusBadRequest, ErrCodeBadRequest},
		{"list bad limit", http.MethodGet, "/api/v1/devices?limit=0", http.StatusBadRequest, ErrCodeBadRequest},
		{"detail", http.MethodGet, "/api/v1/devices/tag", http.StatusOK, ""},
		{"detail missing", http.MethodGet, "/api/v1/devices/nope", http.StatusNotFound, ErrCodeNotFound},
		{"threat", http.MethodGet, "/api/v1/devices/tag/threat", http.StatusOK, ""},
		{"threat missing", http.MethodGet, "/api/v1/devices/nope/threat", http.StatusNotFound, ErrCodeNotFound},
		{"threat failure", http.MethodGet, "/api/v1/devices/broken/threat", http.StatusInternalServerError, ErrCodeInternalError},
		{"ignore", http.MethodPost, "/api/v1/devices/bud/ignore", http.StatusNoContent, ""},
		{"ignore bad value", http.MethodPost, "/api/v1/devices/bud/ignore?value=maybe", http.StatusBadRequest, ErrCodeBadRequest},
		{"track missing", http.MethodPost, "/api/v1/devices/nope/track", http.StatusNotFound, ErrCodeNotFound},
		{"delete missing", http.MethodDelete, "/api/v1/devices/nope", http.StatusNotFound, ErrCodeNotFound},
		{"unknown route", http.MethodGet, "/api/v1/nothing", http.StatusNotFound, ErrCodeNotFound},
		{"wrong method", http.MethodPut, "/api/v1/devices/tag", http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, env := do(t, tt.method, srv.URL+tt.path, "")
			if resp.StatusCode != tt.wantCode {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantCode)
			}
			if tt.wantErr != "" {
				if env.Error == nil || env.Error.Code != tt.wantErr {
					t.Errorf("error = %+v, want code %s", env.Error, tt.wantErr)
				}
			}
			if resp.Header.Get("X-Request-ID") == "" {
				t.Error("missing X-Request-ID header")
			}
		})
	}
}

func TestListDevicesFilter(t *testing.T) {
	fs := newFakeStore()
	srv := newTestServer(t, fs, nil, MiddlewareConfig{})

	_, env := do(t, http.MethodGet, srv.URL+"/api/v1/devices?min_suspicion=0.5&limit=10&since=2026-06-01T00:00:00Z", "")
	if !env.Success || env.Meta == nil || env.Meta.Count == nil || *env.Meta.Count != 1 {
		t.Fatalf("envelope = %+v", env)
	}
	want := store.IdentityFilter{
		MinSuspicion: 0.5,
		Limit:        10,
		SeenSince:    time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	if fs.filter.MinSuspicion != want.MinSuspicion || fs.filter.Limit != want.Limit || !fs.filter.SeenSince.Equal(want.SeenSince) {
		t.Errorf("filter = %+v, want %+v", fs.filter, want)
	}
}

func TestUserActions(t *testing.T) {
	fs := newFakeStore()
	srv := newTestServer(t, fs, nil, MiddlewareConfig{})

	do(t, http.MethodPost, srv.URL+"/api/v1/devices/bud/track", "")
	do(t, http.MethodPost, srv.URL+"/api/v1/devices/tag/ignore?value=false", "")
	if !fs.tracked["bud"] {
		t.Error("bud not tracked")
	}
	if v, ok := fs.ignored["tag"]; !ok || v {
		t.Errorf("tag ignored = %v, %v; want explicit false", v, ok)
	}

	resp, _ := do(t, http.MethodDelete, srv.URL+"/api/v1/devices/tag", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodGet, srv.URL+"/api/v1/devices/tag", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("deleted device status = %d, want 404", resp.StatusCode)
	}
}

func TestSubmitSamples(t *testing.T) {
	sub := &fakeSubmitter{}
	srv := newTestServer(t, newFakeStore(), sub, MiddlewareConfig{})

	body := `{"source":"phone","location":{"latitude":52.52,"longitude":13.40,"accuracy":10,"timestamp":1780000000000},
		"advertisements":[{"address":"4A:11:22:33:44:55","rssi":-60,"timestamp":1780000000000}]}`
	resp, env := do(t, http.MethodPost, srv.URL+"/api/v1/samples", body)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, env = %+v", resp.StatusCode, env)
	}
	if sub.source != "http" || sub.batch == nil || len(sub.batch.Advertisements) != 1 {
		t.Errorf("submitted %q %+v", sub.source, sub.batch)
	}

	resp, env = do(t, http.MethodPost, srv.URL+"/api/v1/samples", `{"advertisements":[{"address":"nope"}]}`)
	if resp.StatusCode != http.StatusBadRequest || env.Error == nil || env.Error.Code != ErrCodeValidationFailed {
		t.Errorf("invalid batch: status %d, env %+v", resp.StatusCode, env)
	}

	sub.err = errors.New("pipeline stopped")
	resp, _ = do(t, http.MethodPost, srv.URL+"/api/v1/samples", body)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("stopped pipeline status = %d, want 503", resp.StatusCode)
	}
}

func TestSubmitSamplesDisabled(t *testing.T) {
	srv := newTestServer(t, newFakeStore(), nil, MiddlewareConfig{})
	resp, _ := do(t, http.MethodPost, srv.URL+"/api/v1/samples", `{"advertisements":[]}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestHealthDegraded(t *testing.T) {
	fs := newFakeStore()
	fs.pingErr = errors.New("closed")
	srv := newTestServer(t, fs, nil, MiddlewareConfig{})
	resp, _ := do(t, http.MethodGet, srv.URL+"/healthz", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestRateLimit(t *testing.T) {
	srv := newTestServer(t, newFakeStore(), nil, MiddlewareConfig{RateLimitRequests: 2, RateLimitWindow: time.Minute})

	var codes []int
	for i := 0; i < 3; i++ {
		resp, _ := do(t, http.MethodGet, srv.URL+"/api/v1/devices", "")
		codes = append(codes, resp.StatusCode)
	}
	if fmt.Sprint(codes) != "[200 200 429]" {
		t.Errorf("codes = %v", codes)
	}
	// Health checks are not rate limited.
	if resp, _ := do(t, http.MethodGet, srv.URL+"/healthz", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}
}

func TestCORS(t *testing.T) {
	srv := newTestServer(t, newFakeStore(), nil, MiddlewareConfig{CORSAllowedOrigins: []string{"https://app.example, https://other.example"}})

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/api/v1/devices", nil)
	req.Header.Set("Origin", "https://other.example")
	req.Header.Set("Access-Control-Request-Method", "GET")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://other.example" {
		t.Errorf("allow origin = %q", got)
	}
}

func TestRequestIDPropagates(t *testing.T) {
	srv := newTestServer(t, newFakeStore(), nil, MiddlewareConfig{})
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/devices/nope", nil)
	req.Header.Set("X-Request-ID", "req-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var env APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatal(err)
	}
	if resp.Header.Get("X-Request-ID") != "req-123" || env.Error == nil || env.Error.RequestID != "req-123" {
		t.Errorf("header %q, error %+v", resp.Header.Get("X-Request-ID"), env.Error)
	}
}
