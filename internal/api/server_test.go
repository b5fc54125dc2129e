package api

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/portscope/internal/adaptive"
	"github.com/anstrom/portscope/internal/logging"
	"github.com/anstrom/portscope/internal/metrics"
	"github.com/anstrom/portscope/internal/netclass"
	"github.com/anstrom/portscope/internal/scanning"
	"github.com/anstrom/portscope/internal/targets"
)

// MockProfiles provides a mock learning engine for testing.
type MockProfiles struct {
	mock.Mock
}

func (m *MockProfiles) Profiles() []adaptive.Profile {
	args := m.Called()
	return args.Get(0).([]adaptive.Profile)
}

func (m *MockProfiles) Profile(class netclass.Class) (adaptive.Profile, bool) {
	args := m.Called(class)
	return args.Get(0).(adaptive.Profile), args.Bool(1)
}

func (m *MockProfiles) Recommend(class netclass.Class) adaptive.Recommendation {
	args := m.Called(class)
	return args.Get(0).(adaptive.Recommendation)
}

func lanProfile() adaptive.Profile {
	return adaptive.Profile{
		Class:                  netclass.LAN,
		TimeoutEMA:             12.5,
		SuccessRateEMA:         0.93,
		RecommendedParallelism: 55,
		SampleCount:            420,
		LastUpdated:            time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func newTestServer(t *testing.T, profiles ProfileSource, progress *Progress) (*Server, *metrics.PrometheusMetrics) {
	t.Helper()
	pm := metrics.NewPrometheusMetrics()
	cfg := DefaultConfig()
	cfg.Version = "1.2.3"
	return New(cfg, profiles, pm, progress, logging.Discard()), pm
}

func do(t *testing.T, s *Server, method, path string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	progress := NewProgress()
	progress.Record(scanning.HostResult{Target: targets.Target{Addr: netip.MustParseAddr("10.0.0.1")}})
	s, _ := newTestServer(t, &MockProfiles{}, progress)

	rec := do(t, s, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "1.2.3", body["version"])
	assert.EqualValues(t, 1, body["hosts_completed"])
}

func TestListProfiles(t *testing.T) {
	profiles := &MockProfiles{}
	profiles.On("Profiles").Return([]adaptive.Profile{lanProfile()})
	profiles.On("Recommend", mock.AnythingOfType("netclass.Class")).Return(adaptive.Recommendation{
		Timeout: 300 * time.Millisecond, Rate: 1100, Parallelism: 55,
	})
	s, _ := newTestServer(t, profiles, nil)

	rec := do(t, s, http.MethodGet, "/api/v1/profiles", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body []ProfileResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body, len(netclass.All))

	byClass := make(map[netclass.Class]ProfileResponse)
	for _, p := range body {
		byClass[p.Class] = p
	}
	lan := byClass[netclass.LAN]
	assert.True(t, lan.Learned)
	assert.Equal(t, uint64(420), lan.SampleCount)
	assert.Equal(t, int64(300), lan.TimeoutMillis)
	assert.False(t, byClass[netclass.Cloud].Learned)
	assert.Nil(t, byClass[netclass.Cloud].LastUpdated)

	profiles.AssertNumberOfCalls(t, "Recommend", len(netclass.All))
}

func TestGetProfile(t *testing.T) {
	profiles := &MockProfiles{}
	profiles.On("Profile", netclass.LAN).Return(lanProfile(), true)
	profiles.On("Recommend", netclass.LAN).Return(adaptive.Recommendation{Timeout: time.Second, Parallelism: 55})
	s, _ := newTestServer(t, profiles, nil)

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"known class", "/api/v1/profiles/LAN", http.StatusOK},
		{"case insensitive", "/api/v1/profiles/lan", http.StatusOK},
		{"unknown class", "/api/v1/profiles/mars", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodGet, tt.path, nil)
			assert.Equal(t, tt.status, rec.Code)
			if tt.status != http.StatusOK {
				var e ErrorResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
				assert.Contains(t, e.Error, "mars")
			}
		})
	}
}

func TestScanHosts(t *testing.T) {
	s, _ := newTestServer(t, &MockProfiles{}, nil)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/v1/scan/hosts", nil).Code)

	progress := NewProgress()
	progress.Record(scanning.HostResult{
		Target:  targets.Target{Addr: netip.MustParseAddr("192.168.1.5"), Class: netclass.LAN},
		Summary: scanning.Summary{Total: 3, Open: 1},
	})
	s, _ = newTestServer(t, &MockProfiles{}, progress)

	rec := do(t, s, http.MethodGet, "/api/v1/scan/hosts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"completed":1`)
	assert.Contains(t, rec.Body.String(), "192.168.1.5")
}

func TestMetricsEndpoint(t *testing.T) {
	s, pm := newTestServer(t, &MockProfiles{}, nil)
	pm.RecordProbe("connect", "LAN", "open", 3*time.Millisecond)

	// one request first so the HTTP collectors have a sample
	do(t, s, http.MethodGet, "/healthz", nil)

	rec := do(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "portscope_probe_total")
	assert.Contains(t, body, `path="/healthz"`)
}

func TestCORS(t *testing.T) {
	s, _ := newTestServer(t, &MockProfiles{}, nil)
	rec := do(t, s, http.MethodGet, "/healthz", http.Header{"Origin": []string{"http://dashboard.local"}})
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServerStartStop(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg := DefaultConfig()
	cfg.Listen = addr
	s := New(cfg, &MockProfiles{}, nil, nil, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		defer func() { _ = resp.Body.Close() }()
		data, _ := io.ReadAll(resp.Body)
		return resp.StatusCode == http.StatusOK && strings.Contains(string(data), "ok")
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}

	busy := New(cfg, &MockProfiles{}, nil, nil, logging.Discard())
	hold, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	defer func() { _ = hold.Close() }()
	assert.Error(t, busy.Start(context.Background()))
}
