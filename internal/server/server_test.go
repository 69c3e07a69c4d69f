package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/perpkeeper/internal/metrics"
	"github.com/alanyoungcy/perpkeeper/internal/server/handler"
)

type staticLoops map[string]string

func (s staticLoops) Loops() map[string]string { return s }

func newTestServer(probes []handler.Probe, loops staticLoops) (*Server, *prometheus.Registry) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.Head(1234)
	h := handler.NewHealthHandler(probes, loops, logger)
	return NewServer(Config{Port: 0}, h, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), logger), reg
}

func TestHealth(t *testing.T) {
	ok := func(context.Context) error { return nil }
	bad := func(context.Context) error { return errors.New("connection refused") }

	tests := []struct {
		name       string
		probes     []handler.Probe
		loops      staticLoops
		wantStatus int
		wantBody   string
	}{
		{
			name:       "all healthy",
			probes:     []handler.Probe{{Name: "store", Check: ok}},
			loops:      staticLoops{"indexer": "live", "liquidation": "running"},
			wantStatus: http.StatusOK,
			wantBody:   "ok",
		},
		{
			name:       "probe failure",
			probes:     []handler.Probe{{Name: "store", Check: ok}, {Name: "redis", Check: bad}},
			loops:      staticLoops{"indexer": "live"},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   "degraded",
		},
		{
			name:       "failed loop",
			loops:      staticLoops{"funding": "failed"},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   "degraded",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(tt.probes, tt.loops)
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var body struct {
				Status string            `json:"status"`
				Loops  map[string]string `json:"loops"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Status != tt.wantBody {
				t.Errorf("status field = %q, want %q", body.Status, tt.wantBody)
			}
			if len(body.Loops) != len(tt.loops) {
				t.Errorf("loops = %v, want %v", body.Loops, tt.loops)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(nil, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "keeper_chain_head_block 1234") {
		t.Errorf("metrics output missing head gauge:\n%s", rec.Body.String())
	}
}

func TestUnknownRoute(t *testing.T) {
	srv, _ := newTestServer(nil, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/positions", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
