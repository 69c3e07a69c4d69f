package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Probe checks one dependency (store, redis, chain).
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// LoopReporter reports the state of each keeper loop by name.
type LoopReporter interface {
	Loops() map[string]string
}

// HealthHandler serves GET /api/health. It answers 503 when any probe fails
// or any loop has stopped with an error.
type HealthHandler struct {
	probes  []Probe
	loops   LoopReporter
	timeout time.Duration
	logger  *slog.Logger
}

// NewHealthHandler reports probes and loop states. loops may be nil.
func NewHealthHandler(probes []Probe, loops LoopReporter, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		probes:  probes,
		loops:   loops,
		timeout: 3 * time.Second,
		logger:  logger.With(slog.String("handler", "health")),
	}
}

type healthResponse struct {
	Status       string            `json:"status"`
	Timestamp    string            `json:"timestamp"`
	Loops        map[string]string `json:"loops,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// HealthCheck handles GET /api/health.
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	resp := healthResponse{
		Status:       "ok",
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		Dependencies: make(map[string]string, len(h.probes)),
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, p := range h.probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			state := "ok"
			if err := p.Check(ctx); err != nil {
				state = "error: " + err.Error()
				h.logger.Warn("health probe failed",
					slog.String("probe", p.Name),
					slog.String("error", err.Error()),
				)
			}
			mu.Lock()
			resp.Dependencies[p.Name] = state
			if state != "ok" {
				resp.Status = "degraded"
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if h.loops != nil {
		resp.Loops = h.loops.Loops()
		for _, s := range resp.Loops {
			if s == "failed" {
				resp.Status = "degraded"
			}
		}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
