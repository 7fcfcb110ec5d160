// Package health serves the operational HTTP listener: liveness with
// per-source ingestion staleness, and Prometheus metrics.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pulseboard/ingest/internal/pipeline"
)

// RunReader looks up the most recent run of a source.
type RunReader interface {
	LatestRun(ctx context.Context, sourceID string) (*pipeline.Run, error)
}

// Server is the health/metrics HTTP listener.
type Server struct {
	port      int
	sources   []string
	ping      func(ctx context.Context) error
	runs      RunReader
	registry  *prometheus.Registry
	logger    *zap.Logger
	startTime time.Time
	server    *http.Server
}

// NewServer builds the listener. ping verifies store connectivity.
func NewServer(port int, sources []string, ping func(ctx context.Context) error, runs RunReader, registry *prometheus.Registry, logger *zap.Logger) *Server {
	return &Server{
		port:      port,
		sources:   sources,
		ping:      ping,
		runs:      runs,
		registry:  registry,
		logger:    logger.Named("health"),
		startTime: time.Now(),
	}
}

// sourceStatus is the per-source block of the health response.
type sourceStatus struct {
	Status     string `json:"status,omitempty"`
	StartedAt  string `json:"started_at,omitempty"`
	FinishedAt string `json:"finished_at,omitempty"`
	Loaded     int    `json:"loaded"`
	Rejected   int    `json:"rejected"`
	LastError  string `json:"last_error,omitempty"`
}

// healthResponse is the /healthz JSON shape.
type healthResponse struct {
	Status  string                  `json:"status"`
	Uptime  string                  `json:"uptime"`
	Store   string                  `json:"store"`
	Sources map[string]sourceStatus `json:"sources"`
}

// Start begins serving; it does not block.
func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", s.metricsHandler())

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	go func() {
		s.logger.Info("health listener started", zap.Int("port", s.port))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("health listener failed", zap.Error(err))
		}
	}()
}

func (s *Server) metricsHandler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:  "ok",
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
		Store:   "ok",
		Sources: make(map[string]sourceStatus, len(s.sources)),
	}

	if err := s.ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Store = err.Error()
	}

	for _, id := range s.sources {
		run, err := s.runs.LatestRun(ctx, id)
		if err != nil || run == nil {
			resp.Sources[id] = sourceStatus{}
			continue
		}
		st := sourceStatus{
			Status:    string(run.Status),
			StartedAt: run.StartedAt.Format(time.RFC3339),
			Loaded:    run.Counts.Loaded,
			Rejected:  run.Counts.Rejected,
			LastError: run.LastError,
		}
		if !run.FinishedAt.IsZero() {
			st.FinishedAt = run.FinishedAt.Format(time.RFC3339)
		}
		resp.Sources[id] = st
	}

	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}
