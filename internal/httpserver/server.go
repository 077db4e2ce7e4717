package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"sync/atomic"
	"time"

	"github.com/skobkin/gpumon/internal/config"
	"github.com/skobkin/gpumon/internal/monitor"
	"github.com/skobkin/gpumon/internal/sampler"
	"github.com/skobkin/gpumon/internal/version"
)

const readHeaderTimeout = 5 * time.Second

// Telemetry is the view of the sampler the HTTP surface depends on.
type Telemetry interface {
	Available() bool
	Backend() string
	StaticInfo() (monitor.StaticInfo, bool)
	Interval() time.Duration
	Latest() (sampler.Snapshot, bool)
	Subscribe() (<-chan sampler.Snapshot, func(), error)
	Ready() bool
	Failures() uint64
	LastError() error
}

// Server wraps the HTTP surface area of the application.
type Server struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	telemetry  Telemetry

	maxWSClients int64
	wsActive     atomic.Int64
	wsTotal      atomic.Uint64
	wsRejected   atomic.Uint64
	wsSent       atomic.Uint64
	wsDropped    atomic.Uint64
	wsConnIDs    atomic.Uint64
	requestIDs   atomic.Uint64
}

// New assembles a Server with its handlers.
func New(cfg config.Config, logger *slog.Logger, telemetry Telemetry) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		telemetry: telemetry,
	}
	if cfg.WS.MaxClients > 0 {
		s.maxWSClients = int64(cfg.WS.MaxClients)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.HandleFunc("GET /api/gpu", s.handleGPU)
	mux.HandleFunc("GET /api/gpu/metrics", s.handleGPUMetrics)
	mux.HandleFunc("GET /api/gpu/procs", s.handleGPUProcs)
	mux.HandleFunc("GET /ws", s.handleWS)

	if cfg.EnablePrometheus {
		s.registerPrometheus(mux)
	}
	if cfg.EnablePprof {
		registerPprof(mux)
	}

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.withRequestLogging(mux),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s
}

// Handler exposes the root handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving HTTP until shutdown is requested.
func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("listener stopped")
	return nil
}

// Shutdown attempts a graceful shutdown within the supplied context.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	info := s.readiness()
	status := http.StatusOK
	if info.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, r, status, info)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, version.Current())
}

func (s *Server) handleGPU(w http.ResponseWriter, r *http.Request) {
	info, ok := s.telemetry.StaticInfo()
	if !ok {
		http.Error(w, "no supported GPU monitor", http.StatusNotFound)
		return
	}
	s.writeJSON(w, r, http.StatusOK, gpuResponse{
		Backend:    s.telemetry.Backend(),
		IntervalMS: s.telemetry.Interval().Milliseconds(),
		Device:     info,
	})
}

func (s *Server) handleGPUMetrics(w http.ResponseWriter, r *http.Request) {
	snapshot, ok := s.latestSnapshot(w)
	if !ok {
		return
	}
	s.writeJSON(w, r, http.StatusOK, snapshot)
}

func (s *Server) handleGPUProcs(w http.ResponseWriter, r *http.Request) {
	snapshot, ok := s.latestSnapshot(w)
	if !ok {
		return
	}
	procs := snapshot.Processes
	if procs == nil {
		procs = []monitor.Process{}
	}
	s.writeJSON(w, r, http.StatusOK, procs)
}

func (s *Server) latestSnapshot(w http.ResponseWriter) (sampler.Snapshot, bool) {
	if !s.telemetry.Available() {
		http.Error(w, "no supported GPU monitor", http.StatusNotFound)
		return sampler.Snapshot{}, false
	}
	snapshot, ok := s.telemetry.Latest()
	if !ok {
		http.Error(w, "no sample available", http.StatusServiceUnavailable)
		return sampler.Snapshot{}, false
	}
	return snapshot, true
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.loggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}

func registerPprof(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}

func (s *Server) readiness() readyResponse {
	resp := readyResponse{
		Backend:  s.telemetry.Backend(),
		Failures: s.telemetry.Failures(),
	}

	switch {
	case !s.telemetry.Available():
		resp.Status = "ok"
		resp.Reason = "no_gpu_monitor"
	case s.telemetry.Ready():
		resp.Status = "ok"
	default:
		resp.Status = "initializing"
		resp.Reason = "waiting_for_samples"
		if err := s.telemetry.LastError(); err != nil {
			resp.Reason = "sampling_failed"
		}
	}
	return resp
}

type readyResponse struct {
	Status   string `json:"status"`
	Backend  string `json:"backend,omitempty"`
	Failures uint64 `json:"sampling_failures"`
	Reason   string `json:"reason,omitempty"`
}

type gpuResponse struct {
	Backend    string             `json:"backend"`
	IntervalMS int64              `json:"interval_ms"`
	Device     monitor.StaticInfo `json:"device"`
}
