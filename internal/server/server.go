// Package server exposes accumulated run data over an HTTP JSON API.
//
// The server owns a background reload loop that periodically drains new
// events for every registered run, and serves the query surface of the
// multiplexer.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/xtxerr/runlog/internal/errors"
	"github.com/xtxerr/runlog/internal/logging"
	"github.com/xtxerr/runlog/internal/multiplexer"
)

var log = logging.Component("server")

// =============================================================================
// Server Configuration
// =============================================================================

// Config holds server configuration.
type Config struct {
	// Mux is the run multiplexer (required).
	Mux *multiplexer.Multiplexer

	// Listen is the address to listen on (e.g., "127.0.0.1:6161").
	Listen string

	// ReloadIntervalSec is how often runs are re-drained. Zero disables
	// the background loop.
	ReloadIntervalSec int
}

// =============================================================================
// Server
// =============================================================================

// Server serves the HTTP API.
type Server struct {
	cfg  *Config
	mux  *multiplexer.Multiplexer
	http *http.Server

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// New creates a new server.
func New(cfg *Config) *Server {
	s := &Server{
		cfg:      cfg,
		mux:      cfg.Mux,
		shutdown: make(chan struct{}),
	}

	m := http.NewServeMux()
	m.HandleFunc("GET /healthz", s.handleHealthz)
	m.HandleFunc("GET /api/runs", s.handleRuns)
	m.HandleFunc("GET /api/tags", s.handleTags)
	m.HandleFunc("GET /api/scalars", s.handleScalars)
	m.HandleFunc("GET /api/histograms", s.handleHistograms)
	m.HandleFunc("GET /api/compressed_histograms", s.handleCompressedHistograms)
	m.HandleFunc("GET /api/images", s.handleImages)
	m.HandleFunc("GET /api/audio", s.handleAudio)
	m.HandleFunc("GET /api/tensors", s.handleTensors)
	m.HandleFunc("GET /api/graph", s.handleGraph)
	m.HandleFunc("GET /api/meta_graph", s.handleMetaGraph)
	m.HandleFunc("GET /api/run_metadata", s.handleRunMetadata)
	m.HandleFunc("GET /api/health_pills", s.handleHealthPills)
	m.HandleFunc("GET /api/distribution", s.handleDistribution)
	m.HandleFunc("GET /api/first_event", s.handleFirstEvent)
	m.HandleFunc("POST /api/reload", s.handleReload)

	s.http = &http.Server{
		Addr:         cfg.Listen,
		Handler:      m,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

// Run starts the server and blocks until the listener fails or Shutdown is
// called.
func (s *Server) Run() error {
	if err := s.mux.ReloadAll(); err != nil {
		log.Warn("initial reload failed", "error", err)
	}

	if s.cfg.ReloadIntervalSec > 0 {
		s.wg.Add(1)
		go s.reloadLoop(time.Duration(s.cfg.ReloadIntervalSec) * time.Second)
	}

	log.Info("listening", "address", s.cfg.Listen)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown() {
	log.Info("shutting down")
	close(s.shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		log.Error("http shutdown", "error", err)
	}

	s.wg.Wait()
	log.Info("shutdown complete")
}

// reloadLoop periodically drains new events for every run.
func (s *Server) reloadLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.mux.ReloadAll(); err != nil {
				log.Warn("periodic reload failed", "error", err)
			}
		case <-s.shutdown:
			return
		}
	}
}

// =============================================================================
// Handlers
// =============================================================================

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string][]string{"runs": s.mux.Runs()})
}

func (s *Server) handleTags(w http.ResponseWriter, r *http.Request) {
	run, ok := requireParam(w, r, "run")
	if !ok {
		return
	}
	idx, err := s.mux.Tags(run)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, idx)
}

func (s *Server) handleScalars(w http.ResponseWriter, r *http.Request) {
	run, tag, ok := requireRunTag(w, r)
	if !ok {
		return
	}
	recs, err := s.mux.Scalars(run, tag)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, recs)
}

func (s *Server) handleHistograms(w http.ResponseWriter, r *http.Request) {
	run, tag, ok := requireRunTag(w, r)
	if !ok {
		return
	}
	recs, err := s.mux.Histograms(run, tag)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, recs)
}

func (s *Server) handleCompressedHistograms(w http.ResponseWriter, r *http.Request) {
	run, tag, ok := requireRunTag(w, r)
	if !ok {
		return
	}
	recs, err := s.mux.CompressedHistograms(run, tag)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, recs)
}

func (s *Server) handleImages(w http.ResponseWriter, r *http.Request) {
	run, tag, ok := requireRunTag(w, r)
	if !ok {
		return
	}
	recs, err := s.mux.Images(run, tag)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, recs)
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	run, tag, ok := requireRunTag(w, r)
	if !ok {
		return
	}
	recs, err := s.mux.Audio(run, tag)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, recs)
}

func (s *Server) handleTensors(w http.ResponseWriter, r *http.Request) {
	run, tag, ok := requireRunTag(w, r)
	if !ok {
		return
	}
	recs, err := s.mux.Tensors(run, tag)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, recs)
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	run, ok := requireParam(w, r, "run")
	if !ok {
		return
	}
	graph, err := s.mux.Graph(run)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(graph)
}

func (s *Server) handleMetaGraph(w http.ResponseWriter, r *http.Request) {
	run, ok := requireParam(w, r, "run")
	if !ok {
		return
	}
	mg, err := s.mux.MetaGraph(run)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(mg)
}

func (s *Server) handleRunMetadata(w http.ResponseWriter, r *http.Request) {
	run, tag, ok := requireRunTag(w, r)
	if !ok {
		return
	}
	blob, err := s.mux.RunMetadata(run, tag)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(blob)
}

func (s *Server) handleHealthPills(w http.ResponseWriter, r *http.Request) {
	run, ok := requireParam(w, r, "run")
	if !ok {
		return
	}
	op, ok := requireParam(w, r, "op")
	if !ok {
		return
	}
	pills, err := s.mux.HealthPills(run, op)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, pills)
}

func (s *Server) handleDistribution(w http.ResponseWriter, r *http.Request) {
	run, tag, ok := requireRunTag(w, r)
	if !ok {
		return
	}
	sum, err := s.mux.ScalarDistribution(run, tag)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, sum)
}

func (s *Server) handleFirstEvent(w http.ResponseWriter, r *http.Request) {
	run, ok := requireParam(w, r, "run")
	if !ok {
		return
	}
	ts, err := s.mux.FirstEventTimestamp(run)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]float64{"wall_time": ts})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.mux.ReloadAll(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "reloaded"})
}

// =============================================================================
// Helpers
// =============================================================================

func requireParam(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		httpError(w, http.StatusBadRequest, "missing '"+name+"' parameter")
		return "", false
	}
	return v, true
}

func requireRunTag(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	run, ok := requireParam(w, r, "run")
	if !ok {
		return "", "", false
	}
	tag, ok := requireParam(w, r, "tag")
	if !ok {
		return "", "", false
	}
	return run, tag, true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.IsNotFound(err) {
		status = http.StatusNotFound
	}
	httpError(w, status, err.Error())
}

func httpError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
