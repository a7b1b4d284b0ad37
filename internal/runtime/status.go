package runtime

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/leopard/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/leopard/internal/runtime/logging"
)

// WorkerStatus is the /api/workers view of one worker.
type WorkerStatus struct {
	ID        int                `json:"id"`
	Service   string             `json:"service"`
	Stopped   bool               `json:"stopped"`
	Endpoints []AttachedEndpoint `json:"endpoints"`
}

type statusServer struct {
	srv         *http.Server
	ln          net.Listener
	stats       *StatsRegistry
	workers     func() []*Worker
	process     *processSampler
	corsOrigins []string
	logger      loggingpkg.ServiceLogger
}

func newStatusServer(stats *StatsRegistry, workers func() []*Worker, corsOrigins []string, metrics bool, logger loggingpkg.ServiceLogger) *statusServer {
	s := &statusServer{
		stats:       stats,
		workers:     workers,
		process:     newProcessSampler(),
		corsOrigins: corsOrigins,
		logger:      logger,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/endpoints", s.handleGetEndpoints)
	mux.HandleFunc("/api/workers", s.handleGetWorkers)
	mux.HandleFunc("/api/process", s.handleGetProcess)
	if metrics {
		mux.Handle("/metrics", promhttp.Handler())
	}
	s.srv = &http.Server{Handler: mux}
	return s
}

// start binds addr and serves in the background.
func (s *statusServer) start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Status server stopped", err, nil)
		}
	}()
	s.logger.Info("Status server listening", loggingpkg.LogFields{"addr": ln.Addr().String()})
	return nil
}

func (s *statusServer) addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *statusServer) close(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *statusServer) handleGetEndpoints(w http.ResponseWriter, r *http.Request) {
	if s.writeHeaders(w, r) {
		return
	}
	if err := jsoncodec.Encode(w, s.stats.All()); err != nil {
		s.logger.Error("Failed to encode endpoint stats", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (s *statusServer) handleGetWorkers(w http.ResponseWriter, r *http.Request) {
	if s.writeHeaders(w, r) {
		return
	}
	workers := s.workers()
	out := make([]WorkerStatus, 0, len(workers))
	for _, wk := range workers {
		out = append(out, WorkerStatus{
			ID:        wk.ID(),
			Service:   wk.ServiceName(),
			Stopped:   wk.Stopped(),
			Endpoints: wk.Endpoints(),
		})
	}
	if err := jsoncodec.Encode(w, out); err != nil {
		s.logger.Error("Failed to encode worker status", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (s *statusServer) handleGetProcess(w http.ResponseWriter, r *http.Request) {
	if s.writeHeaders(w, r) {
		return
	}
	if err := jsoncodec.Encode(w, s.process.Sample()); err != nil {
		s.logger.Error("Failed to encode process usage", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// writeHeaders sets the JSON and CORS headers and reports whether the request
// was a preflight that has already been answered.
func (s *statusServer) writeHeaders(w http.ResponseWriter, r *http.Request) bool {
	w.Header().Set("Content-Type", "application/json")

	if len(s.corsOrigins) > 0 {
		if allowed := allowedCORSOrigin(s.corsOrigins, r.Header.Get("Origin")); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return true
	}
	return false
}

// allowedCORSOrigin returns the Access-Control-Allow-Origin value for
// requestOrigin, or "" when it is not allowed.
func allowedCORSOrigin(allowed []string, requestOrigin string) string {
	for _, origin := range allowed {
		if origin == "*" {
			return "*"
		}
		if requestOrigin != "" && strings.EqualFold(origin, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
