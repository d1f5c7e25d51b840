package healthcheck

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-dispatcher/pkg/utils"
)

// Version is reported by /health.
var Version = "1.0.0"

// Checker reports whether a dependency is usable.
type Checker func(ctx context.Context) error

// Server represents a health check HTTP server
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux // Expose mux for adding handlers
	logger     *zap.Logger
	checks     map[string]Checker
	timeout    time.Duration
}

// HealthResponse is the response structure for health check endpoints
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// NewServer creates a new health check server
func NewServer(port string, logger *zap.Logger) *Server {
	mux := http.NewServeMux()

	server := &Server{
		httpServer: &http.Server{
			Addr:              ":" + port,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		mux:     mux,
		logger:  logger,
		checks:  make(map[string]Checker),
		timeout: 2 * time.Second,
	}

	mux.HandleFunc("/health", server.handleHealth)
	mux.HandleFunc("/ready", server.handleReady)

	return server
}

// Handler exposes the mux, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// AddCheck registers a readiness dependency. Register checks before Start.
func (s *Server) AddCheck(name string, check Checker) {
	s.checks[name] = check
}

// RegisterMetricsHandler adds the /metrics endpoint handler.
// Should only be called if metrics are enabled.
func (s *Server) RegisterMetricsHandler(handler http.Handler) {
	s.logger.Info("Registering /metrics endpoint")
	s.mux.Handle("/metrics", handler)
}

// Start begins the HTTP server
func (s *Server) Start() {
	utils.SafeGo(func() {
		s.logger.Info("Starting health check server", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Health check server error", zap.Error(err))
		}
	}, nil)
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping health check server")
	return s.httpServer.Shutdown(ctx)
}

// handleHealth handles the /health endpoint for liveness probes
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "UP",
		Version: Version,
	}

	utils.WriteJSONResponse(w, http.StatusOK, resp)
}

// handleReady runs every registered check; one failure makes the service not ready.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	status, code := "READY", http.StatusOK
	details := map[string]string{
		"timestamp": utils.FormatISO8601(utils.Now()),
	}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			s.logger.Warn("Readiness check failed", zap.String("check", name), zap.Error(err))
			details[name] = err.Error()
			status, code = "NOT_READY", http.StatusServiceUnavailable
			continue
		}
		details[name] = "ok"
	}

	utils.WriteJSONResponse(w, code, HealthResponse{Status: status, Details: details})
}
