package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-dispatcher/internal/apperrors"
)

// Server is the public API server.
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
}

// NewRouter builds the route tree: callbacks and cron authenticate with
// shared secrets, everything else under /api/v1 requires a tenant JWT.
func NewRouter(api *API, webhook *Webhook, jwtSecret string) *mux.Router {
	r := mux.NewRouter()
	r.Use(RequestID, Recovery, Logging, Metrics)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, req, apperrors.ErrNotFound)
	})

	webhook.Register(r)
	api.RegisterPublic(r)

	protected := r.PathPrefix("/api/v1").Subrouter()
	protected.Use(Authenticate(jwtSecret))
	api.Register(protected)
	return r
}

// NewServer creates the API server listening on port.
func NewServer(port string, router *mux.Router, logger *zap.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              ":" + port,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Start serves in the background.
func (s *Server) Start() {
	go func() {
		s.logger.Info("Starting API server", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()
}

// Stop drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server")
	return s.httpServer.Shutdown(ctx)
}
