package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"voicebridge-server/pkg/bridge"
	"voicebridge-server/pkg/config"
	"voicebridge-server/pkg/events"
	"voicebridge-server/pkg/media"
	"voicebridge-server/pkg/metrics"
	"voicebridge-server/pkg/voicelive"
)

// Server is the HTTP surface of the bridge: REST control endpoints, webhook
// receivers, event streams and the media websocket
type Server struct {
	logger      *logrus.Logger
	cfg         *config.Config
	service     *bridge.Service
	mediaBridge *media.Bridge
	broadcaster *events.Broadcaster
	pool        *voicelive.ConnectionPool
	dialer      voicelive.Dialer

	httpServer *http.Server
	startTime  time.Time
}

// NewServer creates the HTTP server and registers all routes
func NewServer(logger *logrus.Logger, cfg *config.Config, service *bridge.Service, mediaBridge *media.Bridge, broadcaster *events.Broadcaster, pool *voicelive.ConnectionPool, dialer voicelive.Dialer) *Server {
	s := &Server{
		logger:      logger,
		cfg:         cfg,
		service:     service,
		mediaBridge: mediaBridge,
		broadcaster: broadcaster,
		pool:        pool,
		dialer:      dialer,
		startTime:   time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/live", s.handleLiveness)
	mux.HandleFunc("GET /health/ready", s.handleReadiness)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /api/config", s.handleConfig)
	mux.HandleFunc("GET /api/inbound-agent", s.handleGetInboundAgenda)
	mux.HandleFunc("POST /api/inbound-agent", s.handleSetInboundAgenda)
	mux.HandleFunc("GET /api/calls", s.handleActiveCalls)
	mux.HandleFunc("POST /api/calls/outbound", s.handleOutboundCall)
	mux.HandleFunc("POST /api/calls/inbound", s.handleInboundWebhook)
	mux.HandleFunc("POST /api/calls/events", s.handleLifecycleWebhook)
	mux.HandleFunc("POST /api/calls/{id}/hangup", s.handleHangup)
	mux.HandleFunc("GET /api/calls/{id}/transcripts", s.handleTranscripts)
	mux.HandleFunc("GET /api/calls/{id}/transcripts/stream", s.handleTranscriptStream)
	mux.HandleFunc("GET /api/events/stream", s.handleEventStream)
	mux.HandleFunc("GET /ws/media", s.mediaBridge.HandleMedia)
	mux.HandleFunc("GET /ws", s.handleClientSocket)

	if cfg.HTTP.EnableMetrics {
		if registry := metrics.GetRegistry(); registry != nil {
			mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		}
	}

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:     mux,
		ReadTimeout: cfg.HTTP.ReadTimeout,
		// Write timeout stays unset so SSE and websocket connections are
		// not cut off mid-stream
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return s
}

// Handler exposes the route table, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving; blocks until the listener fails or is shut down
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Debug("Failed to write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
