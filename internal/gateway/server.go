// Package gateway serves the relay's HTTP surface: channel webhooks and a
// health endpoint.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/wecomrelay/internal/channels"
	"github.com/nextlevelbuilder/wecomrelay/internal/config"
	"github.com/nextlevelbuilder/wecomrelay/pkg/protocol"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Server is the HTTP server that receives channel webhooks.
type Server struct {
	cfg      *config.Config
	channels *channels.Manager

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a new gateway server.
func NewServer(cfg *config.Config, mgr *channels.Manager) *Server {
	return &Server{cfg: cfg, channels: mgr}
}

// BuildMux creates and caches the HTTP mux with all routes registered.
// Channels added to the manager after the first call are not routed.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)

	if s.channels != nil {
		s.channels.RegisterRoutes(mux)
	}

	s.mux = mux
	return mux
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
}

// Start listens on the configured address until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then drains
// in-flight requests for up to five seconds.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.BuildMux(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	slog.Info("gateway starting", "addr", ln.Addr().String())

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("gateway shutdown", "error", err)
		}
	}()

	if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

type healthResponse struct {
	Status   string                 `json:"status"`
	Protocol int                    `json:"protocol"`
	Channels map[string]interface{} `json:"channels,omitempty"`
}

// handleHealth reports liveness and per-channel running state.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := healthResponse{Status: "ok", Protocol: protocol.ProtocolVersion}
	if s.channels != nil {
		resp.Channels = s.channels.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}
