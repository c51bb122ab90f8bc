package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

type healthResponse struct {
	Status  string `json:"status"`
	Rooms   int    `json:"rooms"`
	Clients int    `json:"clients"`
}

// Handler routes the websocket endpoint and the health check.
func Handler(h *Hub) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws/chess", h)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		rooms, clients := h.Stats()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(healthResponse{Status: "ok", Rooms: rooms, Clients: clients})
	})
	return mux
}

// Server is the relay process: HTTP listener, hub and optional bridge.
type Server struct {
	http   *http.Server
	hub    *Hub
	bridge *RedisBridge
	logger *zap.Logger
}

func NewServer(addr string, hub *Hub, bridge *RedisBridge, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bridge != nil {
		hub.SetPublisher(bridge)
	}
	return &Server{
		http: &http.Server{
			Addr:              addr,
			Handler:           Handler(hub),
			ReadHeaderTimeout: 10 * time.Second,
		},
		hub:    hub,
		bridge: bridge,
		logger: logger,
	}
}

// Run starts the bridge and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if s.bridge != nil {
		if err := s.bridge.Start(ctx, s.hub); err != nil {
			return err
		}
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("relay_listen", zap.String("addr", s.http.Addr))
		errCh <- s.http.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

func (s *Server) Shutdown(ctx context.Context) error {
	var result error
	if err := s.hub.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.http.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		result = multierror.Append(result, err)
	}
	if s.bridge != nil {
		if err := s.bridge.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}
