package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/havonz/XXTCloudControl-sub000/internal/config"
	"github.com/havonz/XXTCloudControl-sub000/internal/metrics"
)

// wsPath is the websocket endpoint devices and controllers dial.
const wsPath = "/api/ws"

// Server runs the relay: a websocket endpoint feeding one Hub, plus
// the liveness loop.
type Server struct {
	cfg    *config.RelayConfig
	hub    *Hub
	logger *slog.Logger
}

// New builds a server from cfg. Metrics may be nil.
func New(cfg *config.RelayConfig, m *metrics.Relay, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		hub:    NewHub(cfg.Password, cfg.ICEServers, m, logger),
		logger: logger,
	}
}

// Hub exposes the routing core, mainly for inspection.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Run serves websockets on the configured address until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Controllers connect from browsers and tools on other hosts.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc(wsPath, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		s.hub.HandleConn(conn)
	})

	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pollInterval := time.Duration(s.cfg.PollSeconds) * time.Second
	if pollInterval <= 0 {
		pollInterval = 15 * time.Second
	}
	go s.hub.Run(runCtx, pollInterval)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("relay listening", "addr", s.cfg.Listen, "path", wsPath)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
