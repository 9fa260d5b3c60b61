// Package api serves the loopback HTTP and WebSocket surface of the
// daemon: the /api WebSocket endpoint pages connect to, a JSON status
// endpoint, and Prometheus metrics. It also enforces the idle-shutdown
// policy: the daemon exits once no connection has been live for the
// configured grace period.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"

	"github.com/cernvm/cernvm-webapi/internal/brand"
	"github.com/cernvm/cernvm-webapi/internal/clock"
	"github.com/cernvm/cernvm-webapi/internal/config"
	"github.com/cernvm/cernvm-webapi/internal/daemon"
	"github.com/cernvm/cernvm-webapi/internal/logging"
)

// Server handles the loopback listener.
type Server struct {
	cfg  *config.Config
	core *daemon.Core
	log  *logging.Logger
	clk  clock.Clock
	mux  *http.ServeMux

	httpSrv *http.Server

	mu         sync.Mutex
	connCount  int
	lastClosed time.Time
}

// NewServer creates the API server around a daemon core.
func NewServer(core *daemon.Core, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	s := &Server{
		cfg:  core.Config(),
		core: core,
		log:  logger.WithComponent("api"),
		clk:  core.Clock(),
		mux:  http.NewServeMux(),
	}
	s.lastClosed = s.clk.Now()

	s.mux.HandleFunc("/api", s.handleWebSocket)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/", s.handleStatus)
	return s
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe serves until stopService or idle shutdown.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Listen.Host, s.cfg.Listen.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	ln = netutil.LimitListener(ln, s.cfg.Listen.MaxConnections)

	s.httpSrv = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info("listening", "addr", addr)

	watchdogDone := make(chan struct{})
	go s.idleWatchdog(watchdogDone)
	defer close(watchdogDone)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpSrv.Serve(ln)
	}()

	select {
	case <-s.core.ShutdownRequested():
		s.log.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(ctx)
	case err := <-errCh:
		return err
	}
}

// handleStatus reports daemon identity for the control page.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"name":    brand.Name,
		"version": brand.Version,
	})
}

// idleWatchdog exits the daemon after the grace period with zero live
// connections.
func (s *Server) idleWatchdog(done <-chan struct{}) {
	grace, err := s.cfg.IdleShutdown()
	if err != nil || grace <= 0 {
		return
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-s.core.ShutdownRequested():
			return
		case <-ticker.C:
			s.mu.Lock()
			idle := s.connCount == 0 && s.clk.Since(s.lastClosed) >= grace
			s.mu.Unlock()
			if idle {
				s.log.Info("idle with no connections, exiting", "grace", grace)
				s.core.Shutdown()
				return
			}
		}
	}
}

func (s *Server) connOpened() {
	s.mu.Lock()
	s.connCount++
	s.mu.Unlock()
}

func (s *Server) connClosed() {
	s.mu.Lock()
	s.connCount--
	s.lastClosed = s.clk.Now()
	s.mu.Unlock()
}

// ConnectionCount returns the number of live WebSocket connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connCount
}
