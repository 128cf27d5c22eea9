package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tabuladb/tabula/internal/observability"
)

// MetricsServer serves /metrics from a Prometheus registry and /health.
type MetricsServer struct {
	server   *http.Server
	listener net.Listener
	logger   log.Logger
	done     chan struct{}
}

// NewMetricsServer creates a server for addr. Nothing listens until Start.
func NewMetricsServer(addr string, gatherer prometheus.Gatherer, logger log.Logger) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"status":"healthy","service":"tabula"}`)
	})

	return &MetricsServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: observability.OrNop(logger),
		done:   make(chan struct{}),
	}
}

// Start binds the address and serves in the background.
func (s *MetricsServer) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on metrics address: %w", err)
	}
	s.listener = ln

	go func() {
		defer close(s.done)
		level.Info(s.logger).Log("msg", "metrics server listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			level.Error(s.logger).Log("msg", "metrics server error", "err", err)
		}
	}()
	return nil
}

// Addr is the bound address, or the configured one before Start.
func (s *MetricsServer) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.server.Addr
}

// Close shuts the server down gracefully.
func (s *MetricsServer) Close() error {
	if s.listener == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)
	<-s.done
	return err
}
