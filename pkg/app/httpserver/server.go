// Package httpserver runs the ops HTTP server next to a rebalance.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const defaultShutdownTimeout = 30 * time.Second

// Server is an HTTP server serving in the background until Stop is called.
type Server struct {
	srv             *http.Server
	addr            net.Addr
	logger          *zap.Logger
	shutdownTimeout time.Duration
	done            chan error
}

// Start binds srv.Addr and serves in a goroutine. Bind failures are returned
// here so the caller can refuse to start instead of running without an ops
// endpoint.
func Start(logger *zap.Logger, srv *http.Server, shutdownTimeout time.Duration) (*Server, error) {
	if srv == nil {
		return nil, errors.New("nil http server")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", srv.Addr, err)
	}

	s := &Server{
		srv:             srv,
		addr:            ln.Addr(),
		logger:          logger,
		shutdownTimeout: shutdownTimeout,
		done:            make(chan error, 1),
	}

	logger.Info("HTTP server listening", zap.String("address", s.addr.String()))
	go func() {
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", zap.Error(err))
			s.done <- err
			return
		}
		s.done <- nil
	}()
	return s, nil
}

// Addr is the bound address, useful when srv.Addr asked for port 0.
func (s *Server) Addr() string {
	return s.addr.String()
}

// Stop shuts the server down gracefully. It returns the serve error when the
// server had already failed.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	s.logger.Info("Shutting down HTTP server", zap.Duration("timeout", s.shutdownTimeout))
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}

	if err := <-s.done; err != nil {
		return fmt.Errorf("http server failed: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}
