// Package rebalancer implements app.Runner for a single treasury rebalance.
package rebalancer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/chainsafe/treasury-rebalancer/pkg/app"
	"github.com/chainsafe/treasury-rebalancer/pkg/app/httpserver"
	"github.com/chainsafe/treasury-rebalancer/pkg/config"
	"github.com/chainsafe/treasury-rebalancer/pkg/evm"
	"github.com/chainsafe/treasury-rebalancer/pkg/rebalance"
)

const (
	defaultHTTPMiddlewareTimeout = 60 * time.Second
	defaultHTTPReadTimeout       = 15 * time.Second
	defaultHTTPWriteTimeout      = 15 * time.Second
	defaultHTTPIdleTimeout       = 60 * time.Second
)

var errNilConfig = errors.New("nil config")

// Server runs one rebalance and, while it runs, the ops HTTP server.
type Server struct {
	cfg    *config.Config
	amount string
}

var _ app.Runner = (*Server)(nil)

// NewServer creates a Server rebalancing amount. An empty amount resumes the
// persisted rebalance.
func NewServer(cfg *config.Config, amount string) *Server {
	return &Server{cfg: cfg, amount: amount}
}

// Run wires the collaborators and drives the rebalance to completion. It
// returns early with the orchestrator error when a step fails; the checkpoint
// is kept so the next run resumes from it.
func (s *Server) Run() error {
	if s.cfg == nil {
		return errNilConfig
	}
	cfg := s.cfg

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting treasury rebalancer",
		zap.String("amount", s.amount),
		zap.String("state_store", cfg.StateStore.Driver))

	var cleanup closers
	defer cleanup.close()

	orchestrator, err := s.newOrchestrator(ctx, &cleanup, logger)
	if err != nil {
		return err
	}

	var ops *httpserver.Server
	if cfg.Server.Enabled {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		ops, err = httpserver.Start(logger, newHTTPServer(addr, newRouter(orchestrator, cfg.Monitoring.Enabled, logger)), cfg.Shutdown.Timeout)
		if err != nil {
			return fmt.Errorf("start ops server: %w", err)
		}
	}

	report, runErr := orchestrator.Run(ctx, s.amount)
	if runErr == nil {
		logger.Info("Rebalance completed",
			zap.String("run_id", report.RunID),
			zap.String("cost", report.Cost.Absolute.String()),
			zap.String("relative_cost", report.Cost.Relative.String()))
	}

	if ops != nil {
		if err := ops.Stop(); err != nil {
			logger.Error("Ops server stopped with error", zap.Error(err))
		}
	}

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			logger.Info("Rebalance interrupted, progress is kept for the next run")
		}
		return fmt.Errorf("rebalance failed: %w", runErr)
	}
	return nil
}

func (s *Server) newOrchestrator(ctx context.Context, cleanup *closers, logger *zap.Logger) (*rebalance.Orchestrator, error) {
	cfg := s.cfg
	rc := &redisClient{cfg: &cfg.Redis}

	store, err := newStore(ctx, cfg, rc, cleanup, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize state store: %w", err)
	}

	locker, err := newLocker(ctx, cfg, rc, cleanup, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize run lease: %w", err)
	}

	notifier, err := newNotifier(&cfg.Notify, cleanup, logger.Named("notify"))
	if err != nil {
		return nil, fmt.Errorf("initialize notifier: %w", err)
	}

	chainB, err := evm.NewClient("chain_b", &cfg.ChainB.EVMConfig, logger.Named("chain_b"))
	if err != nil {
		return nil, fmt.Errorf("initialize chain B client: %w", err)
	}
	cleanup.add(chainB.Close)

	destination, err := evm.NewClient("destination", &cfg.Destination.EVMConfig, logger.Named("destination"))
	if err != nil {
		return nil, fmt.Errorf("initialize destination chain client: %w", err)
	}
	cleanup.add(destination.Close)

	collaborators, err := newCollaborators(cfg, chainB, destination, logger)
	if err != nil {
		return nil, err
	}

	settings := cfg.RebalanceSettings()
	clock := rebalance.SystemClock()
	steps, err := rebalance.NewSteps(collaborators, settings, clock, logger.Named("steps"))
	if err != nil {
		return nil, fmt.Errorf("initialize steps: %w", err)
	}

	opts := []rebalance.Option{rebalance.WithClock(clock)}
	if locker != nil {
		opts = append(opts, rebalance.WithLocker(locker))
	}
	if notifier != nil {
		opts = append(opts, rebalance.WithNotifier(notifier))
	}
	return rebalance.NewOrchestrator(store, steps, settings, logger.Named("orchestrator"), opts...), nil
}

func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  defaultHTTPReadTimeout,
		WriteTimeout: defaultHTTPWriteTimeout,
		IdleTimeout:  defaultHTTPIdleTimeout,
	}
}
