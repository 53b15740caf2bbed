package rebalancer

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apperrors "github.com/chainsafe/treasury-rebalancer/pkg/app/errors"
	apphttp "github.com/chainsafe/treasury-rebalancer/pkg/app/http"
	"github.com/chainsafe/treasury-rebalancer/pkg/rebalance"
)

type statusReader interface {
	Status(ctx context.Context) (*rebalance.Checkpoint, error)
}

func newRouter(status statusReader, metricsEnabled bool, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(defaultHTTPMiddlewareTimeout))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
		logger.Info("Metrics enabled", zap.String("path", "/metrics"))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/checkpoint", apphttp.HandleError(handleGetCheckpoint(status, logger)))
	})

	return r
}

type checkpointResponse struct {
	*rebalance.Checkpoint
	Step  int `json:"step"`
	Steps int `json:"steps"`
}

func handleGetCheckpoint(status statusReader, logger *zap.Logger) apphttp.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		cp, err := status.Status(r.Context())
		if err != nil {
			logger.Error("Failed to load checkpoint", zap.Error(err))
			return apperrors.FromRebalance(err)
		}

		w.Header().Set("Content-Type", "application/json")
		resp := checkpointResponse{
			Checkpoint: cp,
			Step:       rebalance.Order(cp.CurrentPhase),
			Steps:      len(rebalance.Phases()) - 1,
		}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			logger.Error("Failed to encode response", zap.Error(err))
		}
		return nil
	}
}
