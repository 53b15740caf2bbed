// Package storetest holds the behaviour every rebalance.Store must share.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chainsafe/treasury-rebalancer/pkg/rebalance"
)

// Run exercises a fresh store returned by newStore.
func Run(t *testing.T, newStore func(t *testing.T) rebalance.Store) {
	t.Helper()

	t.Run("load empty", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Load(context.Background())
		if !errors.Is(err, rebalance.ErrCheckpointNotFound) {
			t.Fatalf("expected ErrCheckpointNotFound, got %v", err)
		}
	})

	t.Run("save and load", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		cp := checkpoint(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
		if err := s.Save(ctx, cp, time.Time{}); err != nil {
			t.Fatalf("Save() failed: %v", err)
		}

		got, err := s.Load(ctx)
		if err != nil {
			t.Fatalf("Load() failed: %v", err)
		}
		if got.CurrentPhase != rebalance.PhaseSwapSourceToIntermediate {
			t.Errorf("unexpected phase %s", got.CurrentPhase)
		}
		if got.RunID != cp.RunID {
			t.Errorf("unexpected run id %s", got.RunID)
		}
		if got.InitialBalance == nil || !got.InitialBalance.Equal(decimal.RequireFromString("1000.5")) {
			t.Errorf("unexpected initial balance %v", got.InitialBalance)
		}
		if !got.UpdatedAt.Equal(cp.UpdatedAt) {
			t.Errorf("unexpected updated time %s", got.UpdatedAt)
		}
	})

	t.Run("compare and swap", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		first := checkpoint(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
		if err := s.Save(ctx, first, time.Time{}); err != nil {
			t.Fatalf("Save() failed: %v", err)
		}

		// A second writer that also believed the store was empty loses.
		if err := s.Save(ctx, checkpoint(first.UpdatedAt.Add(time.Second)), time.Time{}); !errors.Is(err, rebalance.ErrConcurrentModification) {
			t.Fatalf("expected ErrConcurrentModification for stale create, got %v", err)
		}

		next := first.Clone()
		next.CurrentPhase = rebalance.PhaseTransferIntermediateToChainB
		amount := decimal.RequireFromString("42.1")
		next.IntermediateAmount = &amount
		next.UpdatedAt = first.UpdatedAt.Add(time.Minute)
		if err := s.Save(ctx, next, first.UpdatedAt); err != nil {
			t.Fatalf("Save() with current token failed: %v", err)
		}

		stale := next.Clone()
		stale.UpdatedAt = next.UpdatedAt.Add(time.Minute)
		if err := s.Save(ctx, stale, first.UpdatedAt); !errors.Is(err, rebalance.ErrConcurrentModification) {
			t.Fatalf("expected ErrConcurrentModification for stale token, got %v", err)
		}

		got, err := s.Load(ctx)
		if err != nil {
			t.Fatalf("Load() failed: %v", err)
		}
		if got.CurrentPhase != rebalance.PhaseTransferIntermediateToChainB || !got.UpdatedAt.Equal(next.UpdatedAt) {
			t.Fatalf("unexpected checkpoint %+v", got)
		}
	})

	t.Run("reset to idle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		cp := checkpoint(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
		if err := s.Save(ctx, cp, time.Time{}); err != nil {
			t.Fatalf("Save() failed: %v", err)
		}

		idle := rebalance.NewIdleCheckpoint(cp.UpdatedAt.Add(time.Hour))
		if err := s.Save(ctx, idle, cp.UpdatedAt); err != nil {
			t.Fatalf("Save() idle failed: %v", err)
		}
		got, err := s.Load(ctx)
		if err != nil {
			t.Fatalf("Load() failed: %v", err)
		}
		if got.CurrentPhase != rebalance.PhaseIdle || got.InitialBalance != nil || got.RunID != "" {
			t.Fatalf("idle checkpoint must drop run fields, got %+v", got)
		}
	})
}

func checkpoint(at time.Time) *rebalance.Checkpoint {
	cp := rebalance.NewCheckpoint(decimal.RequireFromString("100"), at)
	cp.CurrentPhase = rebalance.PhaseSwapSourceToIntermediate
	balance := decimal.RequireFromString("1000.5")
	cp.InitialBalance = &balance
	return cp
}
