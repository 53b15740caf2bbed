package rebalance_test

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/chainsafe/treasury-rebalancer/pkg/rebalance"
)

func newSteps(t *testing.T, w *world, settings rebalance.Settings) *rebalance.Steps {
	t.Helper()
	steps, err := rebalance.NewSteps(w.collaborators(), settings, newFakeClock(), zap.NewNop())
	if err != nil {
		t.Fatalf("NewSteps() failed: %v", err)
	}
	return steps
}

func TestSteps_AwaitTargetOnChainA_RouterDecimals(t *testing.T) {
	tests := []struct {
		name        string
		balance     string
		raw         string
		wantTimeout bool
	}{
		{name: "arrived", balance: "999", raw: "99000000"},
		{name: "within tolerance", balance: "998.5", raw: "99000000"},
		{name: "not arrived", balance: "900", raw: "99000000", wantTimeout: true},
		// the same raw amount read with source decimals would be 0.000099
		{name: "source decimals misread", balance: "900.000099", raw: "99000000", wantTimeout: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newWorld(nil, tt.balance)
			settings := testSettings()
			settings.SourceDecimals = 12
			settings.RouterTargetDecimals = 6

			err := newSteps(t, w, settings).AwaitTargetOnChainA(context.Background(), dec("1000"), dec("100"), tt.raw)

			if !tt.wantTimeout {
				if err != nil {
					t.Fatalf("AwaitTargetOnChainA() failed: %v", err)
				}
				return
			}
			var te *rebalance.TimeoutError
			if !errors.As(err, &te) {
				t.Fatalf("expected TimeoutError, got %v", err)
			}
			if te.Phase != rebalance.PhaseAwaitTargetOnChainA {
				t.Errorf("unexpected timeout phase %s", te.Phase)
			}
		})
	}
}

func TestSteps_AwaitTargetOnChainA_InvalidRaw(t *testing.T) {
	w := newWorld(nil, "999")

	err := newSteps(t, w, testSettings()).AwaitTargetOnChainA(context.Background(), dec("1000"), dec("100"), "not-a-number")

	var sce *rebalance.StateCorruptedError
	if !errors.As(err, &sce) {
		t.Fatalf("expected StateCorruptedError, got %v", err)
	}
}

func TestSteps_FinalizeCrossChainSwap_ConfirmsOnDestination(t *testing.T) {
	w := newWorld(nil, "1000")

	if err := newSteps(t, w, testSettings()).FinalizeCrossChainSwap(context.Background(), "42"); err != nil {
		t.Fatalf("FinalizeCrossChainSwap() failed: %v", err)
	}

	if n := w.rec.count("destination.confirm"); n != 1 {
		t.Errorf("expected 1 destination confirmation, got %d", n)
	}
	if n := w.rec.count("chainB.confirm"); n != 0 {
		t.Errorf("finalize must not be confirmed on chain B, got %d calls", n)
	}
}

func TestSteps_FinalizeCrossChainSwap_DestinationFailure(t *testing.T) {
	w := newWorld(nil, "1000")
	w.dest.WaitForConfirmationFunc = func(context.Context, string) error {
		return errors.New("receipt reverted")
	}

	err := newSteps(t, w, testSettings()).FinalizeCrossChainSwap(context.Background(), "42")

	var ese *rebalance.ExternalServiceError
	if !errors.As(err, &ese) {
		t.Fatalf("expected ExternalServiceError, got %v", err)
	}
	if ese.Service != "destination" {
		t.Errorf("expected destination service, got %q", ese.Service)
	}
}

func TestNewSteps_MissingFinalizeConfirmer(t *testing.T) {
	w := newWorld(nil, "1000")
	c := w.collaborators()
	c.FinalizeConfirmer = nil

	if _, err := rebalance.NewSteps(c, testSettings(), newFakeClock(), zap.NewNop()); err == nil {
		t.Fatal("expected error for missing finalize confirmer")
	}
}
