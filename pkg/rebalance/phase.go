package rebalance

import "fmt"

// Phase identifies one step of the rebalance workflow. A checkpoint's phase is
// the next step that still has to run.
type Phase string

const (
	PhaseIdle                           Phase = "idle"
	PhaseCheckInitialBalance            Phase = "checkInitialBalance"
	PhaseSwapSourceToIntermediate       Phase = "swapSourceToIntermediate"
	PhaseTransferIntermediateToChainB   Phase = "transferIntermediateToChainB"
	PhasePollForSettlement              Phase = "pollForSettlement"
	PhaseSwapIntermediateToTarget       Phase = "swapIntermediateToTarget"
	PhaseTransferTargetToChainAInitiate Phase = "transferTargetBackToChainAInitiate"
	PhaseTransferTargetToChainAFinalize Phase = "transferTargetBackToChainAFinalize"
	PhaseAwaitTargetOnChainA            Phase = "awaitTargetOnChainA"
)

var phases = []Phase{
	PhaseIdle,
	PhaseCheckInitialBalance,
	PhaseSwapSourceToIntermediate,
	PhaseTransferIntermediateToChainB,
	PhasePollForSettlement,
	PhaseSwapIntermediateToTarget,
	PhaseTransferTargetToChainAInitiate,
	PhaseTransferTargetToChainAFinalize,
	PhaseAwaitTargetOnChainA,
}

var phaseOrder = func() map[Phase]int {
	m := make(map[Phase]int, len(phases))
	for i, p := range phases {
		m[p] = i
	}
	return m
}()

// Phases returns every phase in workflow order, starting with PhaseIdle.
func Phases() []Phase {
	out := make([]Phase, len(phases))
	copy(out, phases)
	return out
}

// Order returns the position of p in the workflow, or -1 for unknown phases.
func Order(p Phase) int {
	if o, ok := phaseOrder[p]; ok {
		return o
	}
	return -1
}

// Next returns the phase that follows p. The last phase wraps back to idle.
func (p Phase) Next() Phase {
	o := Order(p)
	if o < 0 || o == len(phases)-1 {
		return PhaseIdle
	}
	return phases[o+1]
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	return Order(p) >= 0
}

func (p Phase) String() string {
	return string(p)
}

// ParsePhase converts a persisted phase name back into a Phase.
func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown rebalance phase %q", s)
	}
	return p, nil
}
