package rebalance

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Checkpoint is the single persisted document describing rebalance progress.
// CurrentPhase is the next phase to execute; every field produced by earlier
// phases must be present.
type Checkpoint struct {
	CurrentPhase       Phase            `json:"currentPhase"`
	RunID              string           `json:"runId,omitempty"`
	RequestedAmount    *decimal.Decimal `json:"requestedAmount"`
	InitialBalance     *decimal.Decimal `json:"initialBalance"`
	IntermediateAmount *decimal.Decimal `json:"intermediateAmount"`
	TransferHash       *string          `json:"transferHash,omitempty"`
	BridgedAmountUSD   *decimal.Decimal `json:"bridgedAmountUsd"`
	RouterReceiverID   *string          `json:"routerReceiverId"`
	TargetAmountRaw    *string          `json:"targetAmountRaw"`
	StartedAt          time.Time        `json:"startingTime"`
	UpdatedAt          time.Time        `json:"updatedTime"`
}

// NewIdleCheckpoint returns the document a store hands out when nothing was persisted yet.
func NewIdleCheckpoint(now time.Time) *Checkpoint {
	return &Checkpoint{
		CurrentPhase: PhaseIdle,
		StartedAt:    now.UTC(),
		UpdatedAt:    now.UTC(),
	}
}

// NewCheckpoint starts a fresh rebalance for amount. The phase stays idle until
// the first step succeeds.
func NewCheckpoint(amount decimal.Decimal, now time.Time) *Checkpoint {
	cp := NewIdleCheckpoint(now)
	cp.RunID = uuid.NewString()
	cp.RequestedAmount = decimalPtr(amount)
	return cp
}

// Clone returns a deep copy so step results never alias a persisted document.
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	out := *c
	out.RequestedAmount = cloneDecimal(c.RequestedAmount)
	out.InitialBalance = cloneDecimal(c.InitialBalance)
	out.IntermediateAmount = cloneDecimal(c.IntermediateAmount)
	out.BridgedAmountUSD = cloneDecimal(c.BridgedAmountUSD)
	out.TransferHash = cloneString(c.TransferHash)
	out.RouterReceiverID = cloneString(c.RouterReceiverID)
	out.TargetAmountRaw = cloneString(c.TargetAmountRaw)
	return &out
}

type fieldCheck struct {
	name    string
	present func(*Checkpoint) bool
}

var (
	fieldRequestedAmount    = fieldCheck{"requestedAmount", func(c *Checkpoint) bool { return c.RequestedAmount != nil }}
	fieldInitialBalance     = fieldCheck{"initialBalance", func(c *Checkpoint) bool { return c.InitialBalance != nil }}
	fieldIntermediateAmount = fieldCheck{"intermediateAmount", func(c *Checkpoint) bool { return c.IntermediateAmount != nil }}
	fieldBridgedAmountUSD   = fieldCheck{"bridgedAmountUsd", func(c *Checkpoint) bool { return c.BridgedAmountUSD != nil }}
	fieldRouterReceiverID   = fieldCheck{"routerReceiverId", func(c *Checkpoint) bool { return nonEmpty(c.RouterReceiverID) }}
	fieldTargetAmountRaw    = fieldCheck{"targetAmountRaw", func(c *Checkpoint) bool { return nonEmpty(c.TargetAmountRaw) }}
)

// phaseInputs lists the fields each phase reads, its own inputs first.
var phaseInputs = map[Phase][]fieldCheck{
	PhaseCheckInitialBalance:            {fieldRequestedAmount},
	PhaseSwapSourceToIntermediate:       {fieldRequestedAmount, fieldInitialBalance},
	PhaseTransferIntermediateToChainB:   {fieldIntermediateAmount},
	PhasePollForSettlement:              {fieldIntermediateAmount},
	PhaseSwapIntermediateToTarget:       {fieldIntermediateAmount},
	PhaseTransferTargetToChainAInitiate: {fieldBridgedAmountUSD},
	PhaseTransferTargetToChainAFinalize: {fieldRouterReceiverID, fieldTargetAmountRaw},
	PhaseAwaitTargetOnChainA:            {fieldTargetAmountRaw, fieldInitialBalance, fieldRequestedAmount},
}

// Validate checks that every field needed by the current phase and all phases
// before it is present. The current phase's own inputs are checked first.
func (c *Checkpoint) Validate() error {
	if !c.CurrentPhase.Valid() {
		return &StateCorruptedError{Phase: c.CurrentPhase, Field: "currentPhase"}
	}
	for o := Order(c.CurrentPhase); o > 0; o-- {
		for _, f := range phaseInputs[phases[o]] {
			if !f.present(c) {
				return &StateCorruptedError{Phase: c.CurrentPhase, Field: f.name}
			}
		}
	}
	return nil
}

// MarshalDocument encodes the checkpoint as the persisted JSON document.
func (c *Checkpoint) MarshalDocument() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	return data, nil
}

// UnmarshalCheckpoint decodes a persisted JSON document.
func UnmarshalCheckpoint(data []byte) (*Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	if cp.CurrentPhase == "" {
		cp.CurrentPhase = PhaseIdle
	}
	return &cp, nil
}

func decimalPtr(d decimal.Decimal) *decimal.Decimal {
	return &d
}

func stringPtr(s string) *string {
	return &s
}

func cloneDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	return decimalPtr(*d)
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	return stringPtr(*s)
}

func nonEmpty(s *string) bool {
	return s != nil && *s != ""
}
