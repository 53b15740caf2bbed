package rebalance

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Cost is the realized cost of a rebalance in source asset units.
type Cost struct {
	Absolute decimal.Decimal `json:"absolute"`
	Relative decimal.Decimal `json:"relative"`
}

// ComputeCost returns initial - final and its ratio to initial. The ratio is
// zero when initial is zero.
func ComputeCost(initial, final decimal.Decimal) Cost {
	abs := initial.Sub(final)
	rel := decimal.Zero
	if !initial.IsZero() {
		rel = abs.Div(initial)
	}
	return Cost{Absolute: abs, Relative: rel}
}

// Report summarizes a completed rebalance.
type Report struct {
	RunID           string          `json:"runId"`
	Asset           string          `json:"asset"`
	RequestedAmount decimal.Decimal `json:"requestedAmount"`
	InitialBalance  decimal.Decimal `json:"initialBalance"`
	FinalBalance    decimal.Decimal `json:"finalBalance"`
	Cost            Cost            `json:"cost"`
	StartedAt       time.Time       `json:"startedAt"`
	FinishedAt      time.Time       `json:"finishedAt"`
}

// NewReport builds the report for a checkpoint that finished all phases.
func NewReport(cp *Checkpoint, asset string, finalBalance decimal.Decimal, finishedAt time.Time) *Report {
	r := &Report{
		RunID:        cp.RunID,
		Asset:        asset,
		FinalBalance: finalBalance,
		StartedAt:    cp.StartedAt,
		FinishedAt:   finishedAt,
	}
	if cp.RequestedAmount != nil {
		r.RequestedAmount = *cp.RequestedAmount
	}
	if cp.InitialBalance != nil {
		r.InitialBalance = *cp.InitialBalance
	}
	r.Cost = ComputeCost(r.InitialBalance, r.FinalBalance)
	return r
}

// Text renders the report for operators.
func (r *Report) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Rebalance %s completed\n", r.RunID)
	fmt.Fprintf(&b, "Requested amount: %s %s\n", r.RequestedAmount.String(), r.Asset)
	fmt.Fprintf(&b, "Initial balance: %s %s\n", r.InitialBalance.String(), r.Asset)
	fmt.Fprintf(&b, "Final balance: %s %s\n", r.FinalBalance.String(), r.Asset)
	fmt.Fprintf(&b, "Cost: %s %s (%s%%)\n", r.Cost.Absolute.String(), r.Asset, r.Cost.Relative.Shift(2).StringFixed(2))
	fmt.Fprintf(&b, "Duration: %s", r.FinishedAt.Sub(r.StartedAt).Round(time.Second))
	return b.String()
}
