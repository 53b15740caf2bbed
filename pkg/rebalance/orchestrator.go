package rebalance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/chainsafe/treasury-rebalancer/internal/metrics"
)

const tracerName = "github.com/chainsafe/treasury-rebalancer/pkg/rebalance"

// stepDescriptor binds a phase to the work that completes it. execute reads
// its inputs from cp and writes its results back into cp.
type stepDescriptor struct {
	phase   Phase
	execute func(ctx context.Context, cp *Checkpoint) error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLocker guards every run with a lease from l.
func WithLocker(l Locker) Option {
	return func(o *Orchestrator) { o.locker = l }
}

// WithNotifier sends completion reports through n.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithClock replaces the wall clock used for timestamps.
func WithClock(c Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithTracerProvider sets the provider step spans are started from.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Orchestrator) { o.tracer = tp.Tracer(tracerName) }
}

// Orchestrator drives the rebalance saga. It is the only writer of the checkpoint.
type Orchestrator struct {
	store    Store
	steps    *Steps
	settings Settings
	locker   Locker
	notifier Notifier
	clock    Clock
	tracer   trace.Tracer
	logger   *zap.Logger

	sequence []stepDescriptor
}

// NewOrchestrator creates a new orchestrator
func NewOrchestrator(store Store, steps *Steps, settings Settings, logger *zap.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		steps:    steps,
		settings: settings,
		clock:    SystemClock(),
		tracer:   otel.Tracer(tracerName),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	o.sequence = []stepDescriptor{
		{PhaseCheckInitialBalance, o.checkInitialBalance},
		{PhaseSwapSourceToIntermediate, o.swapSourceToIntermediate},
		{PhaseTransferIntermediateToChainB, o.transferIntermediateToChainB},
		{PhasePollForSettlement, o.pollForSettlement},
		{PhaseSwapIntermediateToTarget, o.swapIntermediateToTarget},
		{PhaseTransferTargetToChainAInitiate, o.initiateCrossChainSwap},
		{PhaseTransferTargetToChainAFinalize, o.finalizeCrossChainSwap},
		{PhaseAwaitTargetOnChainA, o.awaitTargetOnChainA},
	}
	return o
}

// ParseAmount parses a positive decimal amount.
func ParseAmount(s string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s is not positive", ErrInvalidAmount, amount)
	}
	return amount, nil
}

// Run starts a rebalance of amount, or resumes the persisted one. amount is
// ignored when a non-idle checkpoint exists.
func (o *Orchestrator) Run(ctx context.Context, amount string) (report *Report, err error) {
	start := o.clock.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "failure"
			metrics.ErrorsTotal.WithLabelValues("orchestrator", Kind(err)).Inc()
		}
		metrics.RunsTotal.WithLabelValues(status).Inc()
		o.logger.Info("Rebalance run finished",
			zap.String("status", status),
			zap.Duration("duration", o.clock.Now().Sub(start)),
			zap.Error(err))
	}()

	if o.locker != nil {
		lease, err := o.locker.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := lease.Release(releaseCtx); err != nil {
				o.logger.Warn("Failed to release rebalance lease", zap.Error(err))
			}
		}()
	}

	cp, token, err := o.load(ctx)
	if err != nil {
		return nil, err
	}

	if cp.CurrentPhase == PhaseIdle {
		requested, err := ParseAmount(amount)
		if err != nil {
			return nil, err
		}
		cp = NewCheckpoint(requested, o.clock.Now())
		o.logger.Info("Starting new rebalance",
			zap.String("run_id", cp.RunID),
			zap.String("amount", requested.String()))
	} else {
		o.logger.Info("Resuming rebalance",
			zap.String("run_id", cp.RunID),
			zap.String("phase", cp.CurrentPhase.String()),
			zap.String("amount", cp.RequestedAmount.String()))
		if requested, err := ParseAmount(amount); err == nil && !requested.Equal(*cp.RequestedAmount) {
			o.logger.Warn("Ignoring requested amount while resuming",
				zap.String("requested", requested.String()),
				zap.String("persisted", cp.RequestedAmount.String()))
		}
	}

	currentOrder := Order(cp.CurrentPhase)
	for _, step := range o.sequence {
		if currentOrder > Order(step.phase) {
			continue
		}
		next := cp.Clone()
		if err := o.runStep(ctx, step, next); err != nil {
			return nil, err
		}
		next.CurrentPhase = step.phase.Next()
		if token, err = o.save(ctx, next, token); err != nil {
			return nil, err
		}
		cp = next
	}

	// The last step already persisted idle, so a resume cannot rebuild the
	// report once this read fails.
	finalBalance, err := o.steps.CheckInitialBalance(ctx, o.settings.TreasuryAddress, decimal.Zero)
	if err != nil {
		o.logger.Warn("Final balance read failed after rebalance completed, completion report is lost",
			zap.String("run_id", cp.RunID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to read final balance: %w", err)
	}
	report = NewReport(cp, o.settings.SourceAsset, finalBalance, o.clock.Now())
	o.publish(ctx, report)

	cp.CurrentPhase = PhaseIdle
	if _, err = o.save(ctx, cp, token); err != nil {
		return nil, err
	}
	return report, nil
}

// Status returns the persisted checkpoint, or an idle one when nothing was stored.
func (o *Orchestrator) Status(ctx context.Context) (*Checkpoint, error) {
	cp, _, err := o.load(ctx)
	return cp, err
}

func (o *Orchestrator) load(ctx context.Context) (*Checkpoint, time.Time, error) {
	cp, err := o.store.Load(ctx)
	if errors.Is(err, ErrCheckpointNotFound) {
		return NewIdleCheckpoint(o.clock.Now()), time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, asStorageError("load", err)
	}
	if err := cp.Validate(); err != nil {
		return nil, time.Time{}, err
	}
	metrics.CurrentPhase.Set(float64(Order(cp.CurrentPhase)))
	return cp, cp.UpdatedAt, nil
}

// save stamps and persists cp, returning the new concurrency token.
func (o *Orchestrator) save(ctx context.Context, cp *Checkpoint, prev time.Time) (time.Time, error) {
	now := o.clock.Now().UTC().Truncate(time.Microsecond)
	if !now.After(prev) {
		now = prev.Add(time.Microsecond)
	}
	cp.UpdatedAt = now
	if err := o.store.Save(ctx, cp, prev); err != nil {
		return prev, asStorageError("save", err)
	}
	metrics.CurrentPhase.Set(float64(Order(cp.CurrentPhase)))
	return now, nil
}

func (o *Orchestrator) runStep(ctx context.Context, step stepDescriptor, cp *Checkpoint) (err error) {
	phase := step.phase.String()
	ctx, span := o.tracer.Start(ctx, "rebalance."+phase, trace.WithAttributes(
		attribute.String("rebalance.run_id", cp.RunID),
		attribute.String("rebalance.phase", phase),
	))
	defer span.End()

	start := o.clock.Now()
	o.logger.Info("Step started", zap.String("phase", phase), zap.String("run_id", cp.RunID))

	defer func() {
		duration := o.clock.Now().Sub(start)
		metrics.StepDuration.WithLabelValues(phase).Observe(duration.Seconds())
		if err != nil {
			metrics.StepsTotal.WithLabelValues(phase, "failure").Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			o.logger.Error("Step failed",
				zap.String("phase", phase),
				zap.String("run_id", cp.RunID),
				zap.String("error_type", Kind(err)),
				zap.Duration("duration", duration),
				zap.Error(err))
			return
		}
		metrics.StepsTotal.WithLabelValues(phase, "success").Inc()
		o.logger.Info("Step completed",
			zap.String("phase", phase),
			zap.String("run_id", cp.RunID),
			zap.Duration("duration", duration))
	}()

	if err := requireInputs(cp, step.phase); err != nil {
		return err
	}
	return step.execute(ctx, cp)
}

func (o *Orchestrator) publish(ctx context.Context, report *Report) {
	cost, _ := report.Cost.Absolute.Float64()
	rel, _ := report.Cost.Relative.Float64()
	metrics.LastCost.Set(cost)
	metrics.LastRelativeCost.Set(rel)

	o.logger.Info("Rebalance completed",
		zap.String("run_id", report.RunID),
		zap.String("initial_balance", report.InitialBalance.String()),
		zap.String("final_balance", report.FinalBalance.String()),
		zap.String("cost", report.Cost.Absolute.String()),
		zap.String("relative_cost", report.Cost.Relative.String()))

	if o.notifier == nil {
		return
	}
	if err := o.notifier.Send(ctx, report.Text()); err != nil {
		metrics.NotificationsTotal.WithLabelValues("failure").Inc()
		metrics.ErrorsTotal.WithLabelValues("notifier", Kind(err)).Inc()
		o.logger.Warn("Failed to send completion report", zap.String("run_id", report.RunID), zap.Error(err))
		return
	}
	metrics.NotificationsTotal.WithLabelValues("success").Inc()
}

func (o *Orchestrator) checkInitialBalance(ctx context.Context, cp *Checkpoint) error {
	balance, err := o.steps.CheckInitialBalance(ctx, o.settings.TreasuryAddress, *cp.RequestedAmount)
	if err != nil {
		return err
	}
	cp.InitialBalance = decimalPtr(balance)
	return nil
}

func (o *Orchestrator) swapSourceToIntermediate(ctx context.Context, cp *Checkpoint) error {
	out, err := o.steps.SwapSourceToIntermediate(ctx, *cp.RequestedAmount, IdempotencyKey(cp, PhaseSwapSourceToIntermediate))
	if err != nil {
		return err
	}
	cp.IntermediateAmount = decimalPtr(out)
	return nil
}

func (o *Orchestrator) transferIntermediateToChainB(ctx context.Context, cp *Checkpoint) error {
	handle, err := o.steps.TransferIntermediateToChainB(ctx, *cp.IntermediateAmount, IdempotencyKey(cp, PhaseTransferIntermediateToChainB))
	if err != nil {
		return err
	}
	cp.TransferHash = stringPtr(handle)
	return nil
}

func (o *Orchestrator) pollForSettlement(ctx context.Context, cp *Checkpoint) error {
	return o.steps.PollForSettlement(ctx, *cp.IntermediateAmount)
}

func (o *Orchestrator) swapIntermediateToTarget(ctx context.Context, cp *Checkpoint) error {
	usd, err := o.steps.SwapIntermediateToTarget(ctx, *cp.IntermediateAmount, IdempotencyKey(cp, PhaseSwapIntermediateToTarget))
	if err != nil {
		return err
	}
	cp.BridgedAmountUSD = decimalPtr(usd)
	return nil
}

func (o *Orchestrator) initiateCrossChainSwap(ctx context.Context, cp *Checkpoint) error {
	swap, err := o.steps.InitiateCrossChainSwap(ctx, *cp.BridgedAmountUSD, IdempotencyKey(cp, PhaseTransferTargetToChainAInitiate))
	if err != nil {
		return err
	}
	cp.RouterReceiverID = stringPtr(swap.ReceiverID)
	cp.TargetAmountRaw = stringPtr(swap.TargetAmountRaw)
	return nil
}

func (o *Orchestrator) finalizeCrossChainSwap(ctx context.Context, cp *Checkpoint) error {
	return o.steps.FinalizeCrossChainSwap(ctx, *cp.RouterReceiverID)
}

func (o *Orchestrator) awaitTargetOnChainA(ctx context.Context, cp *Checkpoint) error {
	return o.steps.AwaitTargetOnChainA(ctx, *cp.InitialBalance, *cp.RequestedAmount, *cp.TargetAmountRaw)
}

// IdempotencyKey derives a stable token for phase from the run id, so a step
// re-executed after a crash presents the same key to its collaborator.
func IdempotencyKey(cp *Checkpoint, phase Phase) string {
	ns, err := uuid.Parse(cp.RunID)
	if err != nil {
		ns = uuid.NewSHA1(uuid.NameSpaceOID, []byte(cp.StartedAt.UTC().Format(time.RFC3339Nano)))
	}
	return uuid.NewSHA1(ns, []byte(phase)).String()
}

func requireInputs(cp *Checkpoint, phase Phase) error {
	for _, f := range phaseInputs[phase] {
		if !f.present(cp) {
			return &StateCorruptedError{Phase: phase, Field: f.name}
		}
	}
	return nil
}

func asStorageError(op string, err error) error {
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
