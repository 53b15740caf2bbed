package rebalance

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/chainsafe/treasury-rebalancer/pkg/poll"
)

// Collaborators bundles the external services the steps call.
type Collaborators struct {
	Balances     ChainABalanceReader
	Dex          DexSwapService
	Messenger    CrossChainMessenger
	Settlement   SettlementBalanceReader
	Fiat         FiatConversionService
	Router       SwapRouterService
	BridgeStatus BridgeStatusChecker // optional
	Submitter    TxSubmitter
	Confirmer    TxConfirmer
	// FinalizeConfirmer waits for the receiver execution, which runs on the
	// router's destination chain rather than on chain B.
	FinalizeConfirmer TxConfirmer
}

func (c Collaborators) validate() error {
	switch {
	case c.Balances == nil:
		return errors.New("chain A balance reader is required")
	case c.Dex == nil:
		return errors.New("dex swap service is required")
	case c.Messenger == nil:
		return errors.New("cross-chain messenger is required")
	case c.Settlement == nil:
		return errors.New("settlement balance reader is required")
	case c.Fiat == nil:
		return errors.New("fiat conversion service is required")
	case c.Router == nil:
		return errors.New("swap router service is required")
	case c.Submitter == nil:
		return errors.New("tx submitter is required")
	case c.Confirmer == nil:
		return errors.New("tx confirmer is required")
	case c.FinalizeConfirmer == nil:
		return errors.New("finalize tx confirmer is required")
	}
	return nil
}

// CrossChainSwap is the outcome of InitiateCrossChainSwap.
type CrossChainSwap struct {
	ReceiverID      string
	TargetAmountRaw string
	SwapTxHash      string
}

// Steps wraps each collaborator call of the rebalance workflow. Steps never
// persist anything.
type Steps struct {
	c        Collaborators
	settings Settings
	clock    Clock
	logger   *zap.Logger
}

// NewSteps creates the step library.
func NewSteps(c Collaborators, settings Settings, clock Clock, logger *zap.Logger) (*Steps, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Steps{c: c, settings: settings, clock: clock, logger: logger}, nil
}

// CheckInitialBalance returns the treasury balance on chain A and fails when it
// is below required.
func (s *Steps) CheckInitialBalance(ctx context.Context, address string, required decimal.Decimal) (decimal.Decimal, error) {
	balance, err := s.c.Balances.Balance(ctx, address)
	if err != nil {
		return decimal.Zero, NewExternalServiceError("chain_a", "balance", err)
	}
	if balance.LessThan(required) {
		return decimal.Zero, &InsufficientBalanceError{Address: address, Balance: balance, Required: required}
	}
	return balance, nil
}

// SwapSourceToIntermediate swaps amount of the source asset on the chain A DEX.
func (s *Steps) SwapSourceToIntermediate(ctx context.Context, amount decimal.Decimal, idempotencyKey string) (decimal.Decimal, error) {
	out, err := s.c.Dex.QuoteAndSwap(ctx, SwapRequest{
		AmountIn:       amount,
		FromAsset:      s.settings.SourceAsset,
		ToAsset:        s.settings.IntermediateAsset,
		MinOutRatio:    s.settings.minOutRatio(),
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return decimal.Zero, NewExternalServiceError("dex", "quoteAndSwap", err)
	}
	if !out.IsPositive() {
		return decimal.Zero, &ExternalServiceError{
			Service: "dex",
			Op:      "quoteAndSwap",
			Err:     fmt.Errorf("swap returned non-positive amount %s", out),
		}
	}
	return out, nil
}

// TransferIntermediateToChainB sends the intermediate asset to chain B and
// returns the transfer handle.
func (s *Steps) TransferIntermediateToChainB(ctx context.Context, amount decimal.Decimal, idempotencyKey string) (string, error) {
	handle, err := s.c.Messenger.Transfer(ctx, TransferRequest{
		Destination:    s.settings.ChainBAddress,
		Amount:         amount,
		AssetID:        s.settings.IntermediateAssetID,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return "", NewExternalServiceError("chain_a", "transfer", err)
	}
	if handle == "" {
		return "", &ExternalServiceError{Service: "chain_a", Op: "transfer", Err: errors.New("empty transfer handle")}
	}
	return handle, nil
}

// PollForSettlement waits until the settlement balance reaches expected.
func (s *Steps) PollForSettlement(ctx context.Context, expected decimal.Decimal) error {
	err := poll.Until(ctx, s.clock, s.logger, poll.Options{
		Name:     string(PhasePollForSettlement),
		Interval: s.settings.SettlementPollInterval,
		Timeout:  s.settings.SettlementTimeout,
	}, func(ctx context.Context) (bool, error) {
		balance, err := s.c.Settlement.Balance(ctx, s.settings.SettlementAddress)
		if err != nil {
			return false, err
		}
		s.logger.Debug("Settlement balance observed",
			zap.String("balance", balance.String()),
			zap.String("expected", expected.String()))
		return balance.GreaterThanOrEqual(expected), nil
	})
	return timeoutFor(PhasePollForSettlement, err)
}

// SwapIntermediateToTarget converts the intermediate asset through the fiat
// service, which pays the proceeds out on chain B.
func (s *Steps) SwapIntermediateToTarget(ctx context.Context, amount decimal.Decimal, idempotencyKey string) (decimal.Decimal, error) {
	usd, err := s.c.Fiat.Convert(ctx, ConversionRequest{
		Amount:         amount,
		PayoutAddress:  s.settings.ChainBAddress,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return decimal.Zero, NewExternalServiceError("fiat", "convert", err)
	}
	if !usd.IsPositive() {
		return decimal.Zero, &ExternalServiceError{
			Service: "fiat",
			Op:      "convert",
			Err:     fmt.Errorf("conversion returned non-positive amount %s", usd),
		}
	}
	return usd, nil
}

// InitiateCrossChainSwap routes the bridged amount back toward chain A. The
// approve and swap transactions are each confirmed before moving on.
func (s *Steps) InitiateCrossChainSwap(ctx context.Context, bridgedUSD decimal.Decimal, idempotencyKey string) (*CrossChainSwap, error) {
	raw := bridgedUSD.Shift(s.settings.TargetDecimals).Truncate(0)
	if !raw.IsPositive() {
		return nil, fmt.Errorf("%w: bridged amount %s rounds to zero", ErrInvalidAmount, bridgedUSD)
	}

	plan, err := s.c.Router.BuildApproveAndSwap(ctx, RouteRequest{
		RawAmount:      raw.BigInt(),
		Destination:    s.settings.ReturnDestination,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return nil, NewExternalServiceError("router", "buildApproveAndSwap", err)
	}
	if err := validateRoutePlan(plan); err != nil {
		return nil, &ExternalServiceError{Service: "router", Op: "buildApproveAndSwap", Err: err}
	}

	if _, err := s.submitAndConfirm(ctx, "approve", plan.Approve); err != nil {
		return nil, err
	}
	swapHash, err := s.submitAndConfirm(ctx, "swap", plan.Swap)
	if err != nil {
		return nil, err
	}

	if s.c.BridgeStatus != nil {
		if err := s.awaitBridgeExecution(ctx, swapHash); err != nil {
			return nil, err
		}
	}

	return &CrossChainSwap{
		ReceiverID:      plan.ReceiverID,
		TargetAmountRaw: plan.ExpectedOutRaw,
		SwapTxHash:      swapHash,
	}, nil
}

// FinalizeCrossChainSwap waits the settling delay, then triggers the receiver
// side execution and waits for its confirmation.
func (s *Steps) FinalizeCrossChainSwap(ctx context.Context, receiverID string) error {
	if err := s.clock.Sleep(ctx, s.settings.FinalizeSettleDelay); err != nil {
		return fmt.Errorf("settling delay interrupted: %w", err)
	}
	txHash, err := s.c.Router.Finalize(ctx, receiverID, s.settings.ReturnDestination)
	if err != nil {
		return NewExternalServiceError("router", "finalize", err)
	}
	if err := s.c.FinalizeConfirmer.WaitForConfirmation(ctx, txHash); err != nil {
		return NewExternalServiceError("destination", "confirm finalize", err)
	}
	return nil
}

// AwaitTargetOnChainA waits until the chain A balance is within tolerance of
// initialBalance - requested + target. targetAmountRaw is the router's quoted
// output, so it is scaled by the router output token decimals rather than the
// chain A asset decimals.
func (s *Steps) AwaitTargetOnChainA(ctx context.Context, initialBalance, requested decimal.Decimal, targetAmountRaw string) error {
	raw, err := decimal.NewFromString(targetAmountRaw)
	if err != nil {
		return &StateCorruptedError{Phase: PhaseAwaitTargetOnChainA, Field: "targetAmountRaw"}
	}
	target := raw.Shift(-s.settings.RouterTargetDecimals)
	expected := initialBalance.Sub(requested).Add(target)
	margin := target.Mul(s.settings.arrivalTolerance())

	s.logger.Info("Waiting for target asset on chain A",
		zap.String("expected_balance", expected.String()),
		zap.String("margin", margin.String()))

	err = poll.Until(ctx, s.clock, s.logger, poll.Options{
		Name:     string(PhaseAwaitTargetOnChainA),
		Interval: s.settings.ArrivalPollInterval,
		Timeout:  s.settings.ArrivalTimeout,
	}, func(ctx context.Context) (bool, error) {
		balance, err := s.c.Balances.Balance(ctx, s.settings.TreasuryAddress)
		if err != nil {
			return false, err
		}
		return balance.Sub(expected).Abs().LessThanOrEqual(margin), nil
	})
	return timeoutFor(PhaseAwaitTargetOnChainA, err)
}

func (s *Steps) submitAndConfirm(ctx context.Context, label string, tx TxRequest) (string, error) {
	hash, err := s.c.Submitter.Submit(ctx, tx)
	if err != nil {
		return "", NewExternalServiceError("chain_b", "submit "+label, err)
	}
	s.logger.Info("Transaction submitted", zap.String("tx", label), zap.String("tx_hash", hash))
	if err := s.c.Confirmer.WaitForConfirmation(ctx, hash); err != nil {
		return "", NewExternalServiceError("chain_b", "confirm "+label, err)
	}
	return hash, nil
}

func (s *Steps) awaitBridgeExecution(ctx context.Context, swapHash string) error {
	var failed error
	err := poll.Until(ctx, s.clock, s.logger, poll.Options{
		Name:     "bridgeExecution",
		Interval: s.settings.BridgeStatusInterval,
		Timeout:  s.settings.BridgeStatusTimeout,
	}, func(ctx context.Context) (bool, error) {
		status, err := s.c.BridgeStatus.BridgeStatus(ctx, swapHash)
		if err != nil {
			return false, err
		}
		switch status {
		case BridgeStatusExecuted, BridgeStatusExpressExecuted:
			return true, nil
		case BridgeStatusFailed:
			failed = fmt.Errorf("bridge execution of %s failed", swapHash)
			return true, nil
		default:
			return false, nil
		}
	})
	if failed != nil {
		return &ExternalServiceError{Service: "router", Op: "bridgeStatus", Err: failed}
	}
	return timeoutFor(PhaseTransferTargetToChainAInitiate, err)
}

func validateRoutePlan(plan *RoutePlan) error {
	switch {
	case plan == nil:
		return errors.New("empty route plan")
	case plan.ReceiverID == "":
		return errors.New("route plan has no receiver id")
	case plan.Approve.To == "" || plan.Swap.To == "":
		return errors.New("route plan is missing a transaction target")
	}
	out, ok := new(big.Int).SetString(plan.ExpectedOutRaw, 10)
	if !ok || out.Sign() <= 0 {
		return fmt.Errorf("route plan has invalid expected output %q", plan.ExpectedOutRaw)
	}
	return nil
}

// timeoutFor converts a poll deadline into a TimeoutError for phase.
func timeoutFor(phase Phase, err error) error {
	if err == nil {
		return nil
	}
	var pte *poll.TimeoutError
	if errors.As(err, &pte) {
		return &TimeoutError{Phase: phase, Waited: pte.Waited}
	}
	return err
}
