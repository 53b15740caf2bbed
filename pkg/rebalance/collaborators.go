package rebalance

import (
	"context"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// Store persists the single rebalance checkpoint.
//
// Load returns ErrCheckpointNotFound when nothing was written yet. Save overwrites
// the whole document and fails with ErrConcurrentModification when the persisted
// updatedTime no longer matches prevUpdatedAt. A zero prevUpdatedAt means the
// caller expects no document, or the idle document it was handed on a fresh store.
type Store interface {
	Load(ctx context.Context) (*Checkpoint, error)
	Save(ctx context.Context, cp *Checkpoint, prevUpdatedAt time.Time) error
}

// Locker grants the exclusive right to drive a rebalance.
type Locker interface {
	Acquire(ctx context.Context) (Lease, error)
}

// Lease is a held run lease. Release is idempotent.
type Lease interface {
	Release(ctx context.Context) error
}

// ChainABalanceReader reads the treasury balance of the source asset on chain A.
type ChainABalanceReader interface {
	Balance(ctx context.Context, address string) (decimal.Decimal, error)
}

// SwapRequest describes a DEX swap on chain A.
type SwapRequest struct {
	AmountIn       decimal.Decimal
	FromAsset      string
	ToAsset        string
	MinOutRatio    decimal.Decimal
	IdempotencyKey string
}

// DexSwapService quotes and executes a swap, returning the amount received.
type DexSwapService interface {
	QuoteAndSwap(ctx context.Context, req SwapRequest) (decimal.Decimal, error)
}

// TransferRequest describes a cross-chain message moving an asset off chain A.
type TransferRequest struct {
	Destination    string
	Amount         decimal.Decimal
	AssetID        string
	IdempotencyKey string
}

// CrossChainMessenger sends cross-chain transfers and returns a transfer handle.
type CrossChainMessenger interface {
	Transfer(ctx context.Context, req TransferRequest) (string, error)
}

// SettlementBalanceReader reads the intermediate asset balance where the transfer settles.
type SettlementBalanceReader interface {
	Balance(ctx context.Context, address string) (decimal.Decimal, error)
}

// ConversionRequest asks the fiat conversion service to convert and pay out.
type ConversionRequest struct {
	Amount         decimal.Decimal
	PayoutAddress  string
	IdempotencyKey string
}

// FiatConversionService converts the intermediate asset to the stable unit of
// account and deposits the proceeds on chain B.
type FiatConversionService interface {
	Convert(ctx context.Context, req ConversionRequest) (decimal.Decimal, error)
}

// RouteRequest asks the swap router for an approve and swap pair.
type RouteRequest struct {
	RawAmount      *big.Int
	Destination    string
	IdempotencyKey string
}

// TxRequest is an unsigned EVM transaction.
type TxRequest struct {
	To       string
	Data     []byte
	Value    *big.Int
	GasLimit uint64
}

// RoutePlan is the router's answer to a RouteRequest.
type RoutePlan struct {
	Approve        TxRequest
	Swap           TxRequest
	ReceiverID     string
	ExpectedOutRaw string
}

// Bridge execution states reported by a SwapRouterService.
const (
	BridgeStatusPending         = "pending"
	BridgeStatusExecuted        = "executed"
	BridgeStatusExpressExecuted = "express_executed"
	BridgeStatusFailed          = "failed"
)

// SwapRouterService builds cross-chain routes and finalizes them on the receiver side.
type SwapRouterService interface {
	BuildApproveAndSwap(ctx context.Context, req RouteRequest) (*RoutePlan, error)
	Finalize(ctx context.Context, receiverID, destination string) (string, error)
}

// BridgeStatusChecker reports the execution state of a routed swap.
type BridgeStatusChecker interface {
	BridgeStatus(ctx context.Context, swapTxHash string) (string, error)
}

// TxSubmitter signs and broadcasts EVM transactions.
type TxSubmitter interface {
	Submit(ctx context.Context, tx TxRequest) (string, error)
}

// TxConfirmer waits until an EVM transaction is mined successfully.
type TxConfirmer interface {
	WaitForConfirmation(ctx context.Context, txHash string) error
}

// Notifier delivers human readable messages to operators.
type Notifier interface {
	Send(ctx context.Context, text string) error
}

// Clock abstracts time for polling and settling delays.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

// SystemClock returns the wall clock.
func SystemClock() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
