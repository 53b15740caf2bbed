package rebalance_test

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chainsafe/treasury-rebalancer/pkg/rebalance"
)

// fakeClock advances only when Sleep is called.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return nil
}

// memStore persists the checkpoint as JSON and enforces compare-and-swap.
type memStore struct {
	mu      sync.Mutex
	data    []byte
	saved   []*rebalance.Checkpoint
	saveErr error
}

func newMemStore(cp *rebalance.Checkpoint) *memStore {
	s := &memStore{}
	if cp != nil {
		data, err := cp.MarshalDocument()
		if err != nil {
			panic(err)
		}
		s.data = data
	}
	return s
}

func (s *memStore) Load(_ context.Context) (*rebalance.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil, rebalance.ErrCheckpointNotFound
	}
	return rebalance.UnmarshalCheckpoint(s.data)
}

func (s *memStore) Save(_ context.Context, cp *rebalance.Checkpoint, prev time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	var current time.Time
	if s.data != nil {
		stored, err := rebalance.UnmarshalCheckpoint(s.data)
		if err != nil {
			return err
		}
		current = stored.UpdatedAt
	}
	if !current.Equal(prev) {
		return rebalance.ErrConcurrentModification
	}
	data, err := cp.MarshalDocument()
	if err != nil {
		return err
	}
	s.data = data
	s.saved = append(s.saved, cp.Clone())
	return nil
}

func (s *memStore) phase() rebalance.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return ""
	}
	cp, err := rebalance.UnmarshalCheckpoint(s.data)
	if err != nil {
		return ""
	}
	return cp.CurrentPhase
}

func (s *memStore) savedPhases() []rebalance.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]rebalance.Phase, 0, len(s.saved))
	for _, cp := range s.saved {
		out = append(out, cp.CurrentPhase)
	}
	return out
}

// call records one collaborator invocation and the phase persisted at that time.
type call struct {
	name      string
	persisted rebalance.Phase
}

type recorder struct {
	mu    sync.Mutex
	store *memStore
	calls []call
}

func (r *recorder) record(name string) {
	var persisted rebalance.Phase
	if r.store != nil {
		persisted = r.store.phase()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{name: name, persisted: persisted})
}

func (r *recorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.name == name {
			n++
		}
	}
	return n
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, c.name)
	}
	return out
}

func (r *recorder) first(name string) (call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if c.name == name {
			return c, true
		}
	}
	return call{}, false
}

// MockBalances is a mock implementation of ChainABalanceReader
type MockBalances struct {
	rec         *recorder
	BalanceFunc func(ctx context.Context, address string) (decimal.Decimal, error)
}

func (m *MockBalances) Balance(ctx context.Context, address string) (decimal.Decimal, error) {
	m.rec.record("chainA.balance")
	if m.BalanceFunc != nil {
		return m.BalanceFunc(ctx, address)
	}
	return decimal.Zero, nil
}

// MockDex is a mock implementation of DexSwapService
type MockDex struct {
	rec              *recorder
	QuoteAndSwapFunc func(ctx context.Context, req rebalance.SwapRequest) (decimal.Decimal, error)
}

func (m *MockDex) QuoteAndSwap(ctx context.Context, req rebalance.SwapRequest) (decimal.Decimal, error) {
	m.rec.record("dex.quoteAndSwap")
	if m.QuoteAndSwapFunc != nil {
		return m.QuoteAndSwapFunc(ctx, req)
	}
	return decimal.Zero, nil
}

// MockMessenger is a mock implementation of CrossChainMessenger
type MockMessenger struct {
	rec          *recorder
	TransferFunc func(ctx context.Context, req rebalance.TransferRequest) (string, error)
}

func (m *MockMessenger) Transfer(ctx context.Context, req rebalance.TransferRequest) (string, error) {
	m.rec.record("messenger.transfer")
	if m.TransferFunc != nil {
		return m.TransferFunc(ctx, req)
	}
	return "", nil
}

// MockSettlement is a mock implementation of SettlementBalanceReader
type MockSettlement struct {
	rec         *recorder
	BalanceFunc func(ctx context.Context, address string) (decimal.Decimal, error)
}

func (m *MockSettlement) Balance(ctx context.Context, address string) (decimal.Decimal, error) {
	m.rec.record("settlement.balance")
	if m.BalanceFunc != nil {
		return m.BalanceFunc(ctx, address)
	}
	return decimal.Zero, nil
}

// MockFiat is a mock implementation of FiatConversionService
type MockFiat struct {
	rec         *recorder
	ConvertFunc func(ctx context.Context, req rebalance.ConversionRequest) (decimal.Decimal, error)
}

func (m *MockFiat) Convert(ctx context.Context, req rebalance.ConversionRequest) (decimal.Decimal, error) {
	m.rec.record("fiat.convert")
	if m.ConvertFunc != nil {
		return m.ConvertFunc(ctx, req)
	}
	return decimal.Zero, nil
}

// MockRouter is a mock implementation of SwapRouterService and BridgeStatusChecker
type MockRouter struct {
	rec                     *recorder
	BuildApproveAndSwapFunc func(ctx context.Context, req rebalance.RouteRequest) (*rebalance.RoutePlan, error)
	FinalizeFunc            func(ctx context.Context, receiverID, destination string) (string, error)
	BridgeStatusFunc        func(ctx context.Context, swapTxHash string) (string, error)
}

func (m *MockRouter) BuildApproveAndSwap(ctx context.Context, req rebalance.RouteRequest) (*rebalance.RoutePlan, error) {
	m.rec.record("router.build")
	if m.BuildApproveAndSwapFunc != nil {
		return m.BuildApproveAndSwapFunc(ctx, req)
	}
	return nil, nil
}

func (m *MockRouter) Finalize(ctx context.Context, receiverID, destination string) (string, error) {
	m.rec.record("router.finalize")
	if m.FinalizeFunc != nil {
		return m.FinalizeFunc(ctx, receiverID, destination)
	}
	return "", nil
}

func (m *MockRouter) BridgeStatus(ctx context.Context, swapTxHash string) (string, error) {
	m.rec.record("router.bridgeStatus")
	if m.BridgeStatusFunc != nil {
		return m.BridgeStatusFunc(ctx, swapTxHash)
	}
	return rebalance.BridgeStatusExecuted, nil
}

// MockChainB is a mock implementation of TxSubmitter and TxConfirmer
type MockChainB struct {
	rec                     *recorder
	SubmitFunc              func(ctx context.Context, tx rebalance.TxRequest) (string, error)
	WaitForConfirmationFunc func(ctx context.Context, txHash string) error
}

func (m *MockChainB) Submit(ctx context.Context, tx rebalance.TxRequest) (string, error) {
	m.rec.record("chainB.submit")
	if m.SubmitFunc != nil {
		return m.SubmitFunc(ctx, tx)
	}
	return "", nil
}

func (m *MockChainB) WaitForConfirmation(ctx context.Context, txHash string) error {
	m.rec.record("chainB.confirm")
	if m.WaitForConfirmationFunc != nil {
		return m.WaitForConfirmationFunc(ctx, txHash)
	}
	return nil
}

// MockDestination is a mock TxConfirmer for the router's destination chain
type MockDestination struct {
	rec                     *recorder
	WaitForConfirmationFunc func(ctx context.Context, txHash string) error
}

func (m *MockDestination) WaitForConfirmation(ctx context.Context, txHash string) error {
	m.rec.record("destination.confirm")
	if m.WaitForConfirmationFunc != nil {
		return m.WaitForConfirmationFunc(ctx, txHash)
	}
	return nil
}

// MockLocker is a mock implementation of Locker
type MockLocker struct {
	AcquireFunc func(ctx context.Context) (rebalance.Lease, error)
	released    int
}

func (m *MockLocker) Acquire(ctx context.Context) (rebalance.Lease, error) {
	if m.AcquireFunc != nil {
		return m.AcquireFunc(ctx)
	}
	return m, nil
}

func (m *MockLocker) Release(_ context.Context) error {
	m.released++
	return nil
}
