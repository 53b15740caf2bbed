package evm

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/chainsafe/treasury-rebalancer/pkg/config"
	"github.com/chainsafe/treasury-rebalancer/pkg/poll"
	"github.com/chainsafe/treasury-rebalancer/pkg/rebalance"
)

const testKey = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
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

// fakeBackend implements the calls the client makes; anything else panics.
type fakeBackend struct {
	Backend

	nonce        uint64
	tipCap       *big.Int
	baseFee      *big.Int
	estimate     uint64
	estimateErr  error
	estimated    int
	sent         []*types.Transaction
	receipts     []*types.Receipt
	receiptCalls int
	blockNumbers []uint64
	callResult   []byte
	lastCall     ethereum.CallMsg
}

func (f *fakeBackend) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasTipCap(_ context.Context) (*big.Int, error) {
	return f.tipCap, nil
}

func (f *fakeBackend) HeaderByNumber(_ context.Context, _ *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: f.baseFee}, nil
}

func (f *fakeBackend) EstimateGas(_ context.Context, _ ethereum.CallMsg) (uint64, error) {
	f.estimated++
	return f.estimate, f.estimateErr
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.sent = append(f.sent, tx)
	return nil
}

// TransactionReceipt returns receipts in order; a nil entry means not yet mined.
func (f *fakeBackend) TransactionReceipt(_ context.Context, _ common.Hash) (*types.Receipt, error) {
	i := f.receiptCalls
	f.receiptCalls++
	if i >= len(f.receipts) {
		i = len(f.receipts) - 1
	}
	if i < 0 || f.receipts[i] == nil {
		return nil, ethereum.NotFound
	}
	return f.receipts[i], nil
}

func (f *fakeBackend) BlockNumber(_ context.Context) (uint64, error) {
	n := f.blockNumbers[0]
	if len(f.blockNumbers) > 1 {
		f.blockNumbers = f.blockNumbers[1:]
	}
	return n, nil
}

func (f *fakeBackend) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.lastCall = call
	return f.callResult, nil
}

func testConfig() *config.EVMConfig {
	return &config.EVMConfig{
		ChainID:            137,
		PrivateKey:         "0x" + testKey,
		ConfirmationBlocks: 1,
		PollingInterval:    2 * time.Second,
		ReceiptTimeout:     time.Minute,
		FeeMultiplier:      2,
	}
}

func newTestClient(t *testing.T, cfg *config.EVMConfig, backend *fakeBackend) *Client {
	t.Helper()
	c, err := NewClientWithBackend(cfg, backend, &fakeClock{now: time.Unix(0, 0)}, nil)
	if err != nil {
		t.Fatalf("NewClientWithBackend() failed: %v", err)
	}
	return c
}

func TestNewClientWithBackend_InvalidKey(t *testing.T) {
	cfg := testConfig()
	cfg.PrivateKey = "zz"
	if _, err := NewClientWithBackend(cfg, &fakeBackend{}, nil, nil); err == nil {
		t.Fatal("expected error for invalid private key")
	}
}

func TestClient_Submit(t *testing.T) {
	backend := &fakeBackend{
		nonce:    7,
		tipCap:   big.NewInt(2_000_000_000),
		baseFee:  big.NewInt(10_000_000_000),
		estimate: 55_000,
	}
	c := newTestClient(t, testConfig(), backend)

	to := "0x4444444444444444444444444444444444444444"
	hash, err := c.Submit(context.Background(), rebalance.TxRequest{To: to, Data: []byte{0x01, 0x02}})
	if err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}
	if len(backend.sent) != 1 {
		t.Fatalf("expected one transaction, got %d", len(backend.sent))
	}
	tx := backend.sent[0]

	if tx.Hash().Hex() != hash {
		t.Errorf("returned hash %s does not match %s", hash, tx.Hash().Hex())
	}
	if tx.Type() != types.DynamicFeeTxType {
		t.Errorf("expected dynamic fee tx, got type %d", tx.Type())
	}
	if tx.Nonce() != 7 || tx.Gas() != 55_000 {
		t.Errorf("unexpected nonce/gas %d/%d", tx.Nonce(), tx.Gas())
	}
	if tx.GasTipCap().Cmp(big.NewInt(4_000_000_000)) != 0 {
		t.Errorf("unexpected tip cap %s", tx.GasTipCap())
	}
	if tx.GasFeeCap().Cmp(big.NewInt(24_000_000_000)) != 0 {
		t.Errorf("unexpected fee cap %s", tx.GasFeeCap())
	}
	if tx.ChainId().Cmp(big.NewInt(137)) != 0 {
		t.Errorf("unexpected chain id %s", tx.ChainId())
	}

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(137)), tx)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	key, _ := crypto.HexToECDSA(testKey)
	if sender != crypto.PubkeyToAddress(key.PublicKey) || sender != c.Address() {
		t.Errorf("unexpected sender %s", sender.Hex())
	}
}

func TestClient_Submit_UsesRequestedGas(t *testing.T) {
	backend := &fakeBackend{tipCap: big.NewInt(1), baseFee: big.NewInt(1)}
	c := newTestClient(t, testConfig(), backend)

	if _, err := c.Submit(context.Background(), rebalance.TxRequest{
		To:       "0x4444444444444444444444444444444444444444",
		GasLimit: 700_000,
	}); err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}
	if backend.estimated != 0 {
		t.Error("gas must not be estimated when the request carries a limit")
	}
	if backend.sent[0].Gas() != 700_000 {
		t.Errorf("unexpected gas %d", backend.sent[0].Gas())
	}
}

func TestClient_Submit_EstimateFallback(t *testing.T) {
	backend := &fakeBackend{tipCap: big.NewInt(1), baseFee: big.NewInt(1), estimateErr: errors.New("execution reverted")}
	cfg := testConfig()
	c := newTestClient(t, cfg, backend)

	to := "0x4444444444444444444444444444444444444444"
	if _, err := c.Submit(context.Background(), rebalance.TxRequest{To: to}); err == nil {
		t.Fatal("expected error without a configured gas limit")
	}

	cfg.GasLimit = 300_000
	if _, err := c.Submit(context.Background(), rebalance.TxRequest{To: to}); err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}
	if backend.sent[0].Gas() != 300_000 {
		t.Errorf("expected configured gas limit, got %d", backend.sent[0].Gas())
	}
}

func TestClient_Submit_InvalidTarget(t *testing.T) {
	c := newTestClient(t, testConfig(), &fakeBackend{})
	if _, err := c.Submit(context.Background(), rebalance.TxRequest{To: "not-an-address"}); err == nil {
		t.Fatal("expected error for invalid target")
	}
}

func TestClient_WaitForConfirmation(t *testing.T) {
	backend := &fakeBackend{
		receipts: []*types.Receipt{nil, nil, {Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(10)}},
	}
	c := newTestClient(t, testConfig(), backend)

	if err := c.WaitForConfirmation(context.Background(), "0xabc"); err != nil {
		t.Fatalf("WaitForConfirmation() failed: %v", err)
	}
	if backend.receiptCalls != 3 {
		t.Fatalf("expected 3 receipt lookups, got %d", backend.receiptCalls)
	}
}

func TestClient_WaitForConfirmation_Depth(t *testing.T) {
	cfg := testConfig()
	cfg.ConfirmationBlocks = 3
	backend := &fakeBackend{
		receipts:     []*types.Receipt{{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(10)}},
		blockNumbers: []uint64{10, 11, 12},
	}
	c := newTestClient(t, cfg, backend)

	if err := c.WaitForConfirmation(context.Background(), "0xabc"); err != nil {
		t.Fatalf("WaitForConfirmation() failed: %v", err)
	}
	if backend.receiptCalls != 3 {
		t.Fatalf("expected to wait for block 12, got %d receipt lookups", backend.receiptCalls)
	}
}

func TestClient_WaitForConfirmation_Reverted(t *testing.T) {
	backend := &fakeBackend{
		receipts: []*types.Receipt{{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(10)}},
	}
	c := newTestClient(t, testConfig(), backend)

	err := c.WaitForConfirmation(context.Background(), "0xabc")
	if !errors.Is(err, ErrReverted) {
		t.Fatalf("expected ErrReverted, got %v", err)
	}
	if backend.receiptCalls != 1 {
		t.Fatalf("reverted receipts must not be polled again, got %d lookups", backend.receiptCalls)
	}
}

func TestClient_WaitForConfirmation_Timeout(t *testing.T) {
	backend := &fakeBackend{receipts: []*types.Receipt{nil}}
	c := newTestClient(t, testConfig(), backend)

	err := c.WaitForConfirmation(context.Background(), "0xabc")
	if !errors.Is(err, poll.ErrTimeout) {
		t.Fatalf("expected poll timeout, got %v", err)
	}
}

func TestTokenBalanceReader(t *testing.T) {
	encoded, err := erc20ABI.Methods["balanceOf"].Outputs.Pack(big.NewInt(1_234_500))
	if err != nil {
		t.Fatalf("pack output: %v", err)
	}
	backend := &fakeBackend{callResult: encoded}
	c := newTestClient(t, testConfig(), backend)

	token := "0x2222222222222222222222222222222222222222"
	r, err := NewTokenBalanceReader(c, token, 6)
	if err != nil {
		t.Fatalf("NewTokenBalanceReader() failed: %v", err)
	}

	bal, err := r.Balance(context.Background(), "0x1111111111111111111111111111111111111111")
	if err != nil {
		t.Fatalf("Balance() failed: %v", err)
	}
	if !bal.Equal(decimal.RequireFromString("1.2345")) {
		t.Fatalf("unexpected balance %s", bal)
	}
	if *backend.lastCall.To != common.HexToAddress(token) {
		t.Fatalf("balanceOf sent to %s", backend.lastCall.To.Hex())
	}

	if _, err := r.Balance(context.Background(), "6notEvm"); err == nil {
		t.Fatal("expected error for non-EVM owner")
	}
	if _, err := NewTokenBalanceReader(c, "bad", 6); err == nil {
		t.Fatal("expected error for invalid token")
	}
}

func TestPackExecuteXCM(t *testing.T) {
	id, err := ParseReceiverID("0x" + testKey)
	if err != nil {
		t.Fatalf("ParseReceiverID() failed: %v", err)
	}
	data, err := PackExecuteXCM(id, []byte{0xaa})
	if err != nil {
		t.Fatalf("PackExecuteXCM() failed: %v", err)
	}
	if got, want := common.Bytes2Hex(data[:4]), common.Bytes2Hex(receiverABI.Methods["executeXCM"].ID); got != want {
		t.Fatalf("selector = %s, want %s", got, want)
	}

	if _, err := ParseReceiverID("42"); err == nil {
		t.Fatal("expected error for short receiver id")
	}
}
