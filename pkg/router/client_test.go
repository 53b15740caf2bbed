package router

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/chainsafe/treasury-rebalancer/pkg/evm"
	"github.com/chainsafe/treasury-rebalancer/pkg/httpjson"
	"github.com/chainsafe/treasury-rebalancer/pkg/rebalance"
)

const (
	fromToken = "0x2791bca1f2de4661ed88a30c99a7a9449aa84174"
	toToken   = "0xca01a1d0993565291051daff390892518acfad3a"
	receiver  = "0x2ad9b3f4cd7f09b8f2e33c2c95b2c4d2ac7f7a18"
	target    = "0xce16f69375520ab01377ce7b88f5ba8c48f8d666"
)

// MockSubmitter is a mock implementation of TxSubmitter
type MockSubmitter struct {
	SubmitFunc func(ctx context.Context, tx rebalance.TxRequest) (string, error)
}

func (m *MockSubmitter) Submit(ctx context.Context, tx rebalance.TxRequest) (string, error) {
	if m.SubmitFunc != nil {
		return m.SubmitFunc(ctx, tx)
	}
	return "0xhash", nil
}

func newTestClient(t *testing.T, h http.HandlerFunc, submitter rebalance.TxSubmitter) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	if submitter == nil {
		submitter = &MockSubmitter{}
	}
	c, err := NewClient(Config{
		BaseURL:          srv.URL,
		IntegratorID:     "integrator",
		FromAddress:      "0x1111111111111111111111111111111111111111",
		FromChainID:      "137",
		FromToken:        fromToken,
		ToChainID:        "1284",
		ToToken:          toToken,
		ReceiverContract: receiver,
	}, submitter, zap.NewNop())
	if err != nil {
		t.Fatalf("NewClient() failed: %v", err)
	}
	return c
}

func routeHandler(t *testing.T, got *routeRequest) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/route" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get(integratorHeader) != "integrator" {
			t.Error("missing integrator header")
		}
		if err := json.NewDecoder(r.Body).Decode(got); err != nil {
			t.Errorf("decode route request: %v", err)
		}
		_, _ = w.Write([]byte(`{"route":{
			"quoteId":"q-1",
			"estimate":{"toAmount":"99000000","toAmountMin":"98000000","toAmountUSD":"99.0","aggregateSlippage":0.3},
			"transactionRequest":{"target":"` + target + `","data":"0xdeadbeef","value":"1500000000000000","gasLimit":"850000"}
		}}`))
	}
}

func TestClient_BuildApproveAndSwap(t *testing.T) {
	var got routeRequest
	c := newTestClient(t, routeHandler(t, &got), nil)

	plan, err := c.BuildApproveAndSwap(context.Background(), rebalance.RouteRequest{
		RawAmount:      big.NewInt(95_500_000),
		Destination:    "6treasury",
		IdempotencyKey: "key-6",
	})
	if err != nil {
		t.Fatalf("BuildApproveAndSwap() failed: %v", err)
	}

	if got.FromAmount != "95500000" || got.ToAddress != receiver || got.FromChain != "137" {
		t.Errorf("unexpected route request %+v", got)
	}
	if len(got.PostHook.Calls) != 2 || got.PostHook.Calls[1].Target != receiver {
		t.Errorf("unexpected post hook %+v", got.PostHook)
	}

	if plan.ExpectedOutRaw != "99000000" {
		t.Errorf("unexpected expected out %s", plan.ExpectedOutRaw)
	}
	if plan.Swap.To != target || plan.Swap.GasLimit != 850_000 || plan.Swap.Value.String() != "1500000000000000" {
		t.Errorf("unexpected swap tx %+v", plan.Swap)
	}
	if common.Bytes2Hex(plan.Swap.Data) != "deadbeef" {
		t.Errorf("unexpected swap data %x", plan.Swap.Data)
	}

	wantApprove, _ := evm.PackApprove(common.HexToAddress(target), big.NewInt(95_500_000))
	if plan.Approve.To != fromToken || common.Bytes2Hex(plan.Approve.Data) != common.Bytes2Hex(wantApprove) {
		t.Errorf("unexpected approve tx %+v", plan.Approve)
	}

	if _, err := evm.ParseReceiverID(plan.ReceiverID); err != nil {
		t.Errorf("receiver id is not bytes32: %v", err)
	}
	again, err := c.BuildApproveAndSwap(context.Background(), rebalance.RouteRequest{
		RawAmount:      big.NewInt(95_500_000),
		IdempotencyKey: "key-6",
	})
	if err != nil {
		t.Fatalf("BuildApproveAndSwap() failed: %v", err)
	}
	if again.ReceiverID != plan.ReceiverID {
		t.Error("receiver id must be stable for the same idempotency key")
	}
}

func TestClient_BuildApproveAndSwap_InvalidResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"route":{"estimate":{"toAmount":"1"},"transactionRequest":{"target":"nope"}}}`))
	}, nil)

	_, err := c.BuildApproveAndSwap(context.Background(), rebalance.RouteRequest{RawAmount: big.NewInt(1)})
	if err == nil {
		t.Fatal("expected error for invalid target")
	}
}

func TestClient_BuildApproveAndSwap_RejectsZeroAmount(t *testing.T) {
	c := newTestClient(t, func(http.ResponseWriter, *http.Request) {
		t.Error("router must not be called")
	}, nil)

	if _, err := c.BuildApproveAndSwap(context.Background(), rebalance.RouteRequest{RawAmount: big.NewInt(0)}); err == nil {
		t.Fatal("expected error for zero amount")
	}
}

func TestClient_BridgeStatus(t *testing.T) {
	tests := []struct {
		name string
		code int
		body string
		want string
	}{
		{"executed", http.StatusOK, `{"status":"executed"}`, rebalance.BridgeStatusExecuted},
		{"express", http.StatusOK, `{"status":"express_executed"}`, rebalance.BridgeStatusExpressExecuted},
		{"squid success", http.StatusOK, `{"squidTransactionStatus":"success"}`, rebalance.BridgeStatusExecuted},
		{"refund", http.StatusOK, `{"squidTransactionStatus":"refund"}`, rebalance.BridgeStatusFailed},
		{"error", http.StatusOK, `{"status":"error"}`, rebalance.BridgeStatusFailed},
		{"ongoing", http.StatusOK, `{"squidTransactionStatus":"ongoing"}`, rebalance.BridgeStatusPending},
		{"not indexed", http.StatusNotFound, `{"message":"not found"}`, rebalance.BridgeStatusPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/status" || r.URL.Query().Get("transactionId") != "0xswap" {
					t.Errorf("unexpected request %s", r.URL)
				}
				w.WriteHeader(tt.code)
				_, _ = w.Write([]byte(tt.body))
			}, nil)

			got, err := c.BridgeStatus(context.Background(), "0xswap")
			if err != nil {
				t.Fatalf("BridgeStatus() failed: %v", err)
			}
			if got != tt.want {
				t.Fatalf("BridgeStatus() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestClient_BridgeStatus_ServerError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, nil)

	_, err := c.BridgeStatus(context.Background(), "0xswap")
	if !httpjson.IsStatus(err, http.StatusInternalServerError) {
		t.Fatalf("expected wrapped 500, got %v", err)
	}
}

func TestClient_Finalize(t *testing.T) {
	var sent rebalance.TxRequest
	submitter := &MockSubmitter{SubmitFunc: func(_ context.Context, tx rebalance.TxRequest) (string, error) {
		sent = tx
		return "0xfinal", nil
	}}
	c := newTestClient(t, func(http.ResponseWriter, *http.Request) {}, submitter)

	id := receiverIDFor("key-6")
	hash, err := c.Finalize(context.Background(), id.Hex(), "0x0102")
	if err != nil {
		t.Fatalf("Finalize() failed: %v", err)
	}
	if hash != "0xfinal" {
		t.Fatalf("unexpected hash %s", hash)
	}

	want, _ := evm.PackExecuteXCM(id, []byte{0x01, 0x02})
	if sent.To != receiver || common.Bytes2Hex(sent.Data) != common.Bytes2Hex(want) {
		t.Fatalf("unexpected finalize tx %+v", sent)
	}
}

func TestClient_Finalize_Errors(t *testing.T) {
	boom := errors.New("nonce too low")
	c := newTestClient(t, func(http.ResponseWriter, *http.Request) {}, &MockSubmitter{
		SubmitFunc: func(context.Context, rebalance.TxRequest) (string, error) { return "", boom },
	})

	if _, err := c.Finalize(context.Background(), "42", "0x01"); err == nil {
		t.Fatal("expected error for malformed receiver id")
	}
	if _, err := c.Finalize(context.Background(), receiverIDFor("k").Hex(), ""); err == nil {
		t.Fatal("expected error for empty destination")
	}
	if _, err := c.Finalize(context.Background(), receiverIDFor("k").Hex(), "0x01"); !errors.Is(err, boom) {
		t.Fatalf("expected submit error, got %v", err)
	}
}
