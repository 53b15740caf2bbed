// Package router is the swap router client. It builds the approve and swap pair
// that moves the target asset from chain B back toward chain A, reports the
// bridge execution state and finalizes delivery on the receiver contract.
package router

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chainsafe/treasury-rebalancer/pkg/evm"
	"github.com/chainsafe/treasury-rebalancer/pkg/httpjson"
	"github.com/chainsafe/treasury-rebalancer/pkg/rebalance"
)

const integratorHeader = "x-integrator-id"

// Config holds the route parameters.
type Config struct {
	BaseURL          string
	IntegratorID     string
	FromAddress      string
	FromChainID      string
	FromToken        string
	ToChainID        string
	ToToken          string
	// ReceiverContract lives on ToChainID, not on the chain the swap is sent from.
	ReceiverContract string
}

// Client talks to the swap router API.
type Client struct {
	http      *httpjson.Client
	cfg       Config
	submitter rebalance.TxSubmitter
	logger    *zap.Logger
}

var (
	_ rebalance.SwapRouterService   = (*Client)(nil)
	_ rebalance.BridgeStatusChecker = (*Client)(nil)
)

// NewClient creates a router client. Finalize transactions are sent through
// submitter, which must sign for the chain hosting ReceiverContract.
func NewClient(cfg Config, submitter rebalance.TxSubmitter, logger *zap.Logger, opts ...httpjson.Option) (*Client, error) {
	switch {
	case cfg.BaseURL == "":
		return nil, errors.New("router base url is required")
	case !common.IsHexAddress(cfg.FromToken):
		return nil, fmt.Errorf("invalid router from token %q", cfg.FromToken)
	case !common.IsHexAddress(cfg.ToToken):
		return nil, fmt.Errorf("invalid router to token %q", cfg.ToToken)
	case !common.IsHexAddress(cfg.ReceiverContract):
		return nil, fmt.Errorf("invalid receiver contract %q", cfg.ReceiverContract)
	case submitter == nil:
		return nil, errors.New("router tx submitter is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = append([]httpjson.Option{
		httpjson.WithHeader(integratorHeader, cfg.IntegratorID),
		httpjson.WithLogger(logger),
	}, opts...)

	return &Client{
		http:      httpjson.New(cfg.BaseURL, opts...),
		cfg:       cfg,
		submitter: submitter,
		logger:    logger,
	}, nil
}

type hookCall struct {
	ChainType    string      `json:"chainType"`
	CallType     int         `json:"callType"`
	Target       string      `json:"target"`
	Value        string      `json:"value"`
	CallData     string      `json:"callData"`
	EstimatedGas string      `json:"estimatedGas"`
	Payload      hookPayload `json:"payload"`
}

type hookPayload struct {
	TokenAddress string `json:"tokenAddress"`
	InputPos     string `json:"inputPos"`
}

type postHook struct {
	ChainType   string     `json:"chainType"`
	Calls       []hookCall `json:"calls"`
	Description string     `json:"description"`
}

type routeRequest struct {
	FromAddress      string   `json:"fromAddress"`
	FromChain        string   `json:"fromChain"`
	FromToken        string   `json:"fromToken"`
	FromAmount       string   `json:"fromAmount"`
	ToChain          string   `json:"toChain"`
	ToToken          string   `json:"toToken"`
	ToAddress        string   `json:"toAddress"`
	EnableExpress    bool     `json:"enableExpress"`
	BypassGuardrails bool     `json:"bypassGuardrails"`
	PostHook         postHook `json:"postHook"`
}

type routeResponse struct {
	Route struct {
		QuoteID  string `json:"quoteId"`
		Estimate struct {
			ToAmount          string  `json:"toAmount"`
			ToAmountMin       string  `json:"toAmountMin"`
			ToAmountUSD       string  `json:"toAmountUSD"`
			AggregateSlippage float64 `json:"aggregateSlippage"`
		} `json:"estimate"`
		TransactionRequest struct {
			Target   string `json:"target"`
			Data     string `json:"data"`
			Value    string `json:"value"`
			GasLimit string `json:"gasLimit"`
		} `json:"transactionRequest"`
	} `json:"route"`
}

// BuildApproveAndSwap requests a route whose post hook parks the output on the
// receiver contract under a receiver id derived from the idempotency key, so a
// retried step asks for the same id.
func (c *Client) BuildApproveAndSwap(ctx context.Context, req rebalance.RouteRequest) (*rebalance.RoutePlan, error) {
	if req.RawAmount == nil || req.RawAmount.Sign() <= 0 {
		return nil, fmt.Errorf("invalid route amount %v", req.RawAmount)
	}
	receiverID := receiverIDFor(req.IdempotencyKey)

	hook, err := c.postHook(receiverID)
	if err != nil {
		return nil, err
	}

	var resp routeResponse
	err = c.http.Post(ctx, "/route", routeRequest{
		FromAddress:      c.cfg.FromAddress,
		FromChain:        c.cfg.FromChainID,
		FromToken:        c.cfg.FromToken,
		FromAmount:       req.RawAmount.String(),
		ToChain:          c.cfg.ToChainID,
		ToToken:          c.cfg.ToToken,
		ToAddress:        c.cfg.ReceiverContract,
		EnableExpress:    true,
		BypassGuardrails: true,
		PostHook:         hook,
	}, req.IdempotencyKey, &resp)
	if err != nil {
		return nil, fmt.Errorf("failed to get route: %w", err)
	}

	txReq := resp.Route.TransactionRequest
	if !common.IsHexAddress(txReq.Target) {
		return nil, fmt.Errorf("route has invalid target %q", txReq.Target)
	}
	value, err := parseUint(txReq.Value)
	if err != nil {
		return nil, fmt.Errorf("route has invalid value: %w", err)
	}
	gasLimit, err := parseUint(txReq.GasLimit)
	if err != nil {
		return nil, fmt.Errorf("route has invalid gas limit: %w", err)
	}

	approveData, err := evm.PackApprove(common.HexToAddress(txReq.Target), req.RawAmount)
	if err != nil {
		return nil, fmt.Errorf("failed to pack approve: %w", err)
	}

	if slippage := resp.Route.Estimate.AggregateSlippage; slippage > 2.5 {
		c.logger.Warn("Route has high slippage",
			zap.Float64("slippage_percent", slippage),
			zap.String("quote_id", resp.Route.QuoteID))
	}

	c.logger.Info("Route built",
		zap.String("quote_id", resp.Route.QuoteID),
		zap.String("from_amount", req.RawAmount.String()),
		zap.String("to_amount", resp.Route.Estimate.ToAmount),
		zap.String("to_amount_usd", resp.Route.Estimate.ToAmountUSD),
		zap.String("receiver_id", receiverID.Hex()))

	return &rebalance.RoutePlan{
		Approve: rebalance.TxRequest{
			To:   c.cfg.FromToken,
			Data: approveData,
		},
		Swap: rebalance.TxRequest{
			To:       txReq.Target,
			Data:     common.FromHex(txReq.Data),
			Value:    value,
			GasLimit: gasLimit.Uint64(),
		},
		ReceiverID:     receiverID.Hex(),
		ExpectedOutRaw: resp.Route.Estimate.ToAmount,
	}, nil
}

func (c *Client) postHook(receiverID common.Hash) (postHook, error) {
	approveReceiver, err := evm.PackApprove(common.HexToAddress(c.cfg.ReceiverContract), new(big.Int))
	if err != nil {
		return postHook{}, fmt.Errorf("failed to pack hook approve: %w", err)
	}
	initXCM, err := evm.PackInitXCM(receiverID, new(big.Int))
	if err != nil {
		return postHook{}, fmt.Errorf("failed to pack initXCM: %w", err)
	}

	// callType 1 replaces the amount argument with the contract's full token balance
	return postHook{
		ChainType: "evm",
		Calls: []hookCall{
			{
				ChainType:    "evm",
				CallType:     1,
				Target:       c.cfg.ToToken,
				Value:        "0",
				CallData:     hexutil.Encode(approveReceiver),
				EstimatedGas: "500000",
				Payload:      hookPayload{TokenAddress: c.cfg.ToToken, InputPos: "1"},
			},
			{
				ChainType:    "evm",
				CallType:     1,
				Target:       c.cfg.ReceiverContract,
				Value:        "0",
				CallData:     hexutil.Encode(initXCM),
				EstimatedGas: "700000",
				Payload:      hookPayload{TokenAddress: c.cfg.ToToken, InputPos: "1"},
			},
		},
		Description: "treasury rebalance receiver",
	}, nil
}

type statusResponse struct {
	ID                     string `json:"id"`
	Status                 string `json:"status"`
	SquidTransactionStatus string `json:"squidTransactionStatus"`
}

// BridgeStatus maps the router's status of swapTxHash onto the rebalance bridge
// states. Transactions the router has not indexed yet are pending.
func (c *Client) BridgeStatus(ctx context.Context, swapTxHash string) (string, error) {
	query := url.Values{
		"transactionId": {swapTxHash},
		"fromChainId":   {c.cfg.FromChainID},
		"toChainId":     {c.cfg.ToChainID},
	}

	var resp statusResponse
	if err := c.http.Get(ctx, "/status", query, &resp); err != nil {
		if httpjson.IsStatus(err, http.StatusNotFound) {
			return rebalance.BridgeStatusPending, nil
		}
		return "", fmt.Errorf("failed to get bridge status: %w", err)
	}

	status := mapStatus(resp)
	c.logger.Debug("Bridge status",
		zap.String("tx_hash", swapTxHash),
		zap.String("router_status", resp.Status),
		zap.String("squid_status", resp.SquidTransactionStatus),
		zap.String("status", status))
	return status, nil
}

func mapStatus(resp statusResponse) string {
	switch strings.ToLower(resp.Status) {
	case rebalance.BridgeStatusExecuted:
		return rebalance.BridgeStatusExecuted
	case rebalance.BridgeStatusExpressExecuted:
		return rebalance.BridgeStatusExpressExecuted
	case "error", "failed":
		return rebalance.BridgeStatusFailed
	}
	switch strings.ToLower(resp.SquidTransactionStatus) {
	case "success":
		return rebalance.BridgeStatusExecuted
	case "refund", "failed":
		return rebalance.BridgeStatusFailed
	}
	return rebalance.BridgeStatusPending
}

// Finalize calls executeXCM on the receiver contract, releasing the parked
// funds to destination, and returns the transaction hash.
func (c *Client) Finalize(ctx context.Context, receiverID, destination string) (string, error) {
	id, err := evm.ParseReceiverID(receiverID)
	if err != nil {
		return "", err
	}
	if destination == "" {
		return "", errors.New("finalize destination is required")
	}

	data, err := evm.PackExecuteXCM(id, destinationPayload(destination))
	if err != nil {
		return "", fmt.Errorf("failed to pack executeXCM: %w", err)
	}

	hash, err := c.submitter.Submit(ctx, rebalance.TxRequest{To: c.cfg.ReceiverContract, Data: data})
	if err != nil {
		return "", fmt.Errorf("failed to submit executeXCM: %w", err)
	}

	c.logger.Info("Receiver execution submitted",
		zap.String("receiver_id", receiverID),
		zap.String("destination", destination),
		zap.String("tx_hash", hash))
	return hash, nil
}

// receiverIDFor derives the receiver id from the step's idempotency key. Without
// a key a random id is used.
func receiverIDFor(idempotencyKey string) common.Hash {
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}
	return crypto.Keccak256Hash([]byte("rebalance-receiver:" + idempotencyKey))
}

// destinationPayload is the account encoding passed to executeXCM: hex
// accounts are decoded, anything else is passed through as bytes.
func destinationPayload(destination string) []byte {
	if strings.HasPrefix(destination, "0x") {
		return common.FromHex(destination)
	}
	return []byte(destination)
}

func parseUint(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 0)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%q is not an unsigned integer", s)
	}
	return v, nil
}
