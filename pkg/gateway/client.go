// Package gateway is the HTTP client for the chain A gateway. The gateway holds
// the treasury signing keys, so balances, DEX swaps and cross-chain messages are
// all requested through it.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/chainsafe/treasury-rebalancer/pkg/httpjson"
	"github.com/chainsafe/treasury-rebalancer/pkg/rebalance"
)

// Config holds the gateway settings.
type Config struct {
	BaseURL string
	APIKey  string
	// Asset is the asset whose balance Balance reports.
	Asset string
}

// Client talks to the chain A gateway.
type Client struct {
	http   *httpjson.Client
	asset  string
	logger *zap.Logger
}

var (
	_ rebalance.ChainABalanceReader = (*Client)(nil)
	_ rebalance.DexSwapService      = (*Client)(nil)
	_ rebalance.CrossChainMessenger = (*Client)(nil)
)

// NewClient creates a gateway client.
func NewClient(cfg Config, logger *zap.Logger, opts ...httpjson.Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("gateway base url is required")
	}
	if cfg.Asset == "" {
		return nil, errors.New("gateway asset is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = append([]httpjson.Option{
		httpjson.WithHeader("X-Api-Key", cfg.APIKey),
		httpjson.WithLogger(logger),
	}, opts...)

	return &Client{
		http:   httpjson.New(cfg.BaseURL, opts...),
		asset:  cfg.Asset,
		logger: logger,
	}, nil
}

type balanceResponse struct {
	Asset string           `json:"asset"`
	Free  *decimal.Decimal `json:"free"`
}

// Balance returns the free balance of the configured asset held by address.
func (c *Client) Balance(ctx context.Context, address string) (decimal.Decimal, error) {
	var resp balanceResponse
	path := fmt.Sprintf("/v1/accounts/%s/balances/%s", url.PathEscape(address), url.PathEscape(c.asset))
	if err := c.http.Get(ctx, path, nil, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("failed to get balance of %s: %w", address, err)
	}
	if resp.Free == nil {
		return decimal.Zero, fmt.Errorf("balance response for %s has no free amount", address)
	}
	return *resp.Free, nil
}

type quoteRequest struct {
	AmountIn  decimal.Decimal `json:"amountIn"`
	FromAsset string          `json:"fromAsset"`
	ToAsset   string          `json:"toAsset"`
}

type quoteResponse struct {
	AmountOut *decimal.Decimal `json:"amountOut"`
}

type swapRequest struct {
	AmountIn     decimal.Decimal `json:"amountIn"`
	FromAsset    string          `json:"fromAsset"`
	ToAsset      string          `json:"toAsset"`
	MinAmountOut decimal.Decimal `json:"minAmountOut"`
}

type swapResponse struct {
	Status    string           `json:"status"`
	TxHash    string           `json:"txHash"`
	AmountOut *decimal.Decimal `json:"amountOut,omitempty"`
}

// QuoteAndSwap quotes the swap, then executes it with a minimum output of
// quote × MinOutRatio. The executed amount is returned when the gateway reports
// it, the quoted amount otherwise.
func (c *Client) QuoteAndSwap(ctx context.Context, req rebalance.SwapRequest) (decimal.Decimal, error) {
	var quote quoteResponse
	err := c.http.Post(ctx, "/v1/dex/quote", quoteRequest{
		AmountIn:  req.AmountIn,
		FromAsset: req.FromAsset,
		ToAsset:   req.ToAsset,
	}, "", &quote)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to quote swap: %w", err)
	}
	if quote.AmountOut == nil {
		return decimal.Zero, errors.New("quote response has no amountOut")
	}
	quoted := *quote.AmountOut
	if !quoted.IsPositive() {
		return decimal.Zero, fmt.Errorf("quote returned non-positive amount %s", quoted)
	}

	minOut := quoted.Mul(req.MinOutRatio)
	c.logger.Info("Swap quoted",
		zap.String("amount_in", req.AmountIn.String()),
		zap.String("from", req.FromAsset),
		zap.String("to", req.ToAsset),
		zap.String("quoted_out", quoted.String()),
		zap.String("min_out", minOut.String()))

	var swap swapResponse
	err = c.http.Post(ctx, "/v1/dex/swap", swapRequest{
		AmountIn:     req.AmountIn,
		FromAsset:    req.FromAsset,
		ToAsset:      req.ToAsset,
		MinAmountOut: minOut,
	}, req.IdempotencyKey, &swap)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to execute swap: %w", err)
	}
	if swap.Status != "" && swap.Status != "success" {
		return decimal.Zero, fmt.Errorf("swap %s finished with status %s", swap.TxHash, swap.Status)
	}

	if swap.AmountOut != nil {
		return *swap.AmountOut, nil
	}
	return quoted, nil
}

type transferRequest struct {
	Destination string          `json:"destination"`
	Amount      decimal.Decimal `json:"amount"`
	AssetID     string          `json:"assetId"`
}

type transferResponse struct {
	Hash *string `json:"hash"`
}

// Transfer sends a cross-chain message and returns its extrinsic hash.
func (c *Client) Transfer(ctx context.Context, req rebalance.TransferRequest) (string, error) {
	var resp transferResponse
	err := c.http.Post(ctx, "/v1/xcm/transfers", transferRequest{
		Destination: req.Destination,
		Amount:      req.Amount,
		AssetID:     req.AssetID,
	}, req.IdempotencyKey, &resp)
	if err != nil {
		return "", fmt.Errorf("failed to send cross-chain transfer: %w", err)
	}
	if resp.Hash == nil || *resp.Hash == "" {
		return "", errors.New("transfer response has no hash")
	}
	c.logger.Info("Cross-chain transfer submitted",
		zap.String("destination", req.Destination),
		zap.String("amount", req.Amount.String()),
		zap.String("hash", *resp.Hash))
	return *resp.Hash, nil
}
