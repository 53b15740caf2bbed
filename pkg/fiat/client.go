// Package fiat is the client of the fiat conversion service that swaps the
// intermediate stablecoin into USD and pays the proceeds out on chain B.
package fiat

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/chainsafe/treasury-rebalancer/pkg/httpjson"
	"github.com/chainsafe/treasury-rebalancer/pkg/rebalance"
)

// ErrSwapNotFound is returned when the swap never shows up as settled in the history.
var ErrSwapNotFound = errors.New("swap transaction not found in history")

// Config holds the conversion settings.
type Config struct {
	BaseURL    string
	APIKey     string
	Chain      string
	InputCoin  string
	OutputCoin string
	// SettleDelay is waited after the swap request before looking it up.
	SettleDelay time.Duration
	// HistoryRetries bounds the additional history lookups.
	HistoryRetries    int
	HistoryRetryDelay time.Duration
}

// Client converts through the fiat service.
type Client struct {
	http      *httpjson.Client
	cfg       Config
	confirmer rebalance.TxConfirmer
	clock     rebalance.Clock
	logger    *zap.Logger
}

var _ rebalance.FiatConversionService = (*Client)(nil)

// NewClient creates a fiat client. Payout transactions are confirmed through confirmer.
func NewClient(cfg Config, confirmer rebalance.TxConfirmer, clock rebalance.Clock, logger *zap.Logger, opts ...httpjson.Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("fiat base url is required")
	}
	if confirmer == nil {
		return nil, errors.New("fiat tx confirmer is required")
	}
	if clock == nil {
		clock = rebalance.SystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = append([]httpjson.Option{
		httpjson.WithHeader("X-Api-Key", cfg.APIKey),
		httpjson.WithLogger(logger),
	}, opts...)

	return &Client{
		http:      httpjson.New(cfg.BaseURL, opts...),
		cfg:       cfg,
		confirmer: confirmer,
		clock:     clock,
		logger:    logger,
	}, nil
}

// Quote is a fast quote. Amounts are in output units.
type Quote struct {
	Token     string          `json:"token"`
	AmountUSD decimal.Decimal `json:"amountUsd"`
	BaseFee   decimal.Decimal `json:"baseFee"`
	BasePrice decimal.Decimal `json:"basePrice"`
}

type swapRequest struct {
	Token           string `json:"token"`
	ReceiverAddress string `json:"receiverAddress"`
}

type swapResponse struct {
	ID string `json:"id"`
}

type swapHistory struct {
	SwapLogs []swapLog `json:"swapLogs"`
}

type swapLog struct {
	ID               string `json:"id"`
	SmartContractOps []struct {
		Tx       string `json:"tx"`
		Feedback struct {
			Success bool `json:"success"`
		} `json:"feedback"`
	} `json:"smartContractOps"`
}

// Convert quotes the conversion, requests the swap, finds the payout
// transaction in the swap history and waits until it is confirmed. The quoted
// USD amount is returned.
func (c *Client) Convert(ctx context.Context, req rebalance.ConversionRequest) (decimal.Decimal, error) {
	quote, err := c.FastQuote(ctx, req.Amount)
	if err != nil {
		return decimal.Zero, err
	}

	var swap swapResponse
	err = c.http.Post(ctx, "/v2/swap", swapRequest{
		Token:           quote.Token,
		ReceiverAddress: req.PayoutAddress,
	}, req.IdempotencyKey, &swap)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to request swap: %w", err)
	}
	if swap.ID == "" {
		return decimal.Zero, errors.New("swap request returned no id")
	}
	c.logger.Info("Conversion requested",
		zap.String("swap_id", swap.ID),
		zap.String("amount", req.Amount.String()),
		zap.String("amount_usd", quote.AmountUSD.String()),
		zap.String("fee", quote.BaseFee.String()),
		zap.String("rate", quote.BasePrice.String()))

	if err := c.clock.Sleep(ctx, c.cfg.SettleDelay); err != nil {
		return decimal.Zero, err
	}

	txHash, err := c.findPayout(ctx, swap.ID)
	if err != nil {
		return decimal.Zero, err
	}

	if err := c.confirmer.WaitForConfirmation(ctx, txHash); err != nil {
		return decimal.Zero, fmt.Errorf("payout %s not confirmed: %w", txHash, err)
	}
	c.logger.Info("Conversion payout confirmed", zap.String("swap_id", swap.ID), zap.String("tx_hash", txHash))

	return quote.AmountUSD, nil
}

// FastQuote asks for a quote converting amount of the input coin. The service
// expects the amount in cents.
func (c *Client) FastQuote(ctx context.Context, amount decimal.Decimal) (*Quote, error) {
	cents := amount.Shift(2).Truncate(0)
	if !cents.IsPositive() {
		return nil, fmt.Errorf("amount %s is below one cent", amount)
	}

	query := url.Values{
		"operation":  {"swap"},
		"amount":     {cents.String()},
		"inputCoin":  {c.cfg.InputCoin},
		"outputCoin": {c.cfg.OutputCoin},
		"chain":      {c.cfg.Chain},
		"fixOutput":  {"false"},
	}

	var quote Quote
	if err := c.http.Get(ctx, "/v2/fast-quote", query, &quote); err != nil {
		return nil, fmt.Errorf("failed to get fast quote: %w", err)
	}
	if quote.Token == "" {
		return nil, errors.New("fast quote returned no token")
	}
	return &quote, nil
}

// findPayout looks the swap up in the history until its payout succeeded,
// waiting HistoryRetryDelay between lookups.
func (c *Client) findPayout(ctx context.Context, swapID string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.HistoryRetries; attempt++ {
		if attempt > 0 {
			c.logger.Info("Swap payout not found yet",
				zap.String("swap_id", swapID),
				zap.Int("retry", attempt),
				zap.Int("max_retries", c.cfg.HistoryRetries))
			if err := c.clock.Sleep(ctx, c.cfg.HistoryRetryDelay); err != nil {
				return "", err
			}
		}

		var history swapHistory
		if err := c.http.Get(ctx, "/v2/swap/history", nil, &history); err != nil {
			lastErr = err
			c.logger.Warn("Failed to get swap history", zap.Error(err))
			continue
		}
		if hash, ok := payoutOf(history, swapID); ok {
			return hash, nil
		}
	}

	if lastErr != nil {
		return "", fmt.Errorf("%w: %s after %d retries: %w", ErrSwapNotFound, swapID, c.cfg.HistoryRetries, lastErr)
	}
	return "", fmt.Errorf("%w: %s after %d retries", ErrSwapNotFound, swapID, c.cfg.HistoryRetries)
}

func payoutOf(history swapHistory, swapID string) (string, bool) {
	for _, log := range history.SwapLogs {
		if log.ID != swapID || len(log.SmartContractOps) == 0 {
			continue
		}
		op := log.SmartContractOps[0]
		if op.Feedback.Success && op.Tx != "" {
			return op.Tx, true
		}
	}
	return "", false
}
