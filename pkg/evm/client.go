// Package evm is the EVM chain client used for chain B and the router's
// destination chain: it signs and broadcasts EIP-1559 transactions, waits for
// their receipts and reads ERC-20 balances.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/chainsafe/treasury-rebalancer/pkg/config"
	"github.com/chainsafe/treasury-rebalancer/pkg/poll"
	"github.com/chainsafe/treasury-rebalancer/pkg/rebalance"
)

// ErrReverted is returned when a mined transaction has a failed status.
var ErrReverted = errors.New("transaction reverted")

// Backend is the subset of the JSON-RPC client the EVM client uses.
type Backend interface {
	ethereum.ChainIDReader
	ethereum.ContractCaller
	ethereum.GasEstimator
	ethereum.GasPricer1559
	ethereum.PendingStateReader
	ethereum.TransactionReader
	ethereum.TransactionSender
	ethereum.BlockNumberReader
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// Client represents an EVM chain client
type Client struct {
	config     *config.EVMConfig
	backend    Backend
	closer     func()
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	clock      rebalance.Clock
	logger     *zap.Logger
}

var (
	_ rebalance.TxSubmitter = (*Client)(nil)
	_ rebalance.TxConfirmer = (*Client)(nil)
)

// NewClient dials cfg.RPCURL and creates a client for the chain called name
func NewClient(name string, cfg *config.EVMConfig, logger *zap.Logger) (*Client, error) {
	rpc, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s RPC: %w", name, err)
	}

	c, err := NewClientWithBackend(cfg, rpc, rebalance.SystemClock(), logger)
	if err != nil {
		rpc.Close()
		return nil, err
	}
	c.closer = rpc.Close

	c.logger.Info("Connected to EVM chain",
		zap.String("chain", name),
		zap.Int64("chain_id", cfg.ChainID),
		zap.String("rpc_url", cfg.RPCURL),
		zap.String("signer_address", c.address.Hex()))

	return c, nil
}

// NewClientWithBackend creates a client on top of an existing backend.
func NewClientWithBackend(cfg *config.EVMConfig, backend Backend, clock rebalance.Clock, logger *zap.Logger) (*Client, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to load private key: %w", err)
	}
	if clock == nil {
		clock = rebalance.SystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		config:     cfg,
		backend:    backend,
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		chainID:    big.NewInt(cfg.ChainID),
		clock:      clock,
		logger:     logger,
	}, nil
}

// Close closes the RPC connection
func (c *Client) Close() {
	if c.closer != nil {
		c.closer()
	}
}

// Address returns the signer address.
func (c *Client) Address() common.Address {
	return c.address
}

// Submit signs tx as an EIP-1559 transaction and broadcasts it.
func (c *Client) Submit(ctx context.Context, req rebalance.TxRequest) (string, error) {
	if !common.IsHexAddress(req.To) {
		return "", fmt.Errorf("invalid transaction target %q", req.To)
	}
	to := common.HexToAddress(req.To)
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}

	nonce, err := c.backend.PendingNonceAt(ctx, c.address)
	if err != nil {
		return "", fmt.Errorf("failed to get nonce: %w", err)
	}

	tipCap, feeCap, err := c.fees(ctx)
	if err != nil {
		return "", err
	}

	gasLimit, err := c.gasLimit(ctx, to, req.Data, value, req.GasLimit)
	if err != nil {
		return "", err
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
		Data:      req.Data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}

	c.logger.Info("Transaction submitted",
		zap.String("tx_hash", signed.Hash().Hex()),
		zap.String("to", to.Hex()),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gas", gasLimit),
		zap.String("max_fee", feeCap.String()))

	return signed.Hash().Hex(), nil
}

// fees returns the tip and fee caps. Both are scaled by the configured
// multiplier so the transaction survives base fee spikes.
func (c *Client) fees(ctx context.Context) (*big.Int, *big.Int, error) {
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to suggest gas tip: %w", err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get latest header: %w", err)
	}

	multiplier := big.NewInt(c.config.FeeMultiplier)
	if multiplier.Sign() <= 0 {
		multiplier = big.NewInt(1)
	}

	tip = new(big.Int).Mul(tip, multiplier)
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = new(big.Int)
	}
	feeCap := new(big.Int).Mul(baseFee, multiplier)
	feeCap.Add(feeCap, tip)
	return tip, feeCap, nil
}

func (c *Client) gasLimit(ctx context.Context, to common.Address, data []byte, value *big.Int, requested uint64) (uint64, error) {
	if requested > 0 {
		return requested, nil
	}
	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: c.address, To: &to, Data: data, Value: value})
	if err == nil {
		return gas, nil
	}
	if c.config.GasLimit > 0 {
		c.logger.Warn("Gas estimation failed, using configured gas limit",
			zap.Uint64("gas_limit", c.config.GasLimit),
			zap.Error(err))
		return c.config.GasLimit, nil
	}
	return 0, fmt.Errorf("failed to estimate gas: %w", err)
}

// WaitForConfirmation blocks until txHash is mined with a successful status and
// buried under the configured number of confirmations.
func (c *Client) WaitForConfirmation(ctx context.Context, txHash string) error {
	hash := common.HexToHash(txHash)
	var reverted error

	err := poll.Until(ctx, c.clock, c.logger, poll.Options{
		Name:     "receipt " + hash.Hex(),
		Interval: c.config.PollingInterval,
		Timeout:  c.config.ReceiptTimeout,
	}, func(ctx context.Context) (bool, error) {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to get receipt: %w", err)
		}
		if receipt.Status != types.ReceiptStatusSuccessful {
			reverted = fmt.Errorf("%w: %s in block %s", ErrReverted, hash.Hex(), receipt.BlockNumber)
			return true, nil
		}
		return c.confirmed(ctx, receipt)
	})
	if reverted != nil {
		return reverted
	}
	if err != nil {
		return fmt.Errorf("failed to confirm %s: %w", hash.Hex(), err)
	}

	c.logger.Info("Transaction confirmed", zap.String("tx_hash", hash.Hex()))
	return nil
}

func (c *Client) confirmed(ctx context.Context, receipt *types.Receipt) (bool, error) {
	if c.config.ConfirmationBlocks <= 1 || receipt.BlockNumber == nil {
		return true, nil
	}
	latest, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to get latest block: %w", err)
	}
	mined := receipt.BlockNumber.Uint64()
	return latest >= mined+c.config.ConfirmationBlocks-1, nil
}

// TokenBalance returns the raw ERC-20 balance of owner.
func (c *Client) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	data, err := packBalanceOf(owner)
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf: %w", err)
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call balanceOf: %w", err)
	}
	return unpackBalanceOf(out)
}

