package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/chainsafe/treasury-rebalancer/pkg/rebalance"
)

// TokenBalancer reads raw ERC-20 balances. *Client implements it.
type TokenBalancer interface {
	TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)
}

// TokenBalanceReader reports ERC-20 balances in token units.
type TokenBalanceReader struct {
	client   TokenBalancer
	token    common.Address
	decimals int32
}

var _ rebalance.SettlementBalanceReader = (*TokenBalanceReader)(nil)

// NewTokenBalanceReader reads balances of token, scaled down by decimals.
func NewTokenBalanceReader(client TokenBalancer, token string, decimals int32) (*TokenBalanceReader, error) {
	if !common.IsHexAddress(token) {
		return nil, fmt.Errorf("invalid token address %q", token)
	}
	return &TokenBalanceReader{client: client, token: common.HexToAddress(token), decimals: decimals}, nil
}

// Balance returns the token balance of address.
func (r *TokenBalanceReader) Balance(ctx context.Context, address string) (decimal.Decimal, error) {
	if !common.IsHexAddress(address) {
		return decimal.Zero, fmt.Errorf("invalid owner address %q", address)
	}
	raw, err := r.client.TokenBalance(ctx, r.token, common.HexToAddress(address))
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromBigInt(raw, -r.decimals), nil
}
