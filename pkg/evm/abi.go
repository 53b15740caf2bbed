package evm

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const erc20ABIJSON = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

// receiverABIJSON covers the split receiver contract that releases routed funds
// toward chain A once the bridge delivered them.
const receiverABIJSON = `[
	{"inputs":[{"name":"id","type":"bytes32"},{"name":"amount","type":"uint256"}],"name":"initXCM","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"id","type":"bytes32"},{"name":"payload","type":"bytes"}],"name":"executeXCM","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

var (
	erc20ABI    = mustParseABI(erc20ABIJSON)
	receiverABI = mustParseABI(receiverABIJSON)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid abi: %v", err))
	}
	return parsed
}

// PackApprove encodes ERC-20 approve(spender, amount).
func PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("approve", spender, amount)
}

// PackInitXCM encodes initXCM(id, amount) on the receiver contract.
func PackInitXCM(id [32]byte, amount *big.Int) ([]byte, error) {
	return receiverABI.Pack("initXCM", id, amount)
}

// PackExecuteXCM encodes executeXCM(id, payload) on the receiver contract.
func PackExecuteXCM(id [32]byte, payload []byte) ([]byte, error) {
	return receiverABI.Pack("executeXCM", id, payload)
}

// ParseReceiverID decodes a 0x-prefixed 32 byte receiver id.
func ParseReceiverID(id string) ([32]byte, error) {
	var out [32]byte
	raw := common.FromHex(id)
	if !strings.HasPrefix(id, "0x") || len(raw) != len(out) {
		return out, fmt.Errorf("receiver id %q is not a 32 byte hex value", id)
	}
	copy(out[:], raw)
	return out, nil
}

func packBalanceOf(owner common.Address) ([]byte, error) {
	return erc20ABI.Pack("balanceOf", owner)
}

func unpackBalanceOf(data []byte) (*big.Int, error) {
	out, err := erc20ABI.Unpack("balanceOf", data)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("unexpected balanceOf output length %d", len(out))
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf output type %T", out[0])
	}
	return v, nil
}
