package multicall

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// DefaultAddress is the Multicall3 deployment shared by most EVM chains.
var DefaultAddress = common.HexToAddress("0xcA11bde05977b3631167028862bE2a173976CA11")

const multicall3JSON = `[
  {"type":"function","name":"aggregate","stateMutability":"payable",
   "inputs":[{"name":"calls","type":"tuple[]","components":[
     {"name":"target","type":"address"},{"name":"callData","type":"bytes"}]}],
   "outputs":[{"name":"blockNumber","type":"uint256"},{"name":"returnData","type":"bytes[]"}]},
  {"type":"function","name":"tryAggregate","stateMutability":"payable",
   "inputs":[{"name":"requireSuccess","type":"bool"},
     {"name":"calls","type":"tuple[]","components":[
       {"name":"target","type":"address"},{"name":"callData","type":"bytes"}]}],
   "outputs":[{"name":"returnData","type":"tuple[]","components":[
     {"name":"success","type":"bool"},{"name":"returnData","type":"bytes"}]}]}
]`

const erc20JSON = `[
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"name","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
  {"type":"function","name":"totalSupply","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]}
]`

var (
	multicallABI = mustParseABI(multicall3JSON)
	erc20ABI     = mustParseABI(erc20JSON)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("parse abi: %v", err))
	}
	return parsed
}

// aggCall mirrors the Multicall3 (address target, bytes callData) tuple.
type aggCall struct {
	Target   common.Address
	CallData []byte
}

// aggResult mirrors the Multicall3 (bool success, bytes returnData) tuple.
type aggResult struct {
	Success    bool
	ReturnData []byte
}

func packTryAggregate(calls []Call) ([]byte, error) {
	args := make([]aggCall, len(calls))
	for i, c := range calls {
		args[i] = aggCall{Target: c.Target, CallData: c.CallData}
	}
	return multicallABI.Pack("tryAggregate", false, args)
}

func unpackTryAggregate(data []byte) ([]aggResult, error) {
	out, err := multicallABI.Unpack("tryAggregate", data)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("tryAggregate: expected 1 output, got %d", len(out))
	}
	results := *abi.ConvertType(out[0], new([]aggResult)).(*[]aggResult)
	return results, nil
}
