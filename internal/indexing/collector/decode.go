package collector

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/vietddude/logharvest/internal/core/domain"
)

const transferEventJSON = `[{"type":"event","name":"Transfer","anonymous":false,"inputs":[
  {"name":"from","type":"address","indexed":true},
  {"name":"to","type":"address","indexed":true},
  {"name":"value","type":"uint256","indexed":false}]}]`

var transferEvent = func() abi.Event {
	parsed, err := abi.JSON(strings.NewReader(transferEventJSON))
	if err != nil {
		panic(fmt.Sprintf("parse transfer abi: %v", err))
	}
	return parsed.Events["Transfer"]
}()

// DecodeTransfer decodes an ERC20 Transfer log. ERC721 transfers share the
// topic but index the token id, so they carry four topics and are rejected.
func DecodeTransfer(l types.Log) (domain.TransferEvent, error) {
	if len(l.Topics) != 3 || l.Topics[0] != transferEvent.ID {
		return domain.TransferEvent{}, fmt.Errorf("log %s:%d is not an ERC20 Transfer", l.TxHash.Hex(), l.Index)
	}
	out, err := transferEvent.Inputs.NonIndexed().Unpack(l.Data)
	if err != nil {
		return domain.TransferEvent{}, fmt.Errorf("unpack transfer value: %w", err)
	}
	value, ok := out[0].(*big.Int)
	if !ok {
		return domain.TransferEvent{}, fmt.Errorf("unexpected value type %T", out[0])
	}
	return domain.TransferEvent{
		Token:       l.Address,
		From:        common.BytesToAddress(l.Topics[1].Bytes()),
		To:          common.BytesToAddress(l.Topics[2].Bytes()),
		Value:       value,
		BlockNumber: l.BlockNumber,
		TxHash:      l.TxHash,
		LogIndex:    l.Index,
	}, nil
}
