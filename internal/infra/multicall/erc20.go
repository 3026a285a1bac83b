package multicall

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/logharvest/internal/core/domain"
)

// BalanceOfCall builds an ERC20 balanceOf call for holder.
func BalanceOfCall(token, holder common.Address) Call {
	data, err := erc20ABI.Pack("balanceOf", holder)
	if err != nil {
		// Static ABI with a fixed-size argument; packing cannot fail.
		panic(fmt.Sprintf("pack balanceOf: %v", err))
	}
	return Call{
		ID:       holder.Hex(),
		Target:   token,
		CallData: data,
		Decode:   ShapeUint256.Decoder(),
	}
}

// ViewCall builds a no-argument ERC20 view call.
func ViewCall(token common.Address, method string, shape Shape) (Call, error) {
	data, err := erc20ABI.Pack(method)
	if err != nil {
		return Call{}, fmt.Errorf("pack %s: %w", method, err)
	}
	return Call{
		ID:       token.Hex() + ":" + method,
		Target:   token,
		CallData: data,
		Decode:   shape.Decoder(),
	}, nil
}

// Balances returns token balances for holders at block. Holders whose call
// failed are absent from the result.
func (b *Batcher) Balances(
	ctx context.Context,
	token common.Address,
	holders []common.Address,
	block *big.Int,
) (map[common.Address]*big.Int, error) {
	calls := make([]Call, len(holders))
	for i, h := range holders {
		calls[i] = BalanceOfCall(token, h)
	}

	results, err := b.ExecuteBatch(ctx, calls, block)
	if err != nil {
		return nil, err
	}

	out := make(map[common.Address]*big.Int, len(results))
	for i, r := range results {
		if !r.Success {
			b.logger.Debug("balanceOf failed", "token", token.Hex(), "holder", holders[i].Hex(), "error", r.Err)
			continue
		}
		if v, ok := r.Value.(*big.Int); ok {
			out[holders[i]] = v
		}
	}
	return out, nil
}

var tokenInfoFields = []struct {
	method string
	shape  Shape
}{
	{"name", ShapeString},
	{"symbol", ShapeString},
	{"decimals", ShapeUint8},
	{"totalSupply", ShapeUint256},
}

// TokenInfo reads name, symbol, decimals and totalSupply for every token in
// one batch. Tokens where every field failed are omitted.
func (b *Batcher) TokenInfo(ctx context.Context, tokens []common.Address, block *big.Int) (map[common.Address]domain.TokenInfo, error) {
	calls := make([]Call, 0, len(tokens)*len(tokenInfoFields))
	for _, t := range tokens {
		for _, f := range tokenInfoFields {
			c, err := ViewCall(t, f.method, f.shape)
			if err != nil {
				return nil, err
			}
			calls = append(calls, c)
		}
	}

	results, err := b.ExecuteBatch(ctx, calls, block)
	if err != nil {
		return nil, err
	}

	out := make(map[common.Address]domain.TokenInfo, len(tokens))
	for i, t := range tokens {
		info := domain.TokenInfo{Address: t}
		ok := false
		for j := range tokenInfoFields {
			idx := i*len(tokenInfoFields) + j
			if idx >= len(results) || !results[idx].Success {
				continue
			}
			ok = true
			switch v := results[idx].Value.(type) {
			case string:
				if j == 0 {
					info.Name = v
				} else {
					info.Symbol = v
				}
			case uint8:
				info.Decimals = v
			case *big.Int:
				info.TotalSupply = v
			}
		}
		if ok {
			out[t] = info
		}
	}
	return out, nil
}
