package multicall

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Decoder turns raw return data into a value.
type Decoder func(data []byte) (any, error)

// Shape is the return type of a read call.
type Shape int

const (
	ShapeRaw     Shape = iota // return data as-is
	ShapeAddress              // address
	ShapeUint256              // *big.Int
	ShapeUint8                // uint8
	ShapeString               // string, with bytes32 fallback
	ShapeBool                 // bool
)

func (s Shape) String() string {
	switch s {
	case ShapeRaw:
		return "raw"
	case ShapeAddress:
		return "address"
	case ShapeUint256:
		return "uint256"
	case ShapeUint8:
		return "uint8"
	case ShapeString:
		return "string"
	case ShapeBool:
		return "bool"
	}
	return fmt.Sprintf("shape(%d)", int(s))
}

// ErrEmptyReturn is returned when a call produced no data, which usually
// means the target has no code.
var ErrEmptyReturn = errors.New("empty return data")

func singleArg(typ string) abi.Arguments {
	t, err := abi.NewType(typ, "", nil)
	if err != nil {
		panic(fmt.Sprintf("abi type %s: %v", typ, err))
	}
	return abi.Arguments{{Type: t}}
}

var (
	addressArgs = singleArg("address")
	uint256Args = singleArg("uint256")
	uint8Args   = singleArg("uint8")
	stringArgs  = singleArg("string")
	boolArgs    = singleArg("bool")
)

// Decoder returns the decoder for the shape.
func (s Shape) Decoder() Decoder {
	switch s {
	case ShapeAddress:
		return decodeWith[common.Address](addressArgs)
	case ShapeUint256:
		return decodeWith[*big.Int](uint256Args)
	case ShapeUint8:
		return decodeWith[uint8](uint8Args)
	case ShapeString:
		return decodeString
	case ShapeBool:
		return decodeWith[bool](boolArgs)
	}
	return func(data []byte) (any, error) {
		return append([]byte(nil), data...), nil
	}
}

func decodeWith[T any](args abi.Arguments) Decoder {
	return func(data []byte) (any, error) {
		if len(data) == 0 {
			return nil, ErrEmptyReturn
		}
		out, err := args.Unpack(data)
		if err != nil {
			return nil, err
		}
		v, ok := out[0].(T)
		if !ok {
			var zero T
			return nil, fmt.Errorf("unexpected type %T, want %T", out[0], zero)
		}
		return v, nil
	}
}

// decodeString decodes an ABI string. Older tokens return bytes32 for
// name and symbol; those are read as a zero-padded string.
func decodeString(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, ErrEmptyReturn
	}
	if out, err := stringArgs.Unpack(data); err == nil {
		if s, ok := out[0].(string); ok {
			return s, nil
		}
	}
	if len(data) == 32 {
		return string(bytes.TrimRight(data, "\x00")), nil
	}
	return nil, fmt.Errorf("cannot decode %d bytes as string", len(data))
}
