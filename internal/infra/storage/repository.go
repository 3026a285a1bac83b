package storage

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/logharvest/internal/core/domain"
)

var (
	// ErrTokenNotFound is returned when a token has no stored metadata
	ErrTokenNotFound = errors.New("token not found")
)

// TransferRepository handles harvested Transfer events
type TransferRepository interface {
	// SaveBatch saves events, ignoring ones already stored
	SaveBatch(ctx context.Context, events []domain.TransferEvent) error

	// ListByRange returns a token's events in a block range, ordered by block and log index
	ListByRange(ctx context.Context, token common.Address, r domain.BlockRange) ([]domain.TransferEvent, error)

	// Count returns the number of stored events for a token
	Count(ctx context.Context, token common.Address) (int64, error)

	// Holders returns addresses that received the token, most active first
	Holders(ctx context.Context, token common.Address, limit int) ([]common.Address, error)

	// DeleteBefore deletes events below a block (retention pruning)
	DeleteBefore(ctx context.Context, block uint64) (int64, error)
}

// BalanceRepository handles balance snapshots
type BalanceRepository interface {
	// SaveSnapshot stores balances of a token at a block
	SaveSnapshot(ctx context.Context, token common.Address, block uint64, balances map[common.Address]*big.Int) error

	// GetSnapshot returns stored balances of a token at a block
	GetSnapshot(ctx context.Context, token common.Address, block uint64) (map[common.Address]*big.Int, error)
}

// TokenRepository handles token metadata
type TokenRepository interface {
	Save(ctx context.Context, info domain.TokenInfo) error
	Get(ctx context.Context, token common.Address) (*domain.TokenInfo, error)
}

// Store bundles the repositories of one backend.
type Store struct {
	Transfers TransferRepository
	Balances  BalanceRepository
	Tokens    TokenRepository

	// Close releases the backend, nil when there is nothing to release
	Close func() error
}
