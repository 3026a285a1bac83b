package memory

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/logharvest/internal/core/domain"
	"github.com/vietddude/logharvest/internal/infra/storage"
)

type eventKey struct {
	tx    common.Hash
	index uint
}

type snapshotKey struct {
	token common.Address
	block uint64
}

type MemoryStorage struct {
	transfers map[eventKey]domain.TransferEvent
	balances  map[snapshotKey]map[common.Address]*big.Int
	tokens    map[common.Address]domain.TokenInfo
	mu        sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		transfers: make(map[eventKey]domain.TransferEvent),
		balances:  make(map[snapshotKey]map[common.Address]*big.Int),
		tokens:    make(map[common.Address]domain.TokenInfo),
	}
}

// NewStore returns a storage.Store backed by memory.
func NewStore() storage.Store {
	s := NewMemoryStorage()
	return storage.Store{
		Transfers: NewTransferRepo(s),
		Balances:  NewBalanceRepo(s),
		Tokens:    NewTokenRepo(s),
	}
}

// -----------------------------------------------------------------------------
// Transfer Repository
// -----------------------------------------------------------------------------

type TransferRepo struct {
	store *MemoryStorage
}

func NewTransferRepo(store *MemoryStorage) *TransferRepo {
	return &TransferRepo{store: store}
}

func (r *TransferRepo) SaveBatch(ctx context.Context, events []domain.TransferEvent) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, e := range events {
		key := eventKey{tx: e.TxHash, index: e.LogIndex}
		if _, ok := r.store.transfers[key]; ok {
			continue
		}
		e.Value = copyInt(e.Value)
		r.store.transfers[key] = e
	}
	return nil
}

func (r *TransferRepo) ListByRange(ctx context.Context, token common.Address, br domain.BlockRange) ([]domain.TransferEvent, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []domain.TransferEvent
	for _, e := range r.store.transfers {
		if e.Token == token && br.Contains(e.BlockNumber) {
			e.Value = copyInt(e.Value)
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].LogIndex < out[j].LogIndex
	})
	return out, nil
}

func (r *TransferRepo) Count(ctx context.Context, token common.Address) (int64, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var n int64
	for _, e := range r.store.transfers {
		if e.Token == token {
			n++
		}
	}
	return n, nil
}

func (r *TransferRepo) Holders(ctx context.Context, token common.Address, limit int) ([]common.Address, error) {
	r.store.mu.RLock()
	counts := make(map[common.Address]int)
	for _, e := range r.store.transfers {
		if e.Token == token && e.To != (common.Address{}) {
			counts[e.To]++
		}
	}
	r.store.mu.RUnlock()

	holders := make([]common.Address, 0, len(counts))
	for a := range counts {
		holders = append(holders, a)
	}
	sort.Slice(holders, func(i, j int) bool {
		if counts[holders[i]] != counts[holders[j]] {
			return counts[holders[i]] > counts[holders[j]]
		}
		return holders[i].Cmp(holders[j]) < 0
	})
	if limit > 0 && len(holders) > limit {
		holders = holders[:limit]
	}
	return holders, nil
}

func (r *TransferRepo) DeleteBefore(ctx context.Context, block uint64) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var n int64
	for k, e := range r.store.transfers {
		if e.BlockNumber < block {
			delete(r.store.transfers, k)
			n++
		}
	}
	return n, nil
}

// -----------------------------------------------------------------------------
// Balance Repository
// -----------------------------------------------------------------------------

type BalanceRepo struct {
	store *MemoryStorage
}

func NewBalanceRepo(store *MemoryStorage) *BalanceRepo {
	return &BalanceRepo{store: store}
}

func (r *BalanceRepo) SaveSnapshot(ctx context.Context, token common.Address, block uint64, balances map[common.Address]*big.Int) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	key := snapshotKey{token: token, block: block}
	snap, ok := r.store.balances[key]
	if !ok {
		snap = make(map[common.Address]*big.Int, len(balances))
		r.store.balances[key] = snap
	}
	for h, v := range balances {
		snap[h] = copyInt(v)
	}
	return nil
}

func (r *BalanceRepo) GetSnapshot(ctx context.Context, token common.Address, block uint64) (map[common.Address]*big.Int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	snap := r.store.balances[snapshotKey{token: token, block: block}]
	out := make(map[common.Address]*big.Int, len(snap))
	for h, v := range snap {
		out[h] = copyInt(v)
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Token Repository
// -----------------------------------------------------------------------------

type TokenRepo struct {
	store *MemoryStorage
}

func NewTokenRepo(store *MemoryStorage) *TokenRepo {
	return &TokenRepo{store: store}
}

func (r *TokenRepo) Save(ctx context.Context, info domain.TokenInfo) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.tokens[info.Address] = info
	return nil
}

func (r *TokenRepo) Get(ctx context.Context, token common.Address) (*domain.TokenInfo, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	info, ok := r.store.tokens[token]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	return &info, nil
}

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
