// Package collector harvests ERC20 Transfer events and balance snapshots
// for a token and stores them.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/vietddude/logharvest/internal/core/domain"
	"github.com/vietddude/logharvest/internal/indexing/harvest"
	"github.com/vietddude/logharvest/internal/indexing/planner"
	"github.com/vietddude/logharvest/internal/infra/rpc"
	"github.com/vietddude/logharvest/internal/infra/storage"
)

// LogSource runs eth_getLogs. *rpc.Client satisfies it.
type LogSource interface {
	GetLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// BlockSource reads block headers. *cache.LatestBlockCache satisfies it.
type BlockSource interface {
	GetBlock(ctx context.Context, number uint64) (*rpc.BlockHeader, error)
	GetLatestBlock(ctx context.Context) (uint64, error)
}

// BalanceReader reads balances at a block. *cache.BalanceCache satisfies it.
type BalanceReader interface {
	Balances(ctx context.Context, token common.Address, holders []common.Address, block uint64) (map[common.Address]*big.Int, error)
}

// TokenReader reads token metadata. *multicall.Batcher satisfies it.
type TokenReader interface {
	TokenInfo(ctx context.Context, tokens []common.Address, block *big.Int) (map[common.Address]domain.TokenInfo, error)
}

// Config holds collector settings.
type Config struct {
	// PeriodAware sizes chunks by the calendar month of their first block,
	// at the cost of a (cached) header lookup per chunk.
	PeriodAware bool `yaml:"period_aware"`

	// SnapshotHolders caps the holders read when none are given.
	SnapshotHolders int `yaml:"snapshot_holders"`
}

// Collector harvests and stores token data.
type Collector struct {
	cfg      Config
	logs     LogSource
	blocks   BlockSource
	balances BalanceReader
	tokens   TokenReader
	store    storage.Store
	planners *planner.Registry
	hcfg     harvest.Config
	logger   *slog.Logger
}

// New creates a collector.
func New(
	cfg Config,
	logs LogSource,
	blocks BlockSource,
	balances BalanceReader,
	tokens TokenReader,
	store storage.Store,
	planners *planner.Registry,
	hcfg harvest.Config,
) *Collector {
	if cfg.SnapshotHolders <= 0 {
		cfg.SnapshotHolders = 1000
	}
	return &Collector{
		cfg:      cfg,
		logs:     logs,
		blocks:   blocks,
		balances: balances,
		tokens:   tokens,
		store:    store,
		planners: planners,
		hcfg:     hcfg,
		logger:   slog.Default().With("component", "collector"),
	}
}

// ContractID is the planner key used for a token.
func ContractID(token common.Address) string {
	return token.Hex()
}

// FetchTransfers returns a fetch function reading token's Transfer logs.
func (c *Collector) FetchTransfers(token common.Address) harvest.FetchFunc[domain.TransferEvent] {
	return func(ctx context.Context, r domain.BlockRange) ([]domain.TransferEvent, error) {
		logs, err := c.logs.GetLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(r.Start),
			ToBlock:   new(big.Int).SetUint64(r.End),
			Addresses: []common.Address{token},
			Topics:    [][]common.Hash{{domain.TransferTopic}},
		})
		if err != nil {
			return nil, fmt.Errorf("get logs %s: %w", r, err)
		}

		events := make([]domain.TransferEvent, 0, len(logs))
		skipped := 0
		for _, l := range logs {
			if l.Removed {
				continue
			}
			e, err := DecodeTransfer(l)
			if err != nil {
				skipped++
				continue
			}
			events = append(events, e)
		}
		if skipped > 0 {
			c.logger.Debug("skipped undecodable logs", "range", r.String(), "skipped", skipped)
		}
		return events, nil
	}
}

// Harvester returns a transfer harvester whose planner is shared by every
// harvest of token.
func (c *Collector) Harvester(token common.Address) *harvest.Harvester[domain.TransferEvent] {
	return harvest.New[domain.TransferEvent](c.planners.Get(ContractID(token)), c.hcfg)
}

// CollectTransfers harvests token's transfers in r, storing each chunk as
// it arrives so a failed harvest keeps everything before the failing block.
func (c *Collector) CollectTransfers(
	ctx context.Context,
	token common.Address,
	r domain.BlockRange,
	opts ...harvest.Option,
) (harvest.Result[domain.TransferEvent], error) {
	opts = append([]harvest.Option{harvest.WithContractID(ContractID(token))}, opts...)
	if c.cfg.PeriodAware && c.blocks != nil {
		opts = append(opts, harvest.WithPeriod(c.periodOf(ctx)))
	}

	return c.Harvester(token).HarvestInto(ctx, r, c.FetchTransfers(token), c.StoreTransfers, opts...)
}

// StoreTransfers saves harvested events. It matches harvest.SinkFunc.
func (c *Collector) StoreTransfers(ctx context.Context, r domain.BlockRange, events []domain.TransferEvent) error {
	if len(events) == 0 {
		return nil
	}
	if err := c.store.Transfers.SaveBatch(ctx, events); err != nil {
		return fmt.Errorf("store transfers %s: %w", r, err)
	}
	c.logger.Debug("transfers stored", "range", r.String(), "count", len(events))
	return nil
}

// periodOf maps a block to its "2006-01" month using cached headers.
func (c *Collector) periodOf(ctx context.Context) harvest.PeriodFunc {
	return func(block uint64) string {
		h, err := c.blocks.GetBlock(ctx, block)
		if err != nil || h == nil {
			return ""
		}
		return time.Unix(int64(h.Timestamp), 0).UTC().Format("2006-01")
	}
}

// SnapshotBalances reads balances of holders at block and stores them.
// Without holders, the most active recipients seen in stored transfers are
// used. block 0 means the latest block.
func (c *Collector) SnapshotBalances(
	ctx context.Context,
	token common.Address,
	holders []common.Address,
	block uint64,
) (map[common.Address]*big.Int, uint64, error) {
	if block == 0 {
		latest, err := c.blocks.GetLatestBlock(ctx)
		if err != nil {
			return nil, 0, fmt.Errorf("latest block: %w", err)
		}
		block = latest
	}
	if len(holders) == 0 {
		known, err := c.store.Transfers.Holders(ctx, token, c.cfg.SnapshotHolders)
		if err != nil {
			return nil, block, err
		}
		holders = known
	}
	if len(holders) == 0 {
		return map[common.Address]*big.Int{}, block, nil
	}

	balances, err := c.balances.Balances(ctx, token, holders, block)
	if err != nil {
		return nil, block, fmt.Errorf("read balances: %w", err)
	}
	if err := c.store.Balances.SaveSnapshot(ctx, token, block, balances); err != nil {
		return balances, block, err
	}

	c.logger.Info("balance snapshot stored",
		"token", token.Hex(),
		"block", block,
		"holders", len(holders),
		"resolved", len(balances),
	)
	return balances, block, nil
}

// TokenInfo returns token metadata, reading it on chain when not stored.
func (c *Collector) TokenInfo(ctx context.Context, token common.Address) (domain.TokenInfo, error) {
	if info, err := c.store.Tokens.Get(ctx, token); err == nil {
		return *info, nil
	}

	infos, err := c.tokens.TokenInfo(ctx, []common.Address{token}, nil)
	if err != nil {
		return domain.TokenInfo{}, err
	}
	info, ok := infos[token]
	if !ok {
		return domain.TokenInfo{}, fmt.Errorf("token %s: %w", token.Hex(), storage.ErrTokenNotFound)
	}
	if err := c.store.Tokens.Save(ctx, info); err != nil {
		c.logger.Warn("Failed to store token info", "token", token.Hex(), "error", err)
	}
	return info, nil
}
