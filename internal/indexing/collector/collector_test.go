package collector

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/logharvest/internal/core/domain"
	"github.com/vietddude/logharvest/internal/indexing/harvest"
	"github.com/vietddude/logharvest/internal/indexing/planner"
	"github.com/vietddude/logharvest/internal/infra/rpc"
	"github.com/vietddude/logharvest/internal/infra/rpc/provider"
	"github.com/vietddude/logharvest/internal/infra/storage/memory"
)

var token = common.HexToAddress("0x00000000000000000000000000000000000000ff")

func addr(n byte) common.Address {
	return common.BytesToAddress([]byte{n})
}

func transferLog(block uint64, to byte) types.Log {
	data := common.LeftPadBytes(new(big.Int).SetUint64(block*10).Bytes(), 32)
	return types.Log{
		Address:     token,
		Topics:      []common.Hash{domain.TransferTopic, common.BytesToHash(addr(1).Bytes()), common.BytesToHash(addr(to).Bytes())},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.BigToHash(new(big.Int).SetUint64(block)),
	}
}

// fakeLogs emits one transfer per block and rejects windows above maxWindow.
type fakeLogs struct {
	maxWindow uint64
	queries   []ethereum.FilterQuery
}

func (f *fakeLogs) GetLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.queries = append(f.queries, q)
	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	if f.maxWindow > 0 && to-from+1 > f.maxWindow {
		return nil, &provider.Error{Kind: domain.ErrorKindPayloadTooLarge, Method: "eth_getLogs", StatusCode: 413}
	}
	var out []types.Log
	for b := from; b <= to; b++ {
		out = append(out, transferLog(b, byte(b%3)+2))
	}
	// noise: an ERC721 transfer and a removed log
	nft := transferLog(from, 9)
	nft.Topics = append(nft.Topics, common.Hash{})
	removed := transferLog(from, 9)
	removed.Removed = true
	return append(out, nft, removed), nil
}

type fakeBlocks struct{}

func (fakeBlocks) GetBlock(ctx context.Context, n uint64) (*rpc.BlockHeader, error) {
	ts := time.Date(2024, 11, 1, 0, 0, 0, 0, time.UTC).Unix()
	return &rpc.BlockHeader{Number: n, Timestamp: uint64(ts)}, nil
}

func (fakeBlocks) GetLatestBlock(ctx context.Context) (uint64, error) {
	return 5000, nil
}

type fakeBalances struct {
	holders []common.Address
	block   uint64
}

func (f *fakeBalances) Balances(ctx context.Context, tok common.Address, holders []common.Address, block uint64) (map[common.Address]*big.Int, error) {
	f.holders, f.block = holders, block
	out := make(map[common.Address]*big.Int)
	for _, h := range holders {
		out[h] = big.NewInt(int64(h[19]))
	}
	return out, nil
}

type fakeTokens struct{ calls int }

func (f *fakeTokens) TokenInfo(ctx context.Context, tokens []common.Address, block *big.Int) (map[common.Address]domain.TokenInfo, error) {
	f.calls++
	return map[common.Address]domain.TokenInfo{tokens[0]: {Address: tokens[0], Symbol: "TST", Decimals: 6}}, nil
}

func newCollector(t *testing.T, logs LogSource, cfg Config) (*Collector, *fakeBalances, *fakeTokens) {
	t.Helper()
	reg, err := planner.NewRegistry(planner.Config{MinChunkSize: 10, MaxChunkSize: 400, InitialChunkSize: 400, HighActivityPeriods: []string{"2024-11"}})
	require.NoError(t, err)
	bal := &fakeBalances{}
	tok := &fakeTokens{}
	c := New(cfg, logs, fakeBlocks{}, bal, tok, memory.NewStore(), reg, harvest.Config{RetryDelay: time.Millisecond})
	return c, bal, tok
}

func TestDecodeTransfer(t *testing.T) {
	e, err := DecodeTransfer(transferLog(7, 4))
	require.NoError(t, err)
	assert.Equal(t, token, e.Token)
	assert.Equal(t, addr(1), e.From)
	assert.Equal(t, addr(4), e.To)
	assert.Equal(t, int64(70), e.Value.Int64())
	assert.Equal(t, uint64(7), e.BlockNumber)

	bad := transferLog(7, 4)
	bad.Topics = bad.Topics[:2]
	_, err = DecodeTransfer(bad)
	assert.Error(t, err)

	bad = transferLog(7, 4)
	bad.Data = []byte{1}
	_, err = DecodeTransfer(bad)
	assert.Error(t, err)
}

func TestCollectTransfers_StoresEveryBlock(t *testing.T) {
	logs := &fakeLogs{maxWindow: 100}
	c, _, _ := newCollector(t, logs, Config{})
	ctx := context.Background()

	res, err := c.CollectTransfers(ctx, token, domain.BlockRange{Start: 1, End: 1000})
	require.NoError(t, err)
	require.Len(t, res.Items, 1000)
	assert.Positive(t, res.Splits)

	n, err := c.store.Transfers.Count(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), n)

	q := logs.queries[0]
	assert.Equal(t, []common.Address{token}, q.Addresses)
	assert.Equal(t, domain.TransferTopic, q.Topics[0][0])
}

func TestCollectTransfers_PeriodAwareShrinksChunks(t *testing.T) {
	logs := &fakeLogs{}
	c, _, _ := newCollector(t, logs, Config{PeriodAware: true})

	_, err := c.CollectTransfers(context.Background(), token, domain.BlockRange{Start: 1, End: 1000})
	require.NoError(t, err)
	first := logs.queries[0]
	assert.Equal(t, uint64(160), first.ToBlock.Uint64()-first.FromBlock.Uint64()+1, "high-activity month takes 0.4 of 400")
}

func TestSnapshotBalances_UsesKnownHolders(t *testing.T) {
	c, bal, _ := newCollector(t, &fakeLogs{}, Config{SnapshotHolders: 2})
	ctx := context.Background()

	_, err := c.CollectTransfers(ctx, token, domain.BlockRange{Start: 1, End: 30})
	require.NoError(t, err)

	balances, block, err := c.SnapshotBalances(ctx, token, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(5000), block)
	assert.Len(t, bal.holders, 2)
	assert.Len(t, balances, 2)

	stored, err := c.store.Balances.GetSnapshot(ctx, token, 5000)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestTokenInfo_ReadsOnceThenStores(t *testing.T) {
	c, _, tok := newCollector(t, &fakeLogs{}, Config{})
	ctx := context.Background()

	info, err := c.TokenInfo(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "TST", info.Symbol)

	_, err = c.TokenInfo(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, 1, tok.calls)
}
