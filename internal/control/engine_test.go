package control

import (
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/logharvest/internal/core/config"
	"github.com/vietddude/logharvest/internal/core/domain"
	"github.com/vietddude/logharvest/internal/infra/rpc"
)

var testToken = common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7")

// chainServer answers the JSON-RPC methods the engine uses. Log queries
// wider than maxSpan are rejected with HTTP 413.
func chainServer(t *testing.T, head, maxSpan uint64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		var req struct {
			ID     uint64            `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		require.NoError(t, json.Unmarshal(body, &req))

		var result any
		switch req.Method {
		case "eth_blockNumber":
			result = hexutil.Uint64(head)
		case "eth_getBlockByNumber":
			var n hexutil.Uint64
			require.NoError(t, json.Unmarshal(req.Params[0], &n))
			result = map[string]any{
				"number":    n,
				"hash":      common.BigToHash(new(big.Int).SetUint64(uint64(n))),
				"timestamp": hexutil.Uint64(1_700_000_000 + uint64(n)*12),
				"gasUsed":   hexutil.Uint64(0),
				"gasLimit":  hexutil.Uint64(30_000_000),
			}
		case "eth_getLogs":
			var filter struct {
				FromBlock hexutil.Uint64 `json:"fromBlock"`
				ToBlock   hexutil.Uint64 `json:"toBlock"`
			}
			require.NoError(t, json.Unmarshal(req.Params[0], &filter))
			from, to := uint64(filter.FromBlock), uint64(filter.ToBlock)
			if to-from+1 > maxSpan {
				http.Error(w, "response size exceeded", http.StatusRequestEntityTooLarge)
				return
			}
			logs := make([]*types.Log, 0, to-from+1)
			for b := from; b <= to; b++ {
				logs = append(logs, &types.Log{
					Address: testToken,
					Topics: []common.Hash{
						domain.TransferTopic,
						common.BytesToHash([]byte{1}),
						common.BytesToHash([]byte{byte(b%5) + 2}),
					},
					Data:        common.LeftPadBytes(big.NewInt(int64(b)).Bytes(), 32),
					BlockNumber: b,
					TxHash:      common.BigToHash(new(big.Int).SetUint64(b)),
				})
			}
			result = logs
		default:
			result = nil
		}

		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  result,
		}))
	}))
}

func testConfig(url string) config.AppConfig {
	cfg := config.Default()
	cfg.Server.Port = 0
	cfg.RPC.Providers = []rpc.ProviderConfig{{Name: "test", URL: url}}
	cfg.RPC.RequestsPerSecond = 0
	cfg.Planner.MinChunkSize = 10
	cfg.Planner.MaxChunkSize = 500
	cfg.Planner.InitialChunkSize = 500
	cfg.Harvest.RetryDelay = time.Millisecond
	return cfg
}

func TestEngine_CollectsTransfersOverRPC(t *testing.T) {
	srv := chainServer(t, 5000, 200)
	defer srv.Close()

	ctx := context.Background()
	e, err := NewEngine(ctx, testConfig(srv.URL), Options{})
	require.NoError(t, err)
	defer func() { _ = e.Stop(ctx) }()

	res, err := e.Collector().CollectTransfers(ctx, testToken, domain.BlockRange{Start: 1, End: 1000})
	require.NoError(t, err)
	assert.Len(t, res.Items, 1000)
	assert.Positive(t, res.Splits)

	n, err := e.Store().Transfers.Count(ctx, testToken)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), n)

	report := e.Monitor().CheckHealth(ctx)
	assert.Equal(t, uint64(5000), report.Head)
	assert.Positive(t, report.Usage.TotalCalls)
	assert.Contains(t, report.Components, "planners")
	assert.Contains(t, report.Components, "multicall")
	assert.Nil(t, e.Queue(testToken))
}

func TestEngine_StartStop(t *testing.T) {
	srv := chainServer(t, 100, 100)
	defer srv.Close()

	ctx := context.Background()
	e, err := NewEngine(ctx, testConfig(srv.URL), Options{Server: true})
	require.NoError(t, err)

	require.NoError(t, e.Start(ctx))
	assert.Error(t, e.Start(ctx))

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	assert.NoError(t, e.Stop(stopCtx))
}

func TestEngine_Invalid(t *testing.T) {
	ctx := context.Background()

	cfg := config.Default()
	_, err := NewEngine(ctx, cfg, Options{})
	assert.Error(t, err, "no providers")

	cfg = testConfig("http://127.0.0.1:1")
	_, err = NewEngine(ctx, cfg, Options{Workers: true})
	assert.ErrorContains(t, err, "redis")
}
