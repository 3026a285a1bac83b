package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/vietddude/logharvest/internal/control"
	"github.com/vietddude/logharvest/internal/core/domain"
	"github.com/vietddude/logharvest/internal/indexing/harvest"
)

var (
	harvestToken      string
	harvestFrom       uint64
	harvestTo         uint64
	harvestContractID string
	harvestQueue      bool
)

var harvestCmd = &cobra.Command{
	Use:   "harvest",
	Short: "Collect a token's Transfer events over a block range",
	RunE:  runHarvest,
}

func init() {
	harvestCmd.Flags().StringVar(&harvestToken, "token", "", "ERC20 token address")
	harvestCmd.Flags().Uint64Var(&harvestFrom, "from", 0, "first block")
	harvestCmd.Flags().Uint64Var(&harvestTo, "to", 0, "last block (default: latest)")
	harvestCmd.Flags().StringVar(&harvestContractID, "contract-id", "", "density key for the planner (default: token address)")
	harvestCmd.Flags().BoolVar(&harvestQueue, "queue", false, "push the range to the Redis queue instead of harvesting now")
	_ = harvestCmd.MarkFlagRequired("token")
	rootCmd.AddCommand(harvestCmd)
}

func runHarvest(cmd *cobra.Command, args []string) error {
	if !common.IsHexAddress(harvestToken) {
		return fmt.Errorf("invalid token address %q", harvestToken)
	}
	token := common.HexToAddress(harvestToken)
	cfg := loadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := control.NewEngine(ctx, *cfg, control.Options{})
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Stop(context.Background()); err != nil {
			slog.Warn("Failed to stop engine", "error", err)
		}
	}()

	to := harvestTo
	if to == 0 {
		head, err := app.Heads().GetLatestBlock(ctx)
		if err != nil {
			return fmt.Errorf("latest block: %w", err)
		}
		to = head
	}
	r, err := domain.NewBlockRange(harvestFrom, to)
	if err != nil {
		return err
	}

	if harvestQueue {
		q := app.Queue(token)
		if q == nil {
			return fmt.Errorf("--queue needs redis.url")
		}
		if err := q.PushRange(ctx, r); err != nil {
			return err
		}
		fmt.Printf("Queued %s for %s\n", r, token.Hex())
		return nil
	}

	runID := uuid.NewString()
	log := slog.Default().With("run", runID, "token", token.Hex())
	log.Info("Harvest started", "range", r.String())

	opts := []harvest.Option{
		harvest.WithProgress(func(p harvest.Progress) {
			log.Info("Harvest progress",
				"processed", p.ProcessedBlocks,
				"total", p.TotalBlocks,
				"percent", fmt.Sprintf("%.1f", p.Percentage),
				"items", p.Items,
				"eta", p.EstimatedRemaining.Round(time.Second),
			)
		}),
	}
	if harvestContractID != "" {
		opts = append(opts, harvest.WithContractID(harvestContractID))
	}

	res, herr := app.Collector().CollectTransfers(ctx, token, r, opts...)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "RUN\tRANGE\tTRANSFERS\tCHUNKS\tSPLITS\tRETRIES\tNEXT\tDURATION")
	_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
		runID, r, len(res.Items), res.Chunks, res.Splits, res.Retries, res.NextBlock, res.Duration.Round(time.Millisecond))
	_ = w.Flush()

	if herr != nil {
		return fmt.Errorf("harvest stopped at block %d: %w", res.NextBlock, herr)
	}
	return nil
}
