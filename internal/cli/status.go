package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/vietddude/logharvest/internal/indexing/collector"
	redisclient "github.com/vietddude/logharvest/internal/infra/redis"
)

var statusTokens []string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the pending harvest ranges per token",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringSliceVar(&statusTokens, "token", nil, "tokens to show (default: worker.tokens)")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()

	tokens := statusTokens
	if len(tokens) == 0 {
		tokens = cfg.Worker.Tokens
	}
	if len(tokens) == 0 {
		return fmt.Errorf("no tokens given and worker.tokens is empty")
	}

	client, err := redisclient.NewClient(cfg.Redis)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	ctx := context.Background()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "TOKEN\tRANGES\tBLOCKS\tNEXT")

	for _, t := range tokens {
		if !common.IsHexAddress(t) {
			return fmt.Errorf("invalid token address %q", t)
		}
		token := common.HexToAddress(t)
		ranges, err := client.Queue(collector.ContractID(token), cfg.Redis.CheckpointTTL).Ranges(ctx)
		if err != nil {
			return err
		}

		var blocks uint64
		for _, r := range ranges {
			blocks += r.Size()
		}
		next := "-"
		if len(ranges) > 0 {
			next = ranges[0].String()
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", token.Hex(), len(ranges), blocks, next)
	}
	return w.Flush()
}
