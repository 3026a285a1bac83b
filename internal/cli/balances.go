package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/vietddude/logharvest/internal/control"
	"github.com/vietddude/logharvest/internal/core/domain"
)

var (
	balancesToken string
	balancesBlock uint64
)

var balancesCmd = &cobra.Command{
	Use:   "balances [holder...]",
	Short: "Read token balances at a block and store the snapshot",
	Long:  "Read token balances at a block. Without holders, the most active recipients in stored transfers are used.",
	RunE:  runBalances,
}

func init() {
	balancesCmd.Flags().StringVar(&balancesToken, "token", "", "ERC20 token address")
	balancesCmd.Flags().Uint64Var(&balancesBlock, "block", 0, "block number (default: latest)")
	_ = balancesCmd.MarkFlagRequired("token")
	rootCmd.AddCommand(balancesCmd)
}

func runBalances(cmd *cobra.Command, args []string) error {
	if !common.IsHexAddress(balancesToken) {
		return fmt.Errorf("invalid token address %q", balancesToken)
	}
	token := common.HexToAddress(balancesToken)

	holders := make([]common.Address, 0, len(args))
	for _, a := range args {
		if !common.IsHexAddress(a) {
			return fmt.Errorf("invalid holder address %q", a)
		}
		holders = append(holders, common.HexToAddress(a))
	}

	cfg := loadConfig()
	ctx := context.Background()

	app, err := control.NewEngine(ctx, *cfg, control.Options{})
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Stop(ctx); err != nil {
			slog.Warn("Failed to stop engine", "error", err)
		}
	}()

	var decimals uint8
	symbol := ""
	info, err := app.Collector().TokenInfo(ctx, token)
	if err != nil {
		slog.Warn("Token metadata unavailable, showing raw units", "token", token.Hex(), "error", err)
	} else {
		decimals, symbol = info.Decimals, info.Symbol
	}

	balances, block, err := app.Collector().SnapshotBalances(ctx, token, holders, balancesBlock)
	if err != nil {
		return err
	}
	if len(holders) == 0 {
		for h := range balances {
			holders = append(holders, h)
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintf(w, "HOLDER\tBALANCE @%d\tRAW\n", block)
	for _, h := range holders {
		bal, ok := balances[h]
		if !ok {
			_, _ = fmt.Fprintf(w, "%s\t-\t-\n", h.Hex())
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\t%s %s\t%s\n", h.Hex(), domain.FormatUnits(bal, decimals), symbol, bal)
	}
	return w.Flush()
}
