package cli

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/vietddude/logharvest/internal/indexing/collector"
	redisclient "github.com/vietddude/logharvest/internal/infra/redis"
)

var resetQueueCmd = &cobra.Command{
	Use:   "reset-queue [token]",
	Short: "Drop every pending harvest range of a token",
	Args:  cobra.ExactArgs(1),
	RunE:  runResetQueue,
}

func init() {
	rootCmd.AddCommand(resetQueueCmd)
}

func runResetQueue(cmd *cobra.Command, args []string) error {
	if !common.IsHexAddress(args[0]) {
		return fmt.Errorf("invalid token address %q", args[0])
	}
	token := common.HexToAddress(args[0])
	cfg := loadConfig()

	client, err := redisclient.NewClient(cfg.Redis)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	if err := client.Queue(collector.ContractID(token), cfg.Redis.CheckpointTTL).Clear(context.Background()); err != nil {
		return err
	}
	fmt.Printf("Successfully cleared queue for %s\n", token.Hex())
	return nil
}
