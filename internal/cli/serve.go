package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/logharvest/internal/control"
)

var serveWorkers bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the queue workers and the health server",
	Run:   runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveWorkers, "workers", true, "run a harvest worker per configured token")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := control.NewEngine(ctx, *cfg, control.Options{
		Workers: serveWorkers && len(cfg.Worker.Tokens) > 0,
		Server:  true,
	})
	if err != nil {
		slog.Error("Failed to initialize engine", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := app.Start(ctx); err != nil {
		slog.Error("Failed to start engine", "error", err)
		os.Exit(1)
	}

	slog.Info("logharvest started", "config", cfgPath, "port", cfg.Server.Port, "tokens", len(cfg.Worker.Tokens))

	sig := <-sigChan
	slog.Info("Received signal, shutting down...", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
		os.Exit(1)
	}
}
