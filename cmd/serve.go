package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"chatgate/pkg/config"
	"chatgate/pkg/gateway"
	"chatgate/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway server",
	Long:  "Starts the webhook ingress, management API, and all autostart bots.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		slog.SetDefault(appLogger)
		log := slog.Default().With("component", "cmd.serve")

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := gateway.NewService(cfg, appLogger)
		if err != nil {
			return fmt.Errorf("initialize gateway: %w", err)
		}

		log.Info("Gateway starting", "host", cfg.Gateway.Host, "port", cfg.Gateway.Port)
		if err := svc.Run(runCtx); err != nil {
			return fmt.Errorf("gateway stopped: %w", err)
		}

		log.Info("Gateway shut down")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
