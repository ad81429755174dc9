package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"roomtab-engine/internal/config"
	"roomtab-engine/internal/logger"
	"roomtab-engine/internal/messaging"
	"roomtab-engine/internal/services/notification"
)

func subscribeCmd() *cobra.Command {
	var prefetch int

	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Print room events mirrored to the message broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			provider, err := config.NewProvider(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			cfg := provider.Config()
			log := logger.NewWithLevel("roomtab-subscriber", cfg.Log.Level)
			defer log.Sync()

			conn, err := messaging.New(ctx, cfg, log)
			if err != nil {
				return fmt.Errorf("failed to initialize messaging: %w", err)
			}
			defer conn.Close()

			hostname, _ := os.Hostname()
			consumer := messaging.NewConsumer(conn, log, conn.Queue(), "roomtab-subscriber-"+hostname, prefetch)
			return notification.NewSubscriber(consumer, log).Start(ctx)
		},
	}

	cmd.Flags().IntVar(&prefetch, "prefetch", 10, "RabbitMQ prefetch count")
	return cmd
}
