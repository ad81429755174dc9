package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	Version    = "dev"
	configPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "roomtab",
		Short:         "Room tab sessions and event delivery for hotel in-room ordering",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "config file")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(deliverCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(subscribeCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(alertCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
