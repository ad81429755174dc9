package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func deliverCmd() *cobra.Command {
	var (
		loop     bool
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "deliver",
		Short: "Deliver pending outbox events to webhook endpoints",
		Long: `Run one delivery batch and exit. Meant to be scheduled externally.

Endpoint failures are recorded and retried on the next run. An unreachable
broker only disables the event mirror. The command fails only when it
cannot start or cannot read the outbox.

Examples:
  roomtab deliver
  roomtab deliver --loop --interval 30s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, "roomtab-delivery")
			if err != nil {
				return err
			}
			defer a.close()

			w := a.worker(a.publisher(ctx))

			if loop {
				if interval == 0 {
					interval = a.provider.Config().Delivery.Interval
				}
				return w.Run(ctx, interval)
			}

			stats, err := w.RunOnce(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		},
	}

	cmd.Flags().BoolVar(&loop, "loop", false, "keep running batches (local development)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "pause between batches with --loop (default from config)")
	return cmd
}
