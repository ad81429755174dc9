package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"roomtab-engine/internal/harness"
	"roomtab-engine/internal/models"
)

func reconcileCmd() *cobra.Command {
	var (
		forceClose bool
		deliver    bool
		item       string
		quantity   int
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run an end-to-end reconciliation against the live database and POS",
		Long: `Open a tab for the harness room, place two orders, settle on the POS, close
and check that each step left its trace. Everything created is deleted again.

Exits non-zero when any step fails.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, "roomtab-harness")
			if err != nil {
				return err
			}
			defer a.close()

			if item == "" {
				items := a.catalog.Items()
				if len(items) == 0 {
					return fmt.Errorf("catalog is empty; pass --item")
				}
				item = items[0].Ref
			}

			h := harness.New(a.provider.Config().Harness, a.store, a.sessions, a.tabs, a.pos, a.worker(nil), a.log)
			report, err := h.Run(ctx, harness.Options{
				Lines:      []models.LineInput{{CatalogItemReference: item, Quantity: quantity}},
				ForceClose: forceClose,
				Deliver:    deliver,
			})
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if !report.Succeeded() {
				return fmt.Errorf("reconciliation %s", report.Status())
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&forceClose, "force-close", false, "force-close instead of settling")
	cmd.Flags().BoolVar(&deliver, "deliver", false, "run delivery passes until the tab's events are processed")
	cmd.Flags().StringVar(&item, "item", "", "catalog item to order (default: first catalog item)")
	cmd.Flags().IntVar(&quantity, "quantity", 1, "quantity per order")
	return cmd
}
