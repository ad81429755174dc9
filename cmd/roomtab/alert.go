package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"roomtab-engine/internal/models"
)

func alertCmd() *cobra.Command {
	var (
		kind    string
		room    string
		message string
	)

	cmd := &cobra.Command{
		Use:   "alert",
		Short: "Queue an inventory or system alert for webhook delivery",
		RunE: func(cmd *cobra.Command, args []string) error {
			eventType := models.EventSystemAlert
			switch kind {
			case "system":
			case "inventory":
				eventType = models.EventInventoryAlert
			default:
				return fmt.Errorf("unknown alert type %q (system, inventory)", kind)
			}
			if message == "" {
				return fmt.Errorf("--message is required")
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, "roomtab-alert")
			if err != nil {
				return err
			}
			defer a.close()

			correlationID := "alerts"
			if room != "" {
				correlationID = "room-" + room
			}
			e, err := a.outbox.AppendStandalone(ctx, correlationID, eventType, models.AlertPayload{
				Message:    message,
				RoomNumber: room,
			})
			if err != nil {
				return err
			}
			fmt.Printf("queued %s event %d\n", eventType, e.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "type", "system", "alert type: system or inventory")
	cmd.Flags().StringVar(&room, "room", "", "room the alert concerns")
	cmd.Flags().StringVarP(&message, "message", "m", "", "alert text")
	return cmd
}
