package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"roomtab-engine/internal/api"
	"roomtab-engine/internal/config"
	"roomtab-engine/internal/services/delivery"
)

func serveCmd() *cobra.Command {
	var (
		port           int
		allowMemoryPOS bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the room tab HTTP API",
		Long: `Serve the JSON API used by staff tools and the guest mini-app.

SIGHUP reloads config.yaml and the webhook templates without a restart.

The in-process POS (pos.driver: memory) loses hosted orders on restart, so
serve refuses it unless --allow-memory-pos is given for local development.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, "roomtab-api")
			if err != nil {
				return err
			}
			defer a.close()

			cfg := a.provider.Config()
			if err := checkPOSDriver(cfg.POS, allowMemoryPOS); err != nil {
				return err
			}
			if cfg.POS.Driver == "memory" {
				a.log.Info("pos_memory_driver", "Using the in-process POS; hosted orders are lost on restart", "startup", nil)
			}
			if port == 0 {
				port = cfg.HTTP.Port
			}

			endpoints := delivery.NewEndpointCache(a.store, cfg.Delivery.EndpointRefresh)
			handler := api.NewHandler(a.sessions, a.tabs, a.store, a.outbox, endpoints, api.Options{
				AllowOrigins: cfg.HTTP.AllowOrigins,
				MaxEndpoints: cfg.Delivery.MaxEndpoints,
			}, a.log)

			server := &http.Server{
				Addr:              fmt.Sprintf(":%d", port),
				Handler:           handler.Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			go a.reloadOnHangup(ctx)

			errCh := make(chan error, 1)
			go func() {
				a.log.Info("service_started", fmt.Sprintf("Room tab API started on port %d", port), "", map[string]interface{}{
					"port": port,
				})
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("http server failed: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			a.log.Info("graceful_shutdown", "Shutting down HTTP server", "", nil)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "HTTP port (default from config)")
	cmd.Flags().BoolVar(&allowMemoryPOS, "allow-memory-pos", false, "accept pos.driver memory (local development only)")
	return cmd
}

// checkPOSDriver rejects the in-process POS for a long-running server
// unless explicitly allowed.
func checkPOSDriver(cfg config.POSConfig, allowMemory bool) error {
	if cfg.Driver == "memory" && !allowMemory {
		return fmt.Errorf("pos.driver is memory: hosted orders would not survive a restart; configure the http driver or pass --allow-memory-pos")
	}
	return nil
}

func (a *app) reloadOnHangup(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := a.provider.Reload(); err != nil {
				a.log.Error("config_reload_failed", "Keeping previous configuration", "", err, nil)
				continue
			}
			a.log.Info("config_reloaded", "Configuration reloaded", "", nil)
		}
	}
}
