package main

import (
	"context"
	"fmt"

	"roomtab-engine/internal/catalog"
	"roomtab-engine/internal/config"
	"roomtab-engine/internal/database"
	"roomtab-engine/internal/logger"
	"roomtab-engine/internal/messaging"
	"roomtab-engine/internal/outbox"
	"roomtab-engine/internal/pos"
	"roomtab-engine/internal/services/delivery"
	"roomtab-engine/internal/services/session"
	"roomtab-engine/internal/services/tab"
	"roomtab-engine/internal/store/postgres"
)

// app holds the wired engine shared by all commands.
type app struct {
	provider *config.Provider
	log      *logger.Logger
	db       *database.DB
	store    *postgres.Store
	outbox   *outbox.Outbox
	catalog  *catalog.Static
	pos      *pos.Adapter
	sessions *session.Service
	tabs     *tab.Service

	broker *messaging.Connection
}

func newApp(ctx context.Context, service string) (*app, error) {
	provider, err := config.NewProvider(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg := provider.Config()
	log := logger.NewWithLevel(service, cfg.Log.Level)

	db, err := database.New(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	cat, err := catalog.FromConfig(cfg.Catalog)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}
	cat.Watch(provider)

	st := postgres.New(db)
	ob := outbox.New(st, cfg.Delivery.Lease)
	adapter := pos.NewAdapter(posClient(cfg, cat), st, log)
	sessions := session.NewService(st, ob, adapter, log)

	return &app{
		provider: provider,
		log:      log,
		db:       db,
		store:    st,
		outbox:   ob,
		catalog:  cat,
		pos:      adapter,
		sessions: sessions,
		tabs:     tab.NewService(st, ob, cat, sessions, adapter, log),
	}, nil
}

// posClient picks the POS implementation. The memory driver mirrors the
// local catalog so item checks pass.
func posClient(cfg *config.Config, cat *catalog.Static) pos.Client {
	if cfg.POS.Driver == "http" {
		return pos.NewHTTPClient(cfg.POS)
	}
	var items []pos.CatalogItem
	for _, it := range cat.Items() {
		items = append(items, pos.CatalogItem{Ref: it.Ref, Name: it.Name, Price: it.Price})
	}
	return pos.NewMemoryClient(items...)
}

// publisher connects to the broker when mirroring is enabled. The mirror
// is best effort: when the broker cannot be reached the worker runs without
// it and webhooks are still delivered.
func (a *app) publisher(ctx context.Context) delivery.Publisher {
	cfg := a.provider.Config()
	conn := connectMirror(ctx, cfg.RabbitMQ.Enabled, a.log, func(ctx context.Context) (*messaging.Connection, error) {
		return messaging.New(ctx, cfg, a.log)
	})
	if conn == nil {
		return nil
	}
	a.broker = conn
	return messaging.NewPublisher(conn, a.log)
}

type brokerDialer func(ctx context.Context) (*messaging.Connection, error)

// connectMirror returns nil when mirroring is off or the broker is down.
func connectMirror(ctx context.Context, enabled bool, log *logger.Logger, dial brokerDialer) *messaging.Connection {
	if !enabled {
		return nil
	}
	conn, err := dial(ctx)
	if err != nil {
		log.Error("rabbitmq_connection_failed", "Broker unavailable, delivering without the event mirror", "startup", err, nil)
		return nil
	}
	return conn
}

func (a *app) worker(publisher delivery.Publisher) *delivery.Worker {
	cfg := a.provider.Config()
	endpoints := delivery.NewEndpointCache(a.store, cfg.Delivery.EndpointRefresh)
	return delivery.NewWorker(cfg.Delivery, a.outbox, a.store, endpoints, a.provider.Templates,
		delivery.NewHTTPSender(cfg.Delivery.Timeout), publisher, a.log)
}

func (a *app) close() {
	if a.broker != nil {
		a.broker.Close()
	}
	a.db.Close()
	a.log.Sync()
}
