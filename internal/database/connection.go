// Package database owns the PostgreSQL pool, the schema migrations and the
// SQL text used by the postgres store.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"roomtab-engine/internal/config"
	"roomtab-engine/internal/logger"
)

const (
	connectAttempts = 5
	pingTimeout     = 5 * time.Second
	applicationName = "roomtab-engine"
)

// DB is the shared pool. Sessions, orders and the outbox all live in the
// same database so a state change and its event commit together.
type DB struct {
	*pgxpool.Pool
	logger *logger.Logger
}

// New opens the pool and waits until the server answers. Batch runs are
// often started next to a database container that is still booting, so the
// first few failures only back off.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*DB, error) {
	pc, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		pool, err := open(ctx, pc)
		if err == nil {
			log.Info("db_connected", "Connected to PostgreSQL", "startup", map[string]interface{}{
				"host":      cfg.Database.Host,
				"database":  cfg.Database.Database,
				"max_conns": pc.MaxConns,
				"attempt":   attempt,
			})
			return &DB{Pool: pool, logger: log}, nil
		}
		lastErr = err

		if attempt == connectAttempts {
			break
		}
		backoff := time.Duration(attempt) * 2 * time.Second
		log.Error("db_connection_failed", fmt.Sprintf("Database not reachable, retrying in %v", backoff), "startup", err, map[string]interface{}{
			"attempt": attempt,
		})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", connectAttempts, lastErr)
}

// FromPool wraps a pool opened elsewhere, e.g. by integration tests.
func FromPool(pool *pgxpool.Pool, log *logger.Logger) *DB {
	return &DB{Pool: pool, logger: log}
}

func poolConfig(cfg *config.Config) (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if cfg.Database.MaxConns > 0 {
		pc.MaxConns = cfg.Database.MaxConns
	}
	if cfg.Database.MinConns > 0 {
		pc.MinConns = cfg.Database.MinConns
	}
	pc.MaxConnLifetime = time.Hour
	pc.MaxConnIdleTime = 30 * time.Minute

	// Timestamps are compared against lease deadlines computed in Go.
	pc.ConnConfig.RuntimeParams["timezone"] = "UTC"
	pc.ConnConfig.RuntimeParams["application_name"] = applicationName
	return pc, nil
}

func open(ctx context.Context, pc *pgxpool.Config) (*pgxpool.Pool, error) {
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Close releases every pooled connection.
func (db *DB) Close() {
	if db != nil && db.Pool != nil {
		db.Pool.Close()
	}
}
