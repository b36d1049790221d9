// Package database opens the relational store connection pool and runs
// schema migrations.
package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/riskmesh/riskmesh/internal/config"
	"github.com/riskmesh/riskmesh/pkg/observability"
)

// Connect opens and verifies a postgres connection pool.
func Connect(ctx context.Context, cfg config.DatabaseConfig, logger observability.Logger) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logger.Info("database connected", map[string]interface{}{
		"host":     cfg.Host,
		"database": cfg.Database,
		"maxConns": cfg.MaxOpenConns,
	})
	return db, nil
}
