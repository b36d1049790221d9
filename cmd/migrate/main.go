// Command migrate applies pending schema migrations and exits.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/riskmesh/riskmesh/internal/config"
	"github.com/riskmesh/riskmesh/internal/database"
	"github.com/riskmesh/riskmesh/pkg/observability"
)

func main() {
	path := flag.String("path", "", "migrations directory (default: database.migrations_path)")
	timeout := flag.Duration("timeout", time.Minute, "overall timeout")
	flag.Parse()

	if err := run(*path, *timeout); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(path string, timeout time.Duration) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if path == "" {
		path = cfg.Database.MigrationsPath
	}

	logger := observability.NewStandardLogger("migrate", nil)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	db, err := database.Connect(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	return database.Migrate(db, path, logger)
}
