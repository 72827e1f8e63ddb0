package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/revenuelab/taxrules-cli/internal/store"
)

// openStore builds the configured store backend. Callers own Close.
func openStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite", "":
		return store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	}
	return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
}
