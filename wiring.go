package main

import (
	"context"
	"fmt"

	"github.com/aemorandin-coder/electroweb-admission/internal/config"
	"github.com/aemorandin-coder/electroweb-admission/internal/domain/payment"
	"github.com/aemorandin-coder/electroweb-admission/internal/domain/reservation"
	"github.com/aemorandin-coder/electroweb-admission/internal/domain/stock"
	"github.com/aemorandin-coder/electroweb-admission/internal/infrastructure/gormstore"
	"github.com/aemorandin-coder/electroweb-admission/internal/infrastructure/memory"
	"github.com/aemorandin-coder/electroweb-admission/internal/observability"
)

type stores struct {
	stock        stock.Repository
	reservations reservation.Repository
	claims       payment.Repository
	close        func() error
}

// openStores picks the repositories for store.driver. The durable drivers are migrated
// on open so a fresh database is usable right away.
func openStores(ctx context.Context, cfg *config.Config, log observability.Logger) (*stores, error) {
	if cfg.Store.Driver == "memory" {
		log.Warn("store_in_memory", observability.F("detail", "reservations and claims are lost on restart"))
		return &stores{
			stock:        memory.NewStockRepository(),
			reservations: memory.NewReservationRepository(),
			claims:       memory.NewClaimRepository(),
			close:        func() error { return nil },
		}, nil
	}

	db, err := gormstore.Open(cfg.Store.Driver, cfg.Store.DSN, log)
	if err != nil {
		return nil, err
	}
	if err := gormstore.Migrate(ctx, db); err != nil {
		_ = gormstore.Close(db)
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &stores{
		stock:        gormstore.NewStockRepository(db),
		reservations: gormstore.NewReservationRepository(db),
		claims:       gormstore.NewClaimRepository(db),
		close:        func() error { return gormstore.Close(db) },
	}, nil
}
