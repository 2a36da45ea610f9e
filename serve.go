package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/aemorandin-coder/electroweb-admission/internal/application/admission"
	"github.com/aemorandin-coder/electroweb-admission/internal/application/notification"
	apppay "github.com/aemorandin-coder/electroweb-admission/internal/application/payment"
	appres "github.com/aemorandin-coder/electroweb-admission/internal/application/reservation"
	appstock "github.com/aemorandin-coder/electroweb-admission/internal/application/stock"
	"github.com/aemorandin-coder/electroweb-admission/internal/config"
	"github.com/aemorandin-coder/electroweb-admission/internal/infrastructure/bankgateway"
	"github.com/aemorandin-coder/electroweb-admission/internal/infrastructure/catalog"
	"github.com/aemorandin-coder/electroweb-admission/internal/infrastructure/id"
	infraobs "github.com/aemorandin-coder/electroweb-admission/internal/infrastructure/observability"
	"github.com/aemorandin-coder/electroweb-admission/internal/infrastructure/outbox"
	"github.com/aemorandin-coder/electroweb-admission/internal/observability"
	"github.com/aemorandin-coder/electroweb-admission/internal/pkg/clock"
	httppresentation "github.com/aemorandin-coder/electroweb-admission/internal/presentation/http"
	workerpresentation "github.com/aemorandin-coder/electroweb-admission/internal/presentation/worker"
)

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the expiry sweeper and the notification worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	tel, err := infraobs.Setup(infraobs.Options{
		Service:  cfg.Service.Name,
		Env:      cfg.Service.Env,
		LogLevel: cfg.Service.LogLevel,
		LogFile:  cfg.Service.LogFile,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tel.Sync() }()
	log := tel.Logger()

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		log.Error("store_open_failed", observability.Err(err))
		return err
	}
	defer func() {
		if err := st.close(); err != nil {
			log.Warn("store_close_failed", observability.Err(err))
		}
	}()

	bus := outbox.NewBus(tel, outbox.Options{})
	notification.New(bus, tel).Start()
	bus.Start(ctx)

	clk := clock.System()
	ids := id.NewGenerator()
	loc := cfg.BankLocation()

	ledger := appstock.NewLedger(st.stock, catalog.NewStatic(cfg.Catalog.Stock), clk, tel)
	manager := appres.NewManager(st.reservations, ledger, st.claims, ids, bus, tel, appres.Options{
		TTL:   cfg.Reservation.TTL,
		Clock: clk,
	})
	gateway := bankgateway.New(bankgateway.Config{
		URL:      cfg.Gateway.URL,
		APIKey:   cfg.Gateway.APIKey,
		Timeout:  cfg.Gateway.Timeout,
		Location: loc,
	}, tel)
	processor := apppay.NewProcessor(st.claims, manager, gateway, ids, bus, tel, apppay.Options{
		MaxAttempts: cfg.Payment.MaxAttempts,
		Location:    loc,
		Clock:       clk,
	})
	coordinator := admission.NewCoordinator(manager, processor, bus, tel)

	sweeper := workerpresentation.NewSweeper(manager, cfg.Reservation.SweepInterval, tel)
	sweeper.Start(ctx)

	handler := httppresentation.NewHandler(httppresentation.Services{
		Checkouts:    coordinator,
		Reservations: manager,
		Claims:       processor,
		Stock:        ledger,
	}, tel, httppresentation.Options{
		Location: loc,
		Metrics:  promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}),
	})
	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("http_server_start", observability.F("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			log.Error("http_server_error", observability.Err(err))
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http_server_shutdown_error", observability.Err(err))
	} else {
		log.Info("http_server_stopped")
	}
	if err := sweeper.Stop(shutdownCtx); err != nil {
		log.Warn("sweeper_stop_error", observability.Err(err))
	}
	if err := bus.Stop(shutdownCtx); err != nil {
		log.Warn("event_bus_stop_error", observability.Err(err))
	}
	return nil
}
