package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/kudiflow/paycore/internal/api"
	"github.com/kudiflow/paycore/internal/auth"
	"github.com/kudiflow/paycore/internal/biller"
	"github.com/kudiflow/paycore/internal/clock"
	"github.com/kudiflow/paycore/internal/config"
	"github.com/kudiflow/paycore/internal/escrow"
	"github.com/kudiflow/paycore/internal/fees"
	"github.com/kudiflow/paycore/internal/ledger"
	"github.com/kudiflow/paycore/internal/notify"
	"github.com/kudiflow/paycore/internal/rail"
	"github.com/kudiflow/paycore/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	pg, err := store.NewPostgres(cfg.DBSource)
	if err != nil {
		logger.Error("unable to connect to database", "err", err)
		os.Exit(1)
	}
	defer pg.Close()

	if err := pg.Migrate(context.Background()); err != nil {
		logger.Error("migration failed", "err", err)
		os.Exit(1)
	}

	clk := clock.RealClock{}
	schedule := fees.DefaultSchedule()
	notifier := &notify.LogSender{Logger: logger}
	verifier := auth.NewVerifier(cfg.JWTSecret)

	billerClient := biller.NewHTTPClient(cfg.BillerBaseURL, cfg.BillerAPIKey)
	railClient := rail.NewHTTPClient(cfg.RailBaseURL, cfg.RailAPIKey)

	ledgerSvc := ledger.New(pg, schedule, clk, billerClient, logger)
	escrowSvc := escrow.New(pg, schedule, clk, notifier, logger, cfg.EscrowCancelWindow, cfg.EscrowTTL)
	railSvc := rail.New(pg, railClient, schedule, clk, notifier, logger)

	handler := api.NewHandler(pg, ledgerSvc, escrowSvc, railSvc, verifier, clk, logger,
		cfg.IdempotencyTTL, []byte(cfg.RailWebhookSecret))

	logger.Info("server starting", "port", cfg.Port, "env", cfg.Env)
	if err := http.ListenAndServe(":"+cfg.Port, handler.Router()); err != nil {
		logger.Error("server stopped", "err", err)
		os.Exit(1)
	}
}
