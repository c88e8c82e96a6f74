// The sweeper expires every pending escrow past its deadline. By default it
// runs once and exits, for cron or systemd timers; with -loop it stays up and
// sweeps every SWEEP_INTERVAL until signalled. The pending-only conditional
// write makes overlapping runs safe either way.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kudiflow/paycore/internal/clock"
	"github.com/kudiflow/paycore/internal/config"
	"github.com/kudiflow/paycore/internal/escrow"
	"github.com/kudiflow/paycore/internal/fees"
	"github.com/kudiflow/paycore/internal/notify"
	"github.com/kudiflow/paycore/internal/store"
)

func main() {
	loop := flag.Bool("loop", false, "keep running and sweep on an interval instead of exiting after one pass")
	flag.Parse()

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

	svc := escrow.New(pg, fees.DefaultSchedule(), clock.RealClock{},
		&notify.LogSender{Logger: logger}, logger, cfg.EscrowCancelWindow, cfg.EscrowTTL)

	if !*loop {
		res, err := svc.Sweep(context.Background())
		if err != nil {
			logger.Error("sweep failed", "err", err)
			os.Exit(1)
		}
		fmt.Printf("expired %d of %d eligible escrows\n", res.Processed, res.Found)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("sweeper running", "interval", cfg.SweepInterval.String())
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()
	for {
		res, err := svc.Sweep(ctx)
		if err != nil {
			logger.Error("sweep failed", "err", err)
		} else if res.Found > 0 {
			logger.Info("sweep finished", "found", res.Found, "processed", res.Processed)
		}
		select {
		case <-ctx.Done():
			logger.Info("sweeper stopping")
			return
		case <-ticker.C:
		}
	}
}
