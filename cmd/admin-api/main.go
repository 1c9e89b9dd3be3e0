package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/harbouros/appliance/internal/admin"
	"github.com/harbouros/appliance/internal/config"
	"github.com/harbouros/appliance/internal/logging"
	"github.com/harbouros/appliance/internal/logstream"
	"github.com/harbouros/appliance/internal/mediaserver"
	"github.com/harbouros/appliance/internal/metrics"
	"github.com/harbouros/appliance/internal/system"
	"github.com/harbouros/appliance/internal/update"
	"github.com/harbouros/appliance/internal/version"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg, "admin-api")

	runner := system.ExecRunner{}
	services := system.NewSystemdManager(logger, runner)
	ledger := version.NewLedger(cfg.LedgerPath)
	wc := update.NewGitWorkingCopy(logger, runner, cfg.WorkingCopyDir, cfg.Branch)

	// Check-only: the dashboard never applies in-process. Installs go
	// through the privileged updater binary so this service can restart
	// underneath them.
	checker := update.NewPullAdapter(logger, wc, ledger, nil, true)

	srv := admin.NewServer(logger, admin.Deps{
		Auth:           admin.NewAuth(logger, cfg.AdminCredPath),
		Media:          mediaserver.NewManager(logger, runner, services),
		Services:       services,
		Runner:         runner,
		Ledger:         ledger,
		Checker:        checker,
		UpdateLog:      logstream.NewTailer(logger, cfg.UpdateLogPath),
		MediaUpdateLog: logstream.NewTailer(logger, cfg.MediaUpdateLogPath),
		UpdaterBin:     cfg.UpdaterBin,
	})

	httpServer := &http.Server{
		Addr:        cfg.HTTPListenAddr,
		Handler:     srv,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
		// No WriteTimeout: install streaming and the log WebSocket are
		// long-lived responses.
	}
	metricsServer := metrics.NewServer(cfg.MetricsListenAddr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", httpServer.Addr).Msg("starting admin API server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Info().Str("addr", metricsServer.Addr).Msg("starting metrics server")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
		metricsServer.Shutdown(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("server failed")
	}
}
