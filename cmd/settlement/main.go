// Package main запускает HTTP-сервер движка расчётов.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fluxapay/settlement-engine/internal/config"
	"github.com/fluxapay/settlement-engine/internal/exchange"
	"github.com/fluxapay/settlement-engine/internal/handler"
	"github.com/fluxapay/settlement-engine/internal/middleware"
	"github.com/fluxapay/settlement-engine/internal/registry"
	"github.com/fluxapay/settlement-engine/internal/repository"
	"github.com/fluxapay/settlement-engine/internal/scheduler"
	"github.com/fluxapay/settlement-engine/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	partner := exchange.New(exchange.Options{
		Partner:          cfg.ExchangePartner,
		YellowCardAPIURL: cfg.YellowCardAPIURL,
		YellowCardAPIKey: cfg.YellowCardAPIKey,
		AnchorAPIURL:     cfg.AnchorAPIURL,
		AnchorAPIKey:     cfg.AnchorAPIKey,
		Timeout:          cfg.PartnerTimeout,
	}, logger)

	registrar := registry.NewService(cfg.RegistryGatewayURL, repo, logger)

	engine := service.NewEngine(repo, partner, registrar, service.Options{
		Fees: service.FeeSchedule{
			Percent: decimal.NewFromFloat(cfg.SettlementFeePercent),
			Fixed:   decimal.NewFromFloat(cfg.SettlementFeeFixed),
		},
		Workers:        cfg.BatchWorkers,
		PartnerTimeout: cfg.PartnerTimeout,
		CronExpr:       cfg.SettlementCron,
	}, logger)

	adminAuth := middleware.NewAdminAuth(cfg.AdminSecret)
	h := handler.NewHandler(engine, logger, adminAuth)

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: h.SetupRouter(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Расчёты, зависшие в processing после падения процесса, сверяются
	// с партнёром до приёма нового трафика.
	if err := engine.ReconcileStuck(ctx); err != nil {
		sugar.Errorw("reconciliation error", "error", err.Error())
	}

	g, ctx := errgroup.WithContext(ctx)

	var sched *scheduler.Scheduler
	if !cfg.DisableCron {
		sched = scheduler.New(engine, cfg.SettlementCron, logger)
		if err := sched.Start(ctx); err != nil {
			sugar.Fatalw("scheduler start error", "error", err.Error())
		}
	} else {
		sugar.Info("settlement cron is disabled")
	}

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting settlement server",
			"addr", cfg.RunAddress,
			"partner", partner.Name(),
			"cron", cfg.SettlementCron)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		if sched != nil {
			sched.Stop()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
