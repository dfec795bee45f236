// Package scheduler запускает батчи расчётов по cron-расписанию.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/fluxapay/settlement-engine/internal/model"
	"github.com/fluxapay/settlement-engine/internal/service"
)

// DefaultSchedule — ежедневный запуск в полночь UTC.
const DefaultSchedule = "0 0 * * *"

// Runner запускает один батч расчётов.
type Runner interface {
	Run(ctx context.Context) (*model.BatchResult, error)
}

// Scheduler оборачивает cron и запускает движок расчётов по расписанию.
// Все моменты запуска считаются в UTC.
type Scheduler struct {
	cron     *cron.Cron
	runner   Runner
	logger   *zap.Logger
	schedule string
}

// New создаёт планировщик с указанным cron-выражением. Невалидное
// выражение заменяется на DefaultSchedule с записью в лог.
func New(runner Runner, expr string, logger *zap.Logger) *Scheduler {
	if _, err := cron.ParseStandard(expr); err != nil {
		logger.Error("invalid cron expression, falling back to default",
			zap.String("expression", expr),
			zap.String("default", DefaultSchedule),
			zap.Error(err))
		expr = DefaultSchedule
	}

	return &Scheduler{
		cron:     cron.New(cron.WithLocation(time.UTC)),
		runner:   runner,
		logger:   logger,
		schedule: expr,
	}
}

// Schedule возвращает действующее cron-выражение.
func (s *Scheduler) Schedule() string {
	return s.schedule
}

// Start регистрирует задачу и запускает cron. Контекст связывает
// запущенные батчи с жизненным циклом приложения.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.schedule, func() {
		s.runBatch(ctx)
	})
	if err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info("settlement scheduler started", zap.String("schedule", s.schedule))
	return nil
}

// Stop останавливает cron и дожидается завершения запущенных задач.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("settlement scheduler stopped")
}

func (s *Scheduler) runBatch(ctx context.Context) {
	s.logger.Info("scheduled settlement batch starting")

	result, err := s.runner.Run(ctx)
	if err != nil {
		// Перекрытие с запущенным вручную батчем — не ошибка планировщика.
		if errors.Is(err, service.ErrBatchInProgress) {
			s.logger.Warn("scheduled batch skipped: another batch is in progress")
			return
		}
		s.logger.Error("scheduled settlement batch failed", zap.Error(err))
		return
	}

	s.logger.Info("scheduled settlement batch finished",
		zap.String("batch_id", result.BatchID),
		zap.Int("merchants_processed", result.TotalMerchantsProcessed),
		zap.Int("merchants_succeeded", result.TotalMerchantsSucceeded),
		zap.Int("merchants_failed", result.TotalMerchantsFailed))
}
