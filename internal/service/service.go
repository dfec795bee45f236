// Package service реализует движок батчевых расчётов с мерчантами.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fluxapay/settlement-engine/internal/currency"
	"github.com/fluxapay/settlement-engine/internal/exchange"
	"github.com/fluxapay/settlement-engine/internal/model"
	"github.com/fluxapay/settlement-engine/internal/validation"
)

// ErrBatchInProgress возвращается при попытке запустить батч поверх идущего.
// Перекрытие запусков недопустимо: второй запуск мог бы выплатить те же
// платежи до того, как первый отметит их рассчитанными.
var ErrBatchInProgress = errors.New("settlement batch already in progress")

// Repository описывает контракт доступа к данным, используемый движком.
type Repository interface {
	Close() error
	GetEligiblePayments(ctx context.Context) ([]model.Payment, error)
	GetMerchant(ctx context.Context, id string) (*model.Merchant, error)
	CreateMerchant(ctx context.Context, m *model.Merchant) error
	CreateSettlement(ctx context.Context, s *model.Settlement, paymentIDs []string) error
	MarkSettlementProcessing(ctx context.Context, id string) error
	UpdateSettlementAmounts(ctx context.Context, id string, fiatAmount, netAmount, fees decimal.Decimal) error
	CompleteSettlement(ctx context.Context, settlementID, transferRef string, paymentIDs []string) error
	FailSettlement(ctx context.Context, id, reason string) error
	GetProcessingSettlements(ctx context.Context) ([]model.Settlement, error)
	PaymentIDsForSettlement(ctx context.Context, s *model.Settlement) ([]string, error)
	CountUnsettledPayments(ctx context.Context) (int64, error)
	CountOpenSettlements(ctx context.Context) (int64, error)
	CountManualInterventions(ctx context.Context) (int64, error)
	RecentSettlements(ctx context.Context, limit int) ([]model.Settlement, error)
	CreateManualIntervention(ctx context.Context, merchantID, operation, reason string) error
}

// Registrar выполняет ончейн-регистрацию мерчанта.
type Registrar interface {
	RegisterMerchant(ctx context.Context, m *model.Merchant) bool
}

// FeeSchedule описывает комиссию площадки за расчёт.
type FeeSchedule struct {
	// Percent — процент от фиатной суммы (2 означает 2%).
	Percent decimal.Decimal
	// Fixed — фиксированная часть в фиатной валюте выплаты.
	Fixed decimal.Decimal
}

// Apply вычисляет комиссию и чистую сумму выплаты. Комиссия считается
// до округления, итоговая сумма округляется до минорных единиц валюты.
func (f FeeSchedule) Apply(fiatGross decimal.Decimal, fiatCurrency string) (net, fees decimal.Decimal) {
	fees = fiatGross.Mul(f.Percent).Div(decimal.NewFromInt(100)).Add(f.Fixed)
	net = currency.RoundMinor(fiatGross.Sub(fees), fiatCurrency)
	return net, fees
}

// Options содержит параметры движка расчётов.
type Options struct {
	Fees           FeeSchedule
	Workers        int
	PartnerTimeout time.Duration
	CronExpr       string
}

// Engine — движок батчевых расчётов: выбирает собранные платежи, группирует
// их по мерчантам и выплачивает фиат через активного партнёра. Ошибка одного
// мерчанта не прерывает обработку остальных.
type Engine struct {
	repo      Repository
	partner   exchange.Partner
	registrar Registrar
	opts      Options
	logger    *zap.Logger

	running atomic.Bool
}

// NewEngine создаёт движок расчётов.
func NewEngine(repo Repository, partner exchange.Partner, registrar Registrar, opts Options, logger *zap.Logger) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.PartnerTimeout <= 0 {
		opts.PartnerTimeout = 30 * time.Second
	}

	return &Engine{
		repo:      repo,
		partner:   partner,
		registrar: registrar,
		opts:      opts,
		logger:    logger,
	}
}

// Close закрывает ресурсы движка.
func (e *Engine) Close() error {
	if e.repo != nil {
		return e.repo.Close()
	}
	return nil
}

// PartnerName возвращает имя активного партнёра.
func (e *Engine) PartnerName() string { return e.partner.Name() }

// Run выполняет один батч расчётов: по одной попытке выплаты на мерчанта,
// сбои отдельных мерчантов попадают в итог и не прерывают остальных.
// Ошибку возвращает только инфраструктурный сбой; частичный успех — штатный
// исход.
func (e *Engine) Run(ctx context.Context) (*model.BatchResult, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrBatchInProgress
	}
	defer e.running.Store(false)

	batchID := uuid.NewString()
	result := &model.BatchResult{
		BatchID:         batchID,
		StartedAt:       time.Now().UTC(),
		MerchantResults: []model.MerchantResult{},
	}

	e.logger.Info("settlement batch started", zap.String("batch_id", batchID))

	payments, err := e.repo.GetEligiblePayments(ctx)
	if err != nil {
		return nil, fmt.Errorf("select eligible payments: %w", err)
	}

	groups := groupByMerchant(payments)

	merchantIDs := make([]string, 0, len(groups))
	for id := range groups {
		merchantIDs = append(merchantIDs, id)
	}
	sort.Strings(merchantIDs)

	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(e.opts.Workers)

	for _, merchantID := range merchantIDs {
		// После сигнала остановки новые конвейеры не стартуют;
		// уже начатые доводятся до конца.
		if ctx.Err() != nil {
			break
		}

		merchantID := merchantID
		g.Go(func() error {
			res := e.settleMerchant(ctx, batchID, merchantID, groups[merchantID])

			mu.Lock()
			result.MerchantResults = append(result.MerchantResults, res)
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait()

	sort.Slice(result.MerchantResults, func(i, j int) bool {
		return result.MerchantResults[i].MerchantID < result.MerchantResults[j].MerchantID
	})
	result.Finalize(time.Now().UTC())

	e.logger.Info("settlement batch finished",
		zap.String("batch_id", batchID),
		zap.Int("processed", result.TotalMerchantsProcessed),
		zap.Int("succeeded", result.TotalMerchantsSucceeded),
		zap.Int("failed", result.TotalMerchantsFailed),
		zap.Duration("duration", result.CompletedAt.Sub(result.StartedAt)))

	return result, nil
}

func groupByMerchant(payments []model.Payment) map[string][]model.Payment {
	groups := make(map[string][]model.Payment)
	for _, p := range payments {
		groups[p.MerchantID] = append(groups[p.MerchantID], p)
	}
	return groups
}

// settleMerchant выполняет конвейер одного мерчанта: котировка, комиссия,
// выплата, фиксация. Любая ошибка превращается в запись результата и не
// выходит за пределы конвейера.
func (e *Engine) settleMerchant(ctx context.Context, batchID, merchantID string, payments []model.Payment) model.MerchantResult {
	failed := func(err error) model.MerchantResult {
		e.logger.Warn("merchant settlement failed",
			zap.String("batch_id", batchID),
			zap.String("merchant_id", merchantID),
			zap.Error(err))
		return model.MerchantResult{
			MerchantID: merchantID,
			Outcome:    model.OutcomeFailed,
			Error:      err.Error(),
		}
	}

	// Начатый конвейер доводится до конца даже при остановке процесса:
	// партнёрские вызовы ограничены собственными таймаутами.
	ctx = context.WithoutCancel(ctx)

	merchant, err := e.repo.GetMerchant(ctx, merchantID)
	if err != nil {
		return failed(fmt.Errorf("load merchant: %w", err))
	}

	gross := decimal.Zero
	paymentIDs := make([]string, 0, len(payments))
	for _, p := range payments {
		// Платежи одного мерчанта обязаны сходиться в одной валюте расчёта;
		// расхождение — нарушение целостности данных, мерчант пропускается.
		if p.Currency != merchant.SettlementCurrency {
			return failed(fmt.Errorf("data integrity: payment %s currency %s conflicts with settlement currency %s",
				p.ID, p.Currency, merchant.SettlementCurrency))
		}
		gross = gross.Add(p.Amount)
		paymentIDs = append(paymentIDs, p.ID)
	}

	if err := validation.ValidateBankAccount(merchant.BankAccount); err != nil {
		return failed(fmt.Errorf("bank account: %w", err))
	}

	// Ключ детерминирован от batch id и мерчанта: повторный запуск того же
	// батча не создаст вторую выплату ни у нас, ни у партнёра.
	reference := fmt.Sprintf("stl_%s_%s", batchID, merchantID)

	settlement := &model.Settlement{
		ID:         uuid.NewString(),
		MerchantID: merchantID,
		Currency:   merchant.SettlementCurrency,
		USDCAmount: gross,
		Status:     model.SettlementStatusPending,
		Reference:  reference,
	}

	if err := e.repo.CreateSettlement(ctx, settlement, paymentIDs); err != nil {
		return failed(fmt.Errorf("create settlement: %w", err))
	}

	if err := e.repo.MarkSettlementProcessing(ctx, settlement.ID); err != nil {
		return failed(fmt.Errorf("mark processing: %w", err))
	}

	quoteCtx, cancel := context.WithTimeout(ctx, e.opts.PartnerTimeout)
	quote, err := e.partner.GetQuote(quoteCtx, gross, merchant.SettlementCurrency)
	cancel()
	if err != nil {
		e.failSettlement(ctx, settlement.ID, err)
		return failed(fmt.Errorf("quote: %w", err))
	}

	net, fees := e.opts.Fees.Apply(quote.FiatGross, merchant.SettlementCurrency)

	if err := e.repo.UpdateSettlementAmounts(ctx, settlement.ID, quote.FiatGross, net, fees); err != nil {
		e.failSettlement(ctx, settlement.ID, err)
		return failed(fmt.Errorf("record amounts: %w", err))
	}

	payoutCtx, cancel := context.WithTimeout(ctx, e.opts.PartnerTimeout)
	payout, err := e.partner.ConvertAndPayout(payoutCtx, gross, merchant.SettlementCurrency, merchant.BankAccount, reference)
	cancel()
	if err != nil {
		// Без повторов внутри запуска: платежи остаются нерассчитанными
		// и попадут в следующий батч.
		e.failSettlement(ctx, settlement.ID, err)
		return failed(fmt.Errorf("payout: %w", err))
	}

	// Успех выплаты у партнёра — барьер записи: только после него платежи
	// помечаются рассчитанными, и строго в одной транзакции с расчётом.
	if err := e.repo.CompleteSettlement(ctx, settlement.ID, payout.TransferRef, paymentIDs); err != nil {
		// Деньги ушли, а фиксация не удалась: оператору нужна сверка.
		e.logger.Error("payout succeeded but ledger write failed",
			zap.String("settlement_id", settlement.ID),
			zap.String("transfer_ref", payout.TransferRef),
			zap.Error(err))
		if interventionErr := e.repo.CreateManualIntervention(ctx, merchantID, "settlement_completion",
			fmt.Sprintf("transfer %s initiated, ledger write failed: %v", payout.TransferRef, err)); interventionErr != nil {
			e.logger.Error("failed to persist manual intervention", zap.Error(interventionErr))
		}
		return failed(fmt.Errorf("complete settlement: %w", err))
	}

	e.logger.Info("merchant settled",
		zap.String("batch_id", batchID),
		zap.String("merchant_id", merchantID),
		zap.String("settlement_id", settlement.ID),
		zap.String("transfer_ref", payout.TransferRef),
		zap.String("currency", merchant.SettlementCurrency),
		zap.String("net_amount", net.String()))

	return model.MerchantResult{
		MerchantID:   merchantID,
		Outcome:      model.OutcomeSettled,
		SettlementID: settlement.ID,
	}
}

func (e *Engine) failSettlement(ctx context.Context, id string, cause error) {
	if err := e.repo.FailSettlement(ctx, id, cause.Error()); err != nil {
		e.logger.Error("failed to mark settlement failed",
			zap.String("settlement_id", id),
			zap.Error(err))
	}
}

// ReconcileStuck сверяет расчёты, оставшиеся в processing после рестарта:
// если партнёр знает перевод по идемпотентному ключу, расчёт завершается,
// иначе помечается failed и платежи уходят в следующий батч.
func (e *Engine) ReconcileStuck(ctx context.Context) error {
	stuck, err := e.repo.GetProcessingSettlements(ctx)
	if err != nil {
		return fmt.Errorf("select processing settlements: %w", err)
	}

	for _, s := range stuck {
		lookupCtx, cancel := context.WithTimeout(ctx, e.opts.PartnerTimeout)
		payout, err := e.partner.LookupTransfer(lookupCtx, s.Reference)
		cancel()

		switch {
		case err == nil:
			ids, idsErr := e.repo.PaymentIDsForSettlement(ctx, &s)
			if idsErr != nil {
				e.logger.Error("reconcile: failed to load payments", zap.String("settlement_id", s.ID), zap.Error(idsErr))
				continue
			}
			if completeErr := e.repo.CompleteSettlement(ctx, s.ID, payout.TransferRef, ids); completeErr != nil {
				e.logger.Error("reconcile: failed to complete settlement", zap.String("settlement_id", s.ID), zap.Error(completeErr))
				continue
			}
			e.logger.Info("reconciled stuck settlement as completed",
				zap.String("settlement_id", s.ID),
				zap.String("transfer_ref", payout.TransferRef))

		case errors.Is(err, exchange.ErrTransferNotFound):
			e.failSettlement(ctx, s.ID, errors.New("no partner transfer found during reconciliation"))
			e.logger.Info("reconciled stuck settlement as failed", zap.String("settlement_id", s.ID))

		default:
			// Партнёр недоступен: оставляем processing до следующей сверки.
			e.logger.Warn("reconcile: partner lookup failed",
				zap.String("settlement_id", s.ID),
				zap.Error(err))
		}
	}

	return nil
}

// OnboardMerchant сохраняет мерчанта и запускает его ончейн-регистрацию в фоне.
func (e *Engine) OnboardMerchant(ctx context.Context, m *model.Merchant) error {
	if err := validation.ValidateBankAccount(m.BankAccount); err != nil {
		return fmt.Errorf("bank account: %w", err)
	}

	if err := e.repo.CreateMerchant(ctx, m); err != nil {
		return err
	}

	if e.registrar != nil {
		go e.registrar.RegisterMerchant(context.WithoutCancel(ctx), m)
	}

	return nil
}

// Status — сводка состояния системы расчётов для операторской страницы.
type Status struct {
	UnsettledPaymentCount   int64              `json:"unsettled_payment_count"`
	OpenSettlementCount     int64              `json:"pending_settlement_count"`
	ManualInterventionCount int64              `json:"manual_intervention_count"`
	ExchangePartner         string             `json:"exchange_partner"`
	SettlementFeePercent    decimal.Decimal    `json:"settlement_fee_percent"`
	CronSchedule            string             `json:"cron_schedule"`
	RecentSettlements       []model.Settlement `json:"-"`
}

// GetStatus собирает сводку состояния: счётчики, активный партнёр, комиссия
// и последние расчёты.
func (e *Engine) GetStatus(ctx context.Context) (*Status, error) {
	unsettled, err := e.repo.CountUnsettledPayments(ctx)
	if err != nil {
		return nil, err
	}

	open, err := e.repo.CountOpenSettlements(ctx)
	if err != nil {
		return nil, err
	}

	interventions, err := e.repo.CountManualInterventions(ctx)
	if err != nil {
		return nil, err
	}

	recent, err := e.repo.RecentSettlements(ctx, 5)
	if err != nil {
		return nil, err
	}

	return &Status{
		UnsettledPaymentCount:   unsettled,
		OpenSettlementCount:     open,
		ManualInterventionCount: interventions,
		ExchangePartner:         e.partner.Name(),
		SettlementFeePercent:    e.opts.Fees.Percent,
		CronSchedule:            e.opts.CronExpr,
		RecentSettlements:       recent,
	}, nil
}
