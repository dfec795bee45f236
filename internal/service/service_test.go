package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fluxapay/settlement-engine/internal/exchange"
	"github.com/fluxapay/settlement-engine/internal/model"
	"github.com/fluxapay/settlement-engine/internal/repository"
)

type stubRepo struct {
	mu sync.Mutex

	merchants map[string]*model.Merchant
	payments  map[string]*model.Payment

	settlements map[string]*model.Settlement
	references  map[string]bool

	interventions []string

	eligibleErr error
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		merchants:   make(map[string]*model.Merchant),
		payments:    make(map[string]*model.Payment),
		settlements: make(map[string]*model.Settlement),
		references:  make(map[string]bool),
	}
}

func (s *stubRepo) addMerchant(id, currency string) {
	s.merchants[id] = &model.Merchant{
		ID:                 id,
		BusinessName:       "Merchant " + id,
		SettlementCurrency: currency,
		BankAccount: model.BankAccount{
			AccountName:   "Merchant " + id,
			AccountNumber: "0123456789",
			BankName:      "Test Bank",
			Country:       "NG",
			Currency:      currency,
		},
	}
}

func (s *stubRepo) addPayment(id, merchantID, amount, currency string) {
	s.payments[id] = &model.Payment{
		ID:         id,
		MerchantID: merchantID,
		Amount:     decimal.RequireFromString(amount),
		Currency:   currency,
		Swept:      true,
		CreatedAt:  time.Now(),
	}
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) GetEligiblePayments(ctx context.Context) ([]model.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.eligibleErr != nil {
		return nil, s.eligibleErr
	}

	var res []model.Payment
	for _, p := range s.payments {
		if p.Swept && !p.Settled {
			res = append(res, *p)
		}
	}
	return res, nil
}

func (s *stubRepo) GetMerchant(ctx context.Context, id string) (*model.Merchant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.merchants[id]
	if !ok {
		return nil, repository.ErrMerchantNotFound
	}
	return m, nil
}

func (s *stubRepo) CreateMerchant(ctx context.Context, m *model.Merchant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.merchants[m.ID]; ok {
		return repository.ErrMerchantExists
	}
	s.merchants[m.ID] = m
	return nil
}

func (s *stubRepo) CreateSettlement(ctx context.Context, st *model.Settlement, paymentIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.references[st.Reference] {
		return fmt.Errorf("%w: %s", repository.ErrSettlementExists, st.Reference)
	}
	s.references[st.Reference] = true

	cp := *st
	cp.Status = model.SettlementStatusPending
	s.settlements[st.ID] = &cp

	for _, id := range paymentIDs {
		if p, ok := s.payments[id]; ok {
			p.SettlementID = st.ID
		}
	}
	return nil
}

func (s *stubRepo) MarkSettlementProcessing(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.settlements[id]
	if !ok || st.Status != model.SettlementStatusPending {
		return repository.ErrInvalidTransition
	}
	st.Status = model.SettlementStatusProcessing
	return nil
}

func (s *stubRepo) UpdateSettlementAmounts(ctx context.Context, id string, fiatAmount, netAmount, fees decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.settlements[id]
	if !ok {
		return errors.New("settlement not found")
	}
	st.FiatAmount = fiatAmount
	st.NetAmount = netAmount
	st.Fees = fees
	return nil
}

func (s *stubRepo) CompleteSettlement(ctx context.Context, settlementID, transferRef string, paymentIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.settlements[settlementID]
	if !ok || st.Status != model.SettlementStatusProcessing {
		return repository.ErrInvalidTransition
	}

	now := time.Now()
	st.Status = model.SettlementStatusCompleted
	st.TransferRef = &transferRef
	st.ProcessedAt = &now

	for _, id := range paymentIDs {
		if p, ok := s.payments[id]; ok {
			p.Settled = true
		}
	}
	return nil
}

func (s *stubRepo) FailSettlement(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.settlements[id]
	if !ok || st.Status == model.SettlementStatusCompleted || st.Status == model.SettlementStatusFailed {
		return repository.ErrInvalidTransition
	}

	now := time.Now()
	st.Status = model.SettlementStatusFailed
	st.FailureReason = &reason
	st.ProcessedAt = &now
	return nil
}

func (s *stubRepo) GetProcessingSettlements(ctx context.Context) ([]model.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res []model.Settlement
	for _, st := range s.settlements {
		if st.Status == model.SettlementStatusProcessing {
			res = append(res, *st)
		}
	}
	return res, nil
}

func (s *stubRepo) PaymentIDsForSettlement(ctx context.Context, st *model.Settlement) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for _, p := range s.payments {
		if p.SettlementID == st.ID && !p.Settled {
			ids = append(ids, p.ID)
		}
	}
	return ids, nil
}

func (s *stubRepo) CountUnsettledPayments(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, p := range s.payments {
		if p.Swept && !p.Settled {
			n++
		}
	}
	return n, nil
}

func (s *stubRepo) CountOpenSettlements(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, st := range s.settlements {
		if st.Status == model.SettlementStatusPending || st.Status == model.SettlementStatusProcessing {
			n++
		}
	}
	return n, nil
}

func (s *stubRepo) CountManualInterventions(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.interventions)), nil
}

func (s *stubRepo) RecentSettlements(ctx context.Context, limit int) ([]model.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res []model.Settlement
	for _, st := range s.settlements {
		if len(res) == limit {
			break
		}
		res = append(res, *st)
	}
	return res, nil
}

func (s *stubRepo) CreateManualIntervention(ctx context.Context, merchantID, operation, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interventions = append(s.interventions, merchantID+"/"+operation)
	return nil
}

// countingPartner оборачивает партнёра и считает вызовы выплат.
type countingPartner struct {
	exchange.Partner

	mu          sync.Mutex
	payoutCalls map[string]int
	failFor     map[string]bool
}

func newCountingPartner(inner exchange.Partner) *countingPartner {
	return &countingPartner{
		Partner:     inner,
		payoutCalls: make(map[string]int),
		failFor:     make(map[string]bool),
	}
}

func (c *countingPartner) ConvertAndPayout(ctx context.Context, amount decimal.Decimal, targetCurrency string, account model.BankAccount, reference string) (*exchange.Payout, error) {
	c.mu.Lock()
	c.payoutCalls[reference]++
	fail := false
	for substr := range c.failFor {
		if c.failFor[substr] && strings.Contains(reference, substr) {
			fail = true
		}
	}
	c.mu.Unlock()

	if fail {
		return nil, &exchange.PayoutError{Partner: "stub", Err: errors.New("insufficient liquidity")}
	}
	return c.Partner.ConvertAndPayout(ctx, amount, targetCurrency, account, reference)
}

func newTestEngine(repo Repository, partner exchange.Partner) *Engine {
	return NewEngine(repo, partner, nil, Options{
		Fees:           FeeSchedule{Percent: decimal.RequireFromString("0.5"), Fixed: decimal.Zero},
		Workers:        2,
		PartnerTimeout: time.Second,
		CronExpr:       "0 0 * * *",
	}, zap.NewNop())
}

func TestRun_PartialFailureIsolation(t *testing.T) {
	repo := newStubRepo()
	repo.addMerchant("A", "NGN")
	repo.addMerchant("B", "KES")
	repo.addMerchant("C", "GHS")
	repo.addPayment("p1", "A", "100", "NGN")
	repo.addPayment("p2", "A", "50", "NGN")
	repo.addPayment("p3", "B", "200", "KES")
	repo.addPayment("p4", "C", "70", "GHS")

	partner := newCountingPartner(exchange.NewMock())
	partner.failFor["_B"] = true

	engine := newTestEngine(repo, partner)

	result, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}

	if result.TotalMerchantsProcessed != 3 {
		t.Fatalf("processed = %d, want 3", result.TotalMerchantsProcessed)
	}
	if result.TotalMerchantsSucceeded != 2 {
		t.Fatalf("succeeded = %d, want 2", result.TotalMerchantsSucceeded)
	}
	if result.TotalMerchantsFailed != 1 {
		t.Fatalf("failed = %d, want 1", result.TotalMerchantsFailed)
	}

	for _, id := range []string{"p1", "p2", "p4"} {
		if !repo.payments[id].Settled {
			t.Fatalf("payment %s must be settled", id)
		}
	}
	if repo.payments["p3"].Settled {
		t.Fatalf("payment p3 of the failed merchant must remain unsettled")
	}

	for _, r := range result.MerchantResults {
		if r.MerchantID == "B" {
			if r.Outcome != model.OutcomeFailed || r.Error == "" {
				t.Fatalf("merchant B result = %+v, want failed with error", r)
			}
		} else if r.Outcome != model.OutcomeSettled || r.SettlementID == "" {
			t.Fatalf("merchant %s result = %+v, want settled", r.MerchantID, r)
		}
	}
}

func TestRun_FeeArithmetic(t *testing.T) {
	repo := newStubRepo()
	repo.addMerchant("A", "NGN")
	repo.addPayment("p1", "A", "1000", "NGN")

	engine := newTestEngine(repo, exchange.NewMock())

	result, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if result.TotalMerchantsSucceeded != 1 {
		t.Fatalf("succeeded = %d, want 1", result.TotalMerchantsSucceeded)
	}

	var st *model.Settlement
	for _, s := range repo.settlements {
		st = s
	}
	if st == nil {
		t.Fatalf("settlement not created")
	}

	// 1000 USDC по курсу 1550, комиссия 0.5%: брутто 1 550 000,
	// комиссия 7750, к выплате 1 542 250.
	if !st.FiatAmount.Equal(decimal.NewFromInt(1550000)) {
		t.Fatalf("fiat amount = %s, want 1550000", st.FiatAmount)
	}
	if !st.Fees.Equal(decimal.NewFromInt(7750)) {
		t.Fatalf("fees = %s, want 7750", st.Fees)
	}
	if !st.NetAmount.Equal(decimal.NewFromInt(1542250)) {
		t.Fatalf("net amount = %s, want 1542250", st.NetAmount)
	}
	if st.Status != model.SettlementStatusCompleted {
		t.Fatalf("status = %s, want completed", st.Status)
	}
	if st.TransferRef == nil || *st.TransferRef == "" {
		t.Fatalf("transfer ref must be recorded")
	}
	if st.ProcessedAt == nil {
		t.Fatalf("processed date must be set on completion")
	}
}

func TestFeeScheduleApply_RoundsOnce(t *testing.T) {
	fees := FeeSchedule{Percent: decimal.RequireFromString("1.75"), Fixed: decimal.NewFromInt(100)}

	// 12345.67 * 1.75% = 216.049225; net = 12345.67 - 316.049225 = 12029.620775 -> 12029.62
	net, fee := fees.Apply(decimal.RequireFromString("12345.67"), "NGN")
	if !fee.Equal(decimal.RequireFromString("316.049225")) {
		t.Fatalf("fee = %s, want 316.049225", fee)
	}
	if !net.Equal(decimal.RequireFromString("12029.62")) {
		t.Fatalf("net = %s, want 12029.62", net)
	}

	// Нулевая точность валюты.
	net, _ = fees.Apply(decimal.RequireFromString("1000.5"), "UGX")
	if !net.Equal(decimal.RequireFromString("883")) {
		t.Fatalf("net = %s, want 883", net)
	}
}

func TestRun_SecondRunIsNoop(t *testing.T) {
	repo := newStubRepo()
	repo.addMerchant("A", "NGN")
	repo.addPayment("p1", "A", "10", "NGN")

	engine := newTestEngine(repo, exchange.NewMock())

	first, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("first run error: %v", err)
	}
	if first.TotalMerchantsSucceeded != 1 {
		t.Fatalf("first run succeeded = %d, want 1", first.TotalMerchantsSucceeded)
	}

	settlementsAfterFirst := len(repo.settlements)

	second, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("second run error: %v", err)
	}
	if second.TotalMerchantsProcessed != 0 {
		t.Fatalf("second run processed = %d, want 0", second.TotalMerchantsProcessed)
	}
	if len(repo.settlements) != settlementsAfterFirst {
		t.Fatalf("second run must not create settlements")
	}
}

func TestRun_AtMostOnePayoutPerMerchant(t *testing.T) {
	repo := newStubRepo()
	repo.addMerchant("A", "NGN")
	repo.addPayment("p1", "A", "10", "NGN")
	repo.addPayment("p2", "A", "20", "NGN")
	repo.addPayment("p3", "A", "30", "NGN")

	partner := newCountingPartner(exchange.NewMock())
	engine := newTestEngine(repo, partner)

	if _, err := engine.Run(context.Background()); err != nil {
		t.Fatalf("Run error: %v", err)
	}

	total := 0
	for _, n := range partner.payoutCalls {
		total += n
	}
	if total != 1 {
		t.Fatalf("payout calls = %d, want exactly 1", total)
	}
}

func TestRun_CurrencyMismatchFailsMerchantOnly(t *testing.T) {
	repo := newStubRepo()
	repo.addMerchant("A", "NGN")
	repo.addMerchant("B", "KES")
	repo.addPayment("p1", "A", "10", "NGN")
	repo.addPayment("p2", "A", "20", "GHS") // нарушение целостности
	repo.addPayment("p3", "B", "30", "KES")

	engine := newTestEngine(repo, exchange.NewMock())

	result, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}

	if result.TotalMerchantsFailed != 1 || result.TotalMerchantsSucceeded != 1 {
		t.Fatalf("totals = %d/%d, want 1 failed / 1 succeeded",
			result.TotalMerchantsFailed, result.TotalMerchantsSucceeded)
	}

	if repo.payments["p1"].Settled || repo.payments["p2"].Settled {
		t.Fatalf("payments of the failed merchant must remain unsettled")
	}
	if !repo.payments["p3"].Settled {
		t.Fatalf("payment p3 must be settled")
	}
}

func TestRun_OverlapRejected(t *testing.T) {
	repo := newStubRepo()
	engine := newTestEngine(repo, exchange.NewMock())

	engine.running.Store(true)

	_, err := engine.Run(context.Background())
	if !errors.Is(err, ErrBatchInProgress) {
		t.Fatalf("expected ErrBatchInProgress, got %v", err)
	}

	engine.running.Store(false)
	if _, err := engine.Run(context.Background()); err != nil {
		t.Fatalf("run after release error: %v", err)
	}
}

func TestRun_InfrastructureErrorAborts(t *testing.T) {
	repo := newStubRepo()
	repo.eligibleErr = errors.New("connection refused")

	engine := newTestEngine(repo, exchange.NewMock())

	result, err := engine.Run(context.Background())
	if err == nil {
		t.Fatalf("expected infrastructure error")
	}
	if result != nil {
		t.Fatalf("partial result must be discarded, got %+v", result)
	}
}

func TestRun_QuoteFailureMarksSettlementFailed(t *testing.T) {
	repo := newStubRepo()
	repo.addMerchant("A", "NGN")
	repo.addPayment("p1", "A", "10", "NGN")

	engine := newTestEngine(repo, &failingQuotePartner{})

	result, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if result.TotalMerchantsFailed != 1 {
		t.Fatalf("failed = %d, want 1", result.TotalMerchantsFailed)
	}

	for _, st := range repo.settlements {
		if st.Status != model.SettlementStatusFailed {
			t.Fatalf("settlement status = %s, want failed", st.Status)
		}
		if st.FailureReason == nil {
			t.Fatalf("failure reason must be recorded")
		}
	}
	if repo.payments["p1"].Settled {
		t.Fatalf("payment must remain unsettled after quote failure")
	}
}

type failingQuotePartner struct{}

func (f *failingQuotePartner) Name() string { return "stub" }

func (f *failingQuotePartner) GetQuote(ctx context.Context, amount decimal.Decimal, targetCurrency string) (*exchange.Quote, error) {
	return nil, &exchange.QuoteError{Partner: "stub", StatusCode: 503, Err: errors.New("partner down")}
}

func (f *failingQuotePartner) ConvertAndPayout(ctx context.Context, amount decimal.Decimal, targetCurrency string, account model.BankAccount, reference string) (*exchange.Payout, error) {
	return nil, errors.New("must not be called after quote failure")
}

func (f *failingQuotePartner) LookupTransfer(ctx context.Context, reference string) (*exchange.Payout, error) {
	return nil, exchange.ErrTransferNotFound
}

func TestReconcileStuck(t *testing.T) {
	repo := newStubRepo()
	repo.addMerchant("A", "NGN")
	repo.addMerchant("B", "KES")
	repo.addPayment("p1", "A", "10", "NGN")
	repo.addPayment("p2", "B", "20", "KES")

	mock := exchange.NewMock()

	// Расчёт A: выплата у партнёра прошла, фиксация не успела.
	doneRef := "stl_old-batch_A"
	if _, err := mock.ConvertAndPayout(context.Background(), decimal.NewFromInt(10), "NGN", model.BankAccount{}, doneRef); err != nil {
		t.Fatalf("seed payout: %v", err)
	}

	seed := func(id, merchantID, reference string, paymentIDs []string) {
		st := &model.Settlement{
			ID:         id,
			MerchantID: merchantID,
			Currency:   "NGN",
			USDCAmount: decimal.NewFromInt(10),
			Reference:  reference,
		}
		if err := repo.CreateSettlement(context.Background(), st, paymentIDs); err != nil {
			t.Fatalf("seed settlement: %v", err)
		}
		if err := repo.MarkSettlementProcessing(context.Background(), id); err != nil {
			t.Fatalf("seed processing: %v", err)
		}
	}

	seed("s1", "A", doneRef, []string{"p1"})
	seed("s2", "B", "stl_old-batch_B", []string{"p2"})

	engine := newTestEngine(repo, mock)

	if err := engine.ReconcileStuck(context.Background()); err != nil {
		t.Fatalf("ReconcileStuck error: %v", err)
	}

	if repo.settlements["s1"].Status != model.SettlementStatusCompleted {
		t.Fatalf("s1 status = %s, want completed", repo.settlements["s1"].Status)
	}
	if !repo.payments["p1"].Settled {
		t.Fatalf("payment p1 must be settled after reconciliation")
	}

	if repo.settlements["s2"].Status != model.SettlementStatusFailed {
		t.Fatalf("s2 status = %s, want failed", repo.settlements["s2"].Status)
	}
	if repo.payments["p2"].Settled {
		t.Fatalf("payment p2 must remain unsettled")
	}
}

func TestReconcileStuck_SettlesOnlyLinkedPayments(t *testing.T) {
	repo := newStubRepo()
	repo.addMerchant("A", "NGN")
	repo.addPayment("p1", "A", "10", "NGN")

	mock := exchange.NewMock()

	ref := "stl_old-batch_A"
	if _, err := mock.ConvertAndPayout(context.Background(), decimal.NewFromInt(10), "NGN", model.BankAccount{}, ref); err != nil {
		t.Fatalf("seed payout: %v", err)
	}

	st := &model.Settlement{
		ID:         "s1",
		MerchantID: "A",
		Currency:   "NGN",
		USDCAmount: decimal.NewFromInt(10),
		Reference:  ref,
	}
	if err := repo.CreateSettlement(context.Background(), st, []string{"p1"}); err != nil {
		t.Fatalf("seed settlement: %v", err)
	}
	if err := repo.MarkSettlementProcessing(context.Background(), "s1"); err != nil {
		t.Fatalf("seed processing: %v", err)
	}

	// Платёж собран, пока процесс лежал: выплата расчёта s1 его не покрывала.
	repo.addPayment("p2", "A", "999", "NGN")

	engine := newTestEngine(repo, mock)

	if err := engine.ReconcileStuck(context.Background()); err != nil {
		t.Fatalf("ReconcileStuck error: %v", err)
	}

	if repo.settlements["s1"].Status != model.SettlementStatusCompleted {
		t.Fatalf("s1 status = %s, want completed", repo.settlements["s1"].Status)
	}
	if !repo.payments["p1"].Settled {
		t.Fatalf("payment p1 must be settled after reconciliation")
	}
	if repo.payments["p2"].Settled {
		t.Fatalf("payment p2 was not covered by the payout and must remain unsettled")
	}
}

// gatedPartner задерживает первую котировку до команды из теста.
type gatedPartner struct {
	exchange.Partner

	started chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func newGatedPartner(inner exchange.Partner) *gatedPartner {
	return &gatedPartner{
		Partner: inner,
		started: make(chan struct{}),
		gate:    make(chan struct{}),
	}
}

func (g *gatedPartner) GetQuote(ctx context.Context, amount decimal.Decimal, targetCurrency string) (*exchange.Quote, error) {
	g.once.Do(func() { close(g.started) })
	<-g.gate
	return g.Partner.GetQuote(ctx, amount, targetCurrency)
}

func TestRun_ShutdownFinishesInFlightSkipsRest(t *testing.T) {
	repo := newStubRepo()
	repo.addMerchant("A", "NGN")
	repo.addMerchant("B", "KES")
	repo.addMerchant("C", "GHS")
	repo.addPayment("p1", "A", "10", "NGN")
	repo.addPayment("p2", "B", "20", "KES")
	repo.addPayment("p3", "C", "30", "GHS")

	partner := newGatedPartner(exchange.NewMock())
	engine := NewEngine(repo, partner, nil, Options{
		Fees:           FeeSchedule{Percent: decimal.RequireFromString("0.5"), Fixed: decimal.Zero},
		Workers:        1,
		PartnerTimeout: time.Second,
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan *model.BatchResult, 1)
	go func() {
		result, err := engine.Run(ctx)
		if err != nil {
			t.Errorf("Run error: %v", err)
		}
		done <- result
	}()

	// Сигнал остановки приходит, когда конвейер мерчанта A уже в полёте.
	<-partner.started
	cancel()
	close(partner.gate)

	var result *model.BatchResult
	select {
	case result = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
	if result == nil {
		t.Fatal("expected batch result")
	}

	// Начатый конвейер доводится до конца несмотря на отмену.
	if !repo.payments["p1"].Settled {
		t.Fatalf("in-flight merchant A must be settled")
	}

	// После сигнала остановки новые конвейеры не стартуют: мерчант C,
	// чья очередь наступает после отмены, в батч не попадает.
	if result.TotalMerchantsProcessed >= 3 {
		t.Fatalf("processed = %d, want fewer than 3", result.TotalMerchantsProcessed)
	}
	if repo.payments["p3"].Settled {
		t.Fatalf("merchant C must not be started after cancellation")
	}
}

func TestGetStatus(t *testing.T) {
	repo := newStubRepo()
	repo.addMerchant("A", "NGN")
	repo.addPayment("p1", "A", "10", "NGN")

	engine := newTestEngine(repo, exchange.NewMock())

	status, err := engine.GetStatus(context.Background())
	if err != nil {
		t.Fatalf("GetStatus error: %v", err)
	}
	if status.UnsettledPaymentCount != 1 {
		t.Fatalf("unsettled = %d, want 1", status.UnsettledPaymentCount)
	}
	if status.ExchangePartner != "mock" {
		t.Fatalf("partner = %s, want mock", status.ExchangePartner)
	}
	if status.CronSchedule != "0 0 * * *" {
		t.Fatalf("cron = %s", status.CronSchedule)
	}
}

func TestOnboardMerchant_ValidatesAccount(t *testing.T) {
	repo := newStubRepo()
	engine := newTestEngine(repo, exchange.NewMock())

	err := engine.OnboardMerchant(context.Background(), &model.Merchant{
		ID:                 "m-1",
		BusinessName:       "Acme",
		SettlementCurrency: "NGN",
		BankAccount:        model.BankAccount{AccountNumber: "bad"},
	})
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if _, ok := repo.merchants["m-1"]; ok {
		t.Fatalf("merchant must not be created on validation failure")
	}
}
