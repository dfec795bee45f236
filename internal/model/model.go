// Package model содержит доменные сущности движка расчётов.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// SettlementStatus описывает статус выплаты мерчанту.
type SettlementStatus string

const (
	SettlementStatusPending    SettlementStatus = "pending"
	SettlementStatusProcessing SettlementStatus = "processing"
	SettlementStatusCompleted  SettlementStatus = "completed"
	SettlementStatusFailed     SettlementStatus = "failed"
)

// Payment представляет подтверждённое поступление стейблкоина от плательщика.
// Swept означает, что средства переведены на казначейский счёт и платёж
// может участвовать в расчёте; Settled выставляется только движком расчётов.
type Payment struct {
	ID         string
	MerchantID string
	Amount     decimal.Decimal
	// Currency — целевая фиатная валюта расчёта, зафиксированная при приёме платежа.
	Currency string
	Swept    bool
	Settled  bool
	// SettlementID связывает платёж с охватывающим его расчётом. Проставляется
	// при создании расчёта, чтобы сверка после рестарта видела точный состав
	// группы, а не все нерассчитанные платежи мерчанта.
	SettlementID string
	CreatedAt    time.Time
}

// BankAccount содержит банковские реквизиты мерчанта для фиатной выплаты.
type BankAccount struct {
	AccountName   string `json:"account_name"`
	AccountNumber string `json:"account_number"`
	BankName      string `json:"bank_name"`
	BankCode      string `json:"bank_code,omitempty"`
	Currency      string `json:"currency"`
	Country       string `json:"country"`
}

// Merchant описывает мерчанта и валюту его расчётов.
type Merchant struct {
	ID                 string
	BusinessName       string
	SettlementCurrency string
	BankAccount        BankAccount
	CreatedAt          time.Time
}

// Settlement представляет одну выплату мерчанту, охватывающую группу платежей.
// Reference — детерминированный идемпотентный ключ, передаваемый партнёру.
type Settlement struct {
	ID            string
	MerchantID    string
	Currency      string
	USDCAmount    decimal.Decimal
	FiatAmount    decimal.Decimal
	NetAmount     decimal.Decimal
	Fees          decimal.Decimal
	Status        SettlementStatus
	Reference     string
	TransferRef   *string
	FailureReason *string
	ProcessedAt   *time.Time
	CreatedAt     time.Time
}

// MerchantOutcome описывает итог обработки одного мерчанта в рамках батча.
type MerchantOutcome string

const (
	OutcomeSettled MerchantOutcome = "settled"
	OutcomeFailed  MerchantOutcome = "failed"
)

// MerchantResult содержит результат обработки одного мерчанта.
type MerchantResult struct {
	MerchantID   string          `json:"merchantId"`
	Outcome      MerchantOutcome `json:"outcome"`
	SettlementID string          `json:"settlementId,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// BatchResult — итог одного запуска движка расчётов. Не персистится,
// возвращается вызывающей стороне.
type BatchResult struct {
	BatchID                 string           `json:"batchId"`
	StartedAt               time.Time        `json:"startedAt"`
	CompletedAt             time.Time        `json:"completedAt"`
	TotalMerchantsProcessed int              `json:"totalMerchantsProcessed"`
	TotalMerchantsSucceeded int              `json:"totalMerchantsSucceeded"`
	TotalMerchantsFailed    int              `json:"totalMerchantsFailed"`
	MerchantResults         []MerchantResult `json:"merchantResults"`
}

// Finalize подсчитывает итоговые счётчики по списку результатов мерчантов.
func (b *BatchResult) Finalize(completedAt time.Time) {
	b.CompletedAt = completedAt
	b.TotalMerchantsProcessed = len(b.MerchantResults)

	succeeded := 0
	for _, r := range b.MerchantResults {
		if r.Outcome == OutcomeSettled {
			succeeded++
		}
	}
	b.TotalMerchantsSucceeded = succeeded
	b.TotalMerchantsFailed = b.TotalMerchantsProcessed - succeeded
}
