// Package exchange содержит абстракцию он/офф-рамп партнёров и их реализации.
// Партнёр конвертирует стейблкоин в фиат и инициирует банковский перевод.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fluxapay/settlement-engine/internal/model"
)

// ErrTransferNotFound возвращается LookupTransfer, если партнёр не знает
// перевода с указанным идемпотентным ключом.
var ErrTransferNotFound = errors.New("transfer not found")

// Quote содержит котировку конвертации стейблкоина в фиат.
type Quote struct {
	FiatGross decimal.Decimal
	Rate      decimal.Decimal
	Currency  string
	QuoteRef  string
}

// Payout содержит результат инициированной партнёром выплаты.
type Payout struct {
	TransferRef string
	ExchangeRef string
	InitiatedAt time.Time
}

// Partner описывает контракт он/офф-рамп партнёра. Все суммы — в стейблкоине
// (USDC), целевая валюта — код ISO 4217.
type Partner interface {
	Name() string
	GetQuote(ctx context.Context, amount decimal.Decimal, targetCurrency string) (*Quote, error)
	// ConvertAndPayout выполняет конвертацию и банковский перевод одним вызовом.
	// Повторный вызов с тем же reference не должен создавать второй перевод.
	ConvertAndPayout(ctx context.Context, amount decimal.Decimal, targetCurrency string, account model.BankAccount, reference string) (*Payout, error)
	// LookupTransfer ищет перевод по идемпотентному ключу. Используется при
	// сверке зависших расчётов после рестарта.
	LookupTransfer(ctx context.Context, reference string) (*Payout, error)
}

// QuoteError описывает ошибку получения котировки у партнёра.
type QuoteError struct {
	Partner    string
	StatusCode int
	Err        error
}

func (e *QuoteError) Error() string {
	return fmt.Sprintf("%s quote error [%d]: %v", e.Partner, e.StatusCode, e.Err)
}

func (e *QuoteError) Unwrap() error { return e.Err }

// PayoutError описывает ошибку конвертации или выплаты у партнёра.
type PayoutError struct {
	Partner    string
	StatusCode int
	Err        error
}

func (e *PayoutError) Error() string {
	return fmt.Sprintf("%s payout error [%d]: %v", e.Partner, e.StatusCode, e.Err)
}

func (e *PayoutError) Unwrap() error { return e.Err }

// Options содержит параметры выбора и настройки партнёра.
type Options struct {
	Partner          string
	YellowCardAPIURL string
	YellowCardAPIKey string
	AnchorAPIURL     string
	AnchorAPIKey     string
	Timeout          time.Duration
}

// New выбирает активного партнёра по конфигурации. Выбор происходит один раз
// при старте процесса; все выплаты идут через один экземпляр.
func New(opts Options, logger *zap.Logger) Partner {
	switch strings.ToLower(opts.Partner) {
	case "yellowcard":
		return NewYellowCard(opts.YellowCardAPIURL, opts.YellowCardAPIKey, opts.Timeout)
	case "anchor":
		return NewAnchor(opts.AnchorAPIURL, opts.AnchorAPIKey, opts.Timeout)
	case "mock", "":
		return NewMock()
	default:
		logger.Warn("unknown exchange partner, falling back to mock",
			zap.String("partner", opts.Partner))
		return NewMock()
	}
}

// newHTTPClient возвращает клиент с повторами на транспортном уровне.
// Для выплат повторы отключены: за один запуск батча партнёру уходит
// не более одного POST.
func newHTTPClient(timeout time.Duration, retries int) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = retries
	c.HTTPClient.Timeout = timeout
	c.Logger = nil
	if retries == 0 {
		// Ответ с 5xx должен вернуться вызывающему как есть, без "giving up".
		c.CheckRetry = func(_ context.Context, _ *http.Response, err error) (bool, error) {
			return false, err
		}
	}
	return c
}
