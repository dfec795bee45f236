package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fluxapay/settlement-engine/internal/model"
)

// Курсы мок-партнёра: 1 USDC = X единиц фиата.
var mockRates = map[string]string{
	"NGN": "1550",
	"KES": "130",
	"GHS": "15",
	"ZAR": "18.5",
	"UGX": "3750",
	"TZS": "2600",
	"USD": "1",
}

// Mock — детерминированный партнёр для окружений без боевых учётных данных.
// Запоминает выданные переводы по идемпотентному ключу: повторный вызов
// ConvertAndPayout с тем же ключом возвращает уже созданный перевод.
type Mock struct {
	mu        sync.Mutex
	transfers map[string]*Payout
}

// NewMock создаёт мок-партнёра.
func NewMock() *Mock {
	return &Mock{transfers: make(map[string]*Payout)}
}

// Name возвращает имя партнёра.
func (m *Mock) Name() string { return "mock" }

func mockRate(currency string) decimal.Decimal {
	if r, ok := mockRates[currency]; ok {
		return decimal.RequireFromString(r)
	}
	return decimal.NewFromInt(1)
}

// GetQuote возвращает котировку по фиксированной таблице курсов.
func (m *Mock) GetQuote(_ context.Context, amount decimal.Decimal, targetCurrency string) (*Quote, error) {
	rate := mockRate(targetCurrency)
	return &Quote{
		FiatGross: amount.Mul(rate),
		Rate:      rate,
		Currency:  targetCurrency,
		QuoteRef:  fmt.Sprintf("mock_quote_%d", time.Now().UnixMilli()),
	}, nil
}

// ConvertAndPayout имитирует выплату. Идемпотентность соблюдается честно:
// повторный ключ возвращает ранее созданный перевод.
func (m *Mock) ConvertAndPayout(_ context.Context, _ decimal.Decimal, _ string, _ model.BankAccount, reference string) (*Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.transfers[reference]; ok {
		return p, nil
	}

	p := &Payout{
		TransferRef: "mock_transfer_" + reference,
		ExchangeRef: fmt.Sprintf("mock_exchange_%d", time.Now().UnixMilli()),
		InitiatedAt: time.Now().UTC(),
	}
	m.transfers[reference] = p
	return p, nil
}

// LookupTransfer возвращает перевод по идемпотентному ключу.
func (m *Mock) LookupTransfer(_ context.Context, reference string) (*Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.transfers[reference]; ok {
		return p, nil
	}
	return nil, ErrTransferNotFound
}
