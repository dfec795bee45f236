package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"

	"github.com/fluxapay/settlement-engine/internal/model"
)

// Anchor — партнёр Anchor (https://docs.anchorusd.com).
// Авторизация — заголовок X-Api-Key, идемпотентность — поле idempotency_key.
type Anchor struct {
	baseURL      string
	apiKey       string
	readClient   *retryablehttp.Client
	payoutClient *retryablehttp.Client
}

// NewAnchor создаёт клиент Anchor с указанным адресом и ключом API.
func NewAnchor(baseURL, apiKey string, timeout time.Duration) *Anchor {
	return &Anchor{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		readClient:   newHTTPClient(timeout, 3),
		payoutClient: newHTTPClient(timeout, 0),
	}
}

// Name возвращает имя партнёра.
func (a *Anchor) Name() string { return "anchor" }

func (a *Anchor) do(ctx context.Context, client *retryablehttp.Client, method, path string, body any, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", a.apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(raw))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

type anchorQuoteResponse struct {
	Rate       decimal.Decimal `json:"rate"`
	FiatAmount decimal.Decimal `json:"fiat_amount"`
}

// GetQuote запрашивает котировку конвертации USDC в целевую валюту.
func (a *Anchor) GetQuote(ctx context.Context, amount decimal.Decimal, targetCurrency string) (*Quote, error) {
	q := url.Values{}
	q.Set("source_currency", "USDC")
	q.Set("dest_currency", targetCurrency)
	q.Set("amount", amount.String())

	var data anchorQuoteResponse
	status, err := a.do(ctx, a.readClient, http.MethodGet, "/v1/quote?"+q.Encode(), nil, &data)
	if err != nil {
		return nil, &QuoteError{Partner: a.Name(), StatusCode: status, Err: err}
	}

	return &Quote{
		FiatGross: data.FiatAmount,
		Rate:      data.Rate,
		Currency:  targetCurrency,
	}, nil
}

type anchorPayoutRequest struct {
	SourceAmount   decimal.Decimal   `json:"source_amount"`
	SourceCurrency string            `json:"source_currency"`
	DestCurrency   string            `json:"dest_currency"`
	BankAccount    anchorBankAccount `json:"bank_account"`
	IdempotencyKey string            `json:"idempotency_key"`
}

type anchorBankAccount struct {
	AccountNumber string `json:"account_number"`
	AccountName   string `json:"account_name"`
	BankName      string `json:"bank_name"`
	BankCode      string `json:"bank_code,omitempty"`
	Country       string `json:"country"`
}

type anchorPayoutResponse struct {
	Reference  string `json:"reference"`
	ExchangeID string `json:"exchange_id"`
}

// ConvertAndPayout выполняет конвертацию и выплату одним вызовом.
func (a *Anchor) ConvertAndPayout(ctx context.Context, amount decimal.Decimal, targetCurrency string, account model.BankAccount, reference string) (*Payout, error) {
	body := anchorPayoutRequest{
		SourceAmount:   amount,
		SourceCurrency: "USDC",
		DestCurrency:   targetCurrency,
		BankAccount: anchorBankAccount{
			AccountNumber: account.AccountNumber,
			AccountName:   account.AccountName,
			BankName:      account.BankName,
			BankCode:      account.BankCode,
			Country:       account.Country,
		},
		IdempotencyKey: reference,
	}

	var data anchorPayoutResponse
	status, err := a.do(ctx, a.payoutClient, http.MethodPost, "/v1/offramp/payout", body, &data)
	if err != nil {
		return nil, &PayoutError{Partner: a.Name(), StatusCode: status, Err: err}
	}

	return &Payout{
		TransferRef: data.Reference,
		ExchangeRef: data.ExchangeID,
		InitiatedAt: time.Now().UTC(),
	}, nil
}

// LookupTransfer ищет ранее инициированный перевод по идемпотентному ключу.
func (a *Anchor) LookupTransfer(ctx context.Context, reference string) (*Payout, error) {
	var data anchorPayoutResponse
	status, err := a.do(ctx, a.readClient, http.MethodGet, "/v1/offramp/payout/"+url.PathEscape(reference), nil, &data)
	if err != nil {
		if status == http.StatusNotFound {
			return nil, ErrTransferNotFound
		}
		return nil, &PayoutError{Partner: a.Name(), StatusCode: status, Err: err}
	}

	return &Payout{
		TransferRef: data.Reference,
		ExchangeRef: data.ExchangeID,
		InitiatedAt: time.Now().UTC(),
	}, nil
}
