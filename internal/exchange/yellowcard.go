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

// YellowCard — партнёр Yellow Card (https://docs.yellowcard.io).
// Авторизация — Bearer-токен, идемпотентность выплат — поле externalId.
type YellowCard struct {
	baseURL      string
	apiKey       string
	readClient   *retryablehttp.Client
	payoutClient *retryablehttp.Client
}

// NewYellowCard создаёт клиент Yellow Card с указанным адресом и ключом API.
func NewYellowCard(baseURL, apiKey string, timeout time.Duration) *YellowCard {
	return &YellowCard{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		readClient:   newHTTPClient(timeout, 3),
		payoutClient: newHTTPClient(timeout, 0),
	}
}

// Name возвращает имя партнёра.
func (y *YellowCard) Name() string { return "yellowcard" }

func (y *YellowCard) do(ctx context.Context, client *retryablehttp.Client, method, path string, body any, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, y.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+y.apiKey)

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

type ycRateResponse struct {
	Rate              decimal.Decimal `json:"rate"`
	DestinationAmount decimal.Decimal `json:"destinationAmount"`
	QuoteID           string          `json:"quoteId"`
}

// GetQuote запрашивает котировку конвертации USDC в целевую валюту.
func (y *YellowCard) GetQuote(ctx context.Context, amount decimal.Decimal, targetCurrency string) (*Quote, error) {
	q := url.Values{}
	q.Set("from", "USDC")
	q.Set("to", targetCurrency)
	q.Set("amount", amount.String())

	var data ycRateResponse
	status, err := y.do(ctx, y.readClient, http.MethodGet, "/v2/rates?"+q.Encode(), nil, &data)
	if err != nil {
		return nil, &QuoteError{Partner: y.Name(), StatusCode: status, Err: err}
	}

	return &Quote{
		FiatGross: data.DestinationAmount,
		Rate:      data.Rate,
		Currency:  targetCurrency,
		QuoteRef:  data.QuoteID,
	}, nil
}

type ycPaymentRequest struct {
	Amount      decimal.Decimal      `json:"amount"`
	Currency    string               `json:"currency"`
	Destination ycPaymentDestination `json:"destination"`
	QuoteID     string               `json:"quoteId,omitempty"`
	ExternalID  string               `json:"externalId"`
}

type ycPaymentDestination struct {
	Currency      string `json:"currency"`
	AccountNumber string `json:"accountNumber"`
	BankCode      string `json:"bankCode,omitempty"`
	AccountName   string `json:"accountName"`
	Country       string `json:"country"`
}

type ycPaymentResponse struct {
	TransferID string    `json:"transferId"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ConvertAndPayout получает котировку и инициирует выплату одним переводом.
// Повторы на транспортном уровне для этого вызова отключены.
func (y *YellowCard) ConvertAndPayout(ctx context.Context, amount decimal.Decimal, targetCurrency string, account model.BankAccount, reference string) (*Payout, error) {
	quote, err := y.GetQuote(ctx, amount, targetCurrency)
	if err != nil {
		return nil, &PayoutError{Partner: y.Name(), Err: err}
	}

	body := ycPaymentRequest{
		Amount:   amount,
		Currency: "USDC",
		Destination: ycPaymentDestination{
			Currency:      targetCurrency,
			AccountNumber: account.AccountNumber,
			BankCode:      account.BankCode,
			AccountName:   account.AccountName,
			Country:       account.Country,
		},
		QuoteID:    quote.QuoteRef,
		ExternalID: reference,
	}

	var data ycPaymentResponse
	status, err := y.do(ctx, y.payoutClient, http.MethodPost, "/v2/payments", body, &data)
	if err != nil {
		return nil, &PayoutError{Partner: y.Name(), StatusCode: status, Err: err}
	}

	return &Payout{
		TransferRef: data.TransferID,
		ExchangeRef: quote.QuoteRef,
		InitiatedAt: time.Now().UTC(),
	}, nil
}

// LookupTransfer ищет ранее инициированный перевод по externalId.
func (y *YellowCard) LookupTransfer(ctx context.Context, reference string) (*Payout, error) {
	var data ycPaymentResponse
	status, err := y.do(ctx, y.readClient, http.MethodGet, "/v2/payments/external/"+url.PathEscape(reference), nil, &data)
	if err != nil {
		if status == http.StatusNotFound {
			return nil, ErrTransferNotFound
		}
		return nil, &PayoutError{Partner: y.Name(), StatusCode: status, Err: err}
	}

	initiated := data.CreatedAt
	if initiated.IsZero() {
		initiated = time.Now().UTC()
	}

	return &Payout{
		TransferRef: data.TransferID,
		InitiatedAt: initiated,
	}, nil
}
