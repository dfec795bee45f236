// Package registry содержит ончейн-регистрацию мерчантов через шлюз контракта.
// Регистрация — одноразовый рабочий процесс с повторами; его неуспех не
// блокирует вызывающую сторону, а попадает в очередь ручного вмешательства.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/fluxapay/settlement-engine/internal/model"
	"github.com/fluxapay/settlement-engine/internal/retry"
)

const (
	maxAttempts = 3
	baseDelay   = time.Second
)

// InterventionStore сохраняет задачи, требующие ручного вмешательства оператора.
type InterventionStore interface {
	CreateManualIntervention(ctx context.Context, merchantID, operation, reason string) error
}

// Service выполняет регистрацию мерчантов в ончейн-реестре.
type Service struct {
	gatewayURL string
	client     *retryablehttp.Client
	store      InterventionStore
	logger     *zap.Logger
	baseDelay  time.Duration
}

// NewService создаёт сервис регистрации. Пустой адрес шлюза допустим:
// регистрация будет пропускаться с предупреждением.
func NewService(gatewayURL string, store InterventionStore, logger *zap.Logger) *Service {
	c := retryablehttp.NewClient()
	c.RetryMax = 0
	c.HTTPClient.Timeout = 30 * time.Second
	c.Logger = nil
	// Повторами управляет retry.Do, транспортный уровень не ретраит.
	c.CheckRetry = func(_ context.Context, _ *http.Response, err error) (bool, error) {
		return false, err
	}

	return &Service{
		gatewayURL: strings.TrimRight(gatewayURL, "/"),
		client:     c,
		store:      store,
		logger:     logger,
		baseDelay:  baseDelay,
	}
}

type registerRequest struct {
	MerchantID         string `json:"merchant_id"`
	BusinessName       string `json:"business_name"`
	SettlementCurrency string `json:"settlement_currency"`
}

// RegisterMerchant регистрирует мерчанта в ончейн-реестре: до трёх попыток
// с экспоненциальной задержкой. Возвращает признак успеха и никогда не
// возвращает ошибку: после исчерпания попыток пишется запись ручного
// вмешательства.
func (s *Service) RegisterMerchant(ctx context.Context, m *model.Merchant) bool {
	if s.gatewayURL == "" {
		s.logger.Warn("registry gateway is not configured, skipping on-chain registration",
			zap.String("merchant_id", m.ID))
		return false
	}

	err := retry.Do(ctx, s.logger, "register merchant on-chain", maxAttempts, s.baseDelay, func(ctx context.Context) error {
		return s.invokeRegister(ctx, m)
	})
	if err != nil {
		s.logger.Error("merchant on-chain registration exhausted retries, queued for manual intervention",
			zap.String("merchant_id", m.ID),
			zap.Error(err))

		if storeErr := s.store.CreateManualIntervention(ctx, m.ID, "onchain_registration", err.Error()); storeErr != nil {
			s.logger.Error("failed to persist manual intervention",
				zap.String("merchant_id", m.ID),
				zap.Error(storeErr))
		}
		return false
	}

	s.logger.Info("merchant registered on-chain", zap.String("merchant_id", m.ID))
	return true
}

func (s *Service) invokeRegister(ctx context.Context, m *model.Merchant) error {
	body, err := json.Marshal(registerRequest{
		MerchantID:         m.ID,
		BusinessName:       m.BusinessName,
		SettlementCurrency: m.SettlementCurrency,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.gatewayURL+"/v1/registry/merchants", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("registry gateway status %d: %s", resp.StatusCode, string(raw))
	}

	return nil
}
