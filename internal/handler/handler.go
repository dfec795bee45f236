// Package handler содержит HTTP-обработчики админ-API движка расчётов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fluxapay/settlement-engine/internal/middleware"
	"github.com/fluxapay/settlement-engine/internal/model"
	"github.com/fluxapay/settlement-engine/internal/repository"
	"github.com/fluxapay/settlement-engine/internal/service"
	"github.com/fluxapay/settlement-engine/internal/validation"
)

// Service определяет контракт движка расчётов, используемый HTTP-обработчиками.
type Service interface {
	Run(ctx context.Context) (*model.BatchResult, error)
	GetStatus(ctx context.Context) (*service.Status, error)
	OnboardMerchant(ctx context.Context, m *model.Merchant) error
}

// Handler реализует HTTP-обработчики админ-API.
type Handler struct {
	service   Service
	logger    *zap.Logger
	adminAuth *middleware.AdminAuth
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, adminAuth *middleware.AdminAuth) *Handler {
	return &Handler{
		service:   s,
		logger:    logger,
		adminAuth: adminAuth,
	}
}

type runResponse struct {
	Message                 string                 `json:"message"`
	BatchID                 string                 `json:"batchId"`
	StartedAt               time.Time              `json:"startedAt"`
	CompletedAt             time.Time              `json:"completedAt"`
	DurationMs              int64                  `json:"durationMs"`
	TotalMerchantsProcessed int                    `json:"totalMerchantsProcessed"`
	TotalMerchantsSucceeded int                    `json:"totalMerchantsSucceeded"`
	TotalMerchantsFailed    int                    `json:"totalMerchantsFailed"`
	MerchantResults         []model.MerchantResult `json:"merchantResults"`
}

// RunBatch запускает один батч расчётов синхронно. Частичный неуспех
// отдельных мерчантов — штатный исход со статусом 200.
func (h *Handler) RunBatch(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.Run(r.Context())
	if err != nil {
		if errors.Is(err, service.ErrBatchInProgress) {
			http.Error(w, "settlement batch already in progress", http.StatusConflict)
			return
		}
		h.logger.Error("settlement batch failed", zap.Error(err))
		http.Error(w, "settlement batch failed", http.StatusInternalServerError)
		return
	}

	resp := runResponse{
		Message:                 "Settlement batch completed",
		BatchID:                 result.BatchID,
		StartedAt:               result.StartedAt,
		CompletedAt:             result.CompletedAt,
		DurationMs:              result.CompletedAt.Sub(result.StartedAt).Milliseconds(),
		TotalMerchantsProcessed: result.TotalMerchantsProcessed,
		TotalMerchantsSucceeded: result.TotalMerchantsSucceeded,
		TotalMerchantsFailed:    result.TotalMerchantsFailed,
		MerchantResults:         result.MerchantResults,
	}

	writeJSON(w, http.StatusOK, resp)
}

type recentSettlementResponse struct {
	ID            string     `json:"id"`
	MerchantID    string     `json:"merchantId"`
	Currency      string     `json:"currency"`
	USDCAmount    string     `json:"usdc_amount"`
	NetAmount     string     `json:"net_amount"`
	Status        string     `json:"status"`
	ProcessedDate *time.Time `json:"processed_date"`
	CreatedAt     time.Time  `json:"created_at"`
}

type statusResponse struct {
	Status                  string                     `json:"status"`
	UnsettledPaymentCount   int64                      `json:"unsettled_payment_count"`
	PendingSettlementCount  int64                      `json:"pending_settlement_count"`
	ManualInterventionCount int64                      `json:"manual_intervention_count"`
	ExchangePartner         string                     `json:"exchange_partner"`
	SettlementFeePercent    string                     `json:"settlement_fee_percent"`
	CronSchedule            string                     `json:"cron_schedule"`
	RecentBatches           []recentSettlementResponse `json:"recent_batches"`
}

// GetStatus возвращает сводку состояния системы расчётов.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.GetStatus(r.Context())
	if err != nil {
		h.logger.Error("get status error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	recent := make([]recentSettlementResponse, 0, len(status.RecentSettlements))
	for _, s := range status.RecentSettlements {
		recent = append(recent, recentSettlementResponse{
			ID:            s.ID,
			MerchantID:    s.MerchantID,
			Currency:      s.Currency,
			USDCAmount:    s.USDCAmount.String(),
			NetAmount:     s.NetAmount.String(),
			Status:        string(s.Status),
			ProcessedDate: s.ProcessedAt,
			CreatedAt:     s.CreatedAt,
		})
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Status:                  "ok",
		UnsettledPaymentCount:   status.UnsettledPaymentCount,
		PendingSettlementCount:  status.OpenSettlementCount,
		ManualInterventionCount: status.ManualInterventionCount,
		ExchangePartner:         status.ExchangePartner,
		SettlementFeePercent:    status.SettlementFeePercent.String(),
		CronSchedule:            status.CronSchedule,
		RecentBatches:           recent,
	})
}

type createMerchantRequest struct {
	ID                 string            `json:"id"`
	BusinessName       string            `json:"business_name"`
	SettlementCurrency string            `json:"settlement_currency"`
	BankAccount        model.BankAccount `json:"bank_account"`
}

// CreateMerchant регистрирует нового мерчанта и запускает его
// ончейн-регистрацию в фоне.
func (h *Handler) CreateMerchant(w http.ResponseWriter, r *http.Request) {
	var req createMerchantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.BusinessName == "" || req.SettlementCurrency == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	merchant := &model.Merchant{
		ID:                 req.ID,
		BusinessName:       req.BusinessName,
		SettlementCurrency: req.SettlementCurrency,
		BankAccount:        req.BankAccount,
	}

	if err := h.service.OnboardMerchant(r.Context(), merchant); err != nil {
		if errors.Is(err, repository.ErrMerchantExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		if errors.Is(err, validation.ErrInvalidBankAccount) {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		h.logger.Error("create merchant error", zap.Error(err), zap.String("merchant_id", req.ID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"id": merchant.ID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
