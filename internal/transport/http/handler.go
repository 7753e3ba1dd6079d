package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/cmtehenz/otsem-api-sub000/internal/rail"
	"github.com/cmtehenz/otsem-api-sub000/internal/repository"
	"github.com/cmtehenz/otsem-api-sub000/internal/service"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "otsem_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})
)

// Handler is the internal service-call surface plus the webhook intake. The
// upstream API gateway terminates authentication; this handler trusts its
// caller.
type Handler struct {
	buy     *service.BuyOrchestrator
	sell    *service.SellOrchestrator
	payouts *service.PayoutService
	pixIn   *service.PixInService
	wallet  *service.WalletService
	ledger  service.Ledger
	convs   service.ConversionStore
	pstore  service.PayoutStore
	bank    rail.BankClient
}

func NewHandler(buy *service.BuyOrchestrator, sell *service.SellOrchestrator, payouts *service.PayoutService, pixIn *service.PixInService, wallet *service.WalletService, ledger service.Ledger, convs service.ConversionStore, pstore service.PayoutStore, bank rail.BankClient) *Handler {
	return &Handler{buy: buy, sell: sell, payouts: payouts, pixIn: pixIn, wallet: wallet, ledger: ledger, convs: convs, pstore: pstore, bank: bank}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /conversions/buy", h.Buy)
	mux.HandleFunc("POST /conversions/sell", h.Sell)
	mux.HandleFunc("GET /conversions/{id}", h.GetConversion)

	mux.HandleFunc("POST /payouts", h.CreatePayout)
	mux.HandleFunc("GET /payouts/{id}", h.GetPayout)

	mux.HandleFunc("GET /accounts/{id}", h.GetAccount)
	mux.HandleFunc("GET /accounts/{id}/transactions", h.GetStatement)

	mux.HandleFunc("GET /wallets/{id}/balance", h.GetWalletBalance)

	mux.HandleFunc("GET /ops/stuck", h.GetStuck)
	mux.HandleFunc("GET /ops/bank-balance", h.GetBankBalance)

	mux.HandleFunc("POST /webhooks/pix", h.PixWebhook)
	mux.HandleFunc("POST /webhooks/payout", h.PayoutWebhook)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type conversionRequest struct {
	CustomerID uuid.UUID       `json:"customer_id"`
	AccountID  uuid.UUID       `json:"account_id"`
	Amount     decimal.Decimal `json:"amount"`
	Network    string          `json:"network"`
	WalletID   *uuid.UUID      `json:"wallet_id,omitempty"`
}

func (h *Handler) Buy(w http.ResponseWriter, r *http.Request) {
	var req conversionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	conv, err := h.buy.Execute(r.Context(), service.BuyRequest{
		CustomerID: req.CustomerID,
		AccountID:  req.AccountID,
		Amount:     req.Amount,
		Network:    req.Network,
		WalletID:   req.WalletID,
	})
	if err != nil {
		var stageErr *service.StageError
		if errors.As(err, &stageErr) {
			// The conversion row carries the stage and status; surface those,
			// never the raw rail error.
			h.respondJSON(w, r, http.StatusBadGateway, map[string]any{
				"error":      "conversion_failed",
				"stage":      stageErr.Stage,
				"conversion": conv,
			})
			return
		}
		h.respondError(w, r, statusFor(err), err.Error())
		return
	}
	h.respondJSON(w, r, http.StatusCreated, conv)
}

func (h *Handler) Sell(w http.ResponseWriter, r *http.Request) {
	var req conversionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	conv, err := h.sell.Start(r.Context(), service.SellRequest{
		CustomerID: req.CustomerID,
		AccountID:  req.AccountID,
		Amount:     req.Amount,
		Network:    req.Network,
		WalletID:   req.WalletID,
	})
	if err != nil {
		h.respondError(w, r, statusFor(err), err.Error())
		return
	}
	h.respondJSON(w, r, http.StatusCreated, conv)
}

func (h *Handler) GetConversion(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid_id")
		return
	}
	conv, err := h.convs.GetByID(r.Context(), id)
	if err != nil {
		h.respondError(w, r, statusFor(err), err.Error())
		return
	}
	h.respondJSON(w, r, http.StatusOK, conv)
}

type payoutRequest struct {
	AccountID uuid.UUID       `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"`
	PixKey    string          `json:"pix_key"`
	RequestID string          `json:"request_id"`
}

func (h *Handler) CreatePayout(w http.ResponseWriter, r *http.Request) {
	var req payoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.RequestID == "" {
		h.respondError(w, r, http.StatusBadRequest, "request_id is required")
		return
	}

	p, err := h.payouts.Request(r.Context(), service.PayoutRequest{
		AccountID: req.AccountID,
		Amount:    req.Amount,
		PixKey:    req.PixKey,
		RequestID: req.RequestID,
	})
	if err != nil {
		h.respondError(w, r, statusFor(err), err.Error())
		return
	}
	h.respondJSON(w, r, http.StatusCreated, p)
}

func (h *Handler) GetPayout(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid_id")
		return
	}
	p, err := h.pstore.GetByID(r.Context(), id)
	if err != nil {
		h.respondError(w, r, statusFor(err), err.Error())
		return
	}
	h.respondJSON(w, r, http.StatusOK, p)
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid_id")
		return
	}
	acc, err := h.ledger.GetAccount(r.Context(), id)
	if err != nil {
		h.respondError(w, r, statusFor(err), err.Error())
		return
	}
	h.respondJSON(w, r, http.StatusOK, acc)
}

func (h *Handler) GetStatement(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid_id")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	entries, err := h.ledger.ListTransactions(r.Context(), id, limit)
	if err != nil {
		h.respondError(w, r, statusFor(err), err.Error())
		return
	}
	h.respondJSON(w, r, http.StatusOK, entries)
}

func (h *Handler) GetWalletBalance(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid_id")
		return
	}
	balance, err := h.wallet.Balance(r.Context(), id)
	if err != nil {
		h.respondError(w, r, statusFor(err), err.Error())
		return
	}
	h.respondJSON(w, r, http.StatusOK, map[string]any{"wallet_id": id, "balance": balance})
}

func (h *Handler) GetBankBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.bank.GetBalance(r.Context())
	if err != nil {
		h.respondError(w, r, http.StatusBadGateway, err.Error())
		return
	}
	h.respondJSON(w, r, http.StatusOK, map[string]any{"balance": balance})
}

func (h *Handler) GetStuck(w http.ResponseWriter, r *http.Request) {
	stuck, err := h.convs.ListStuck(r.Context())
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	h.respondJSON(w, r, http.StatusOK, stuck)
}

type pixWebhook struct {
	Key        string          `json:"key"`
	Amount     decimal.Decimal `json:"amount"`
	PayerInfo  string          `json:"payer_info"`
	EndToEndID string          `json:"end_to_end_id"`
}

func (h *Handler) PixWebhook(w http.ResponseWriter, r *http.Request) {
	var req pixWebhook
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.EndToEndID == "" {
		h.respondError(w, r, http.StatusBadRequest, "end_to_end_id is required")
		return
	}

	entry, err := h.pixIn.Credit(r.Context(), req.Key, req.Amount, req.PayerInfo, req.EndToEndID)
	if err != nil {
		h.respondError(w, r, statusFor(err), err.Error())
		return
	}
	h.respondJSON(w, r, http.StatusOK, map[string]any{"transaction_id": entry.ID})
}

type payoutWebhook struct {
	EndToEndID string `json:"end_to_end_id"`
	Status     string `json:"status"`
}

func (h *Handler) PayoutWebhook(w http.ResponseWriter, r *http.Request) {
	var req payoutWebhook
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	if err := h.payouts.Settle(r.Context(), req.EndToEndID, req.Status); err != nil {
		if errors.Is(err, service.ErrUnknownEndToEndID) {
			// Acknowledge unknown ids so the bank stops redelivering; the
			// payout may belong to another environment.
			h.respondJSON(w, r, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	h.respondJSON(w, r, http.StatusOK, map[string]string{"status": "processed"})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, repository.ErrAccountNotFound),
		errors.Is(err, repository.ErrCustomerNotFound),
		errors.Is(err, repository.ErrWalletNotFound),
		errors.Is(err, repository.ErrConversionNotFound),
		errors.Is(err, repository.ErrPayoutNotFound):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrInsufficientFunds),
		errors.Is(err, service.ErrBelowMinimum),
		errors.Is(err, service.ErrNoDestinationWallet),
		errors.Is(err, service.ErrWalletNotWhitelisted),
		errors.Is(err, service.ErrUnsupportedNetwork):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondJSON(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	// Label by the matched route pattern, not the raw path: path parameters
	// like conversion ids would otherwise mint one series per request.
	endpoint := r.Pattern
	if endpoint == "" {
		endpoint = r.URL.Path
	}
	httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(status)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, status int, message string) {
	h.respondJSON(w, r, status, map[string]string{"error": message})
}
