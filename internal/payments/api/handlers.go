// Package api exposes the payment lifecycle over HTTP.
package api

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/thinkwithmahesh/Hasivu-sub008/internal/common/api"
	"github.com/thinkwithmahesh/Hasivu-sub008/internal/common/middleware"
	"github.com/thinkwithmahesh/Hasivu-sub008/internal/common/money"
	"github.com/thinkwithmahesh/Hasivu-sub008/internal/payments"
	"github.com/thinkwithmahesh/Hasivu-sub008/internal/payments/webhook"
	"github.com/thinkwithmahesh/Hasivu-sub008/internal/targets"
)

// Webhook bodies are bounded; the gateway never sends more than a few KB.
const maxWebhookBody = 1 << 20

// Handler serves the payment HTTP API.
type Handler struct {
	service *payments.Service
	engine  *webhook.Engine
	logger  *slog.Logger
}

// NewHandler creates a payment API handler.
func NewHandler(service *payments.Service, engine *webhook.Engine, logger *slog.Logger) *Handler {
	return &Handler{service: service, engine: engine, logger: logger}
}

// Routes mounts the payment endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	// The webhook endpoint authenticates by signature, not principal.
	r.Post("/webhook", h.handleWebhook)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireUser)
		r.Post("/orders", h.handleOpenOrder)
		r.Get("/orders/{orderID}", h.handleGetOrder)
		r.Post("/verify", h.handleVerify)
		r.Get("/transactions/{transactionID}", h.handleGetTransaction)
		r.Post("/retry/{transactionID}", h.handleRetry)
		r.Post("/refund", h.handleRefund)
	})

	return r
}

func principalFrom(r *http.Request) payments.Principal {
	ctx := r.Context()
	return payments.Principal{
		UserID:   middleware.GetUserID(ctx),
		Role:     middleware.GetUserRole(ctx),
		TenantID: middleware.GetTenantID(ctx),
	}
}

// writeServiceError maps the error taxonomy onto HTTP statuses.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	kind := payments.KindOf(err)
	msg := err.Error()

	switch kind {
	case payments.KindValidation:
		api.WriteError(w, http.StatusUnprocessableEntity, api.ErrCodeValidation, msg)
	case payments.KindNotFound:
		api.WriteError(w, http.StatusNotFound, api.ErrCodeNotFound, msg)
	case payments.KindAuthentication:
		api.WriteError(w, http.StatusUnauthorized, api.ErrCodeAuthentication, msg)
	case payments.KindAuthorization:
		api.WriteError(w, http.StatusForbidden, api.ErrCodeForbidden, msg)
	case payments.KindConflict:
		api.WriteError(w, http.StatusConflict, api.ErrCodeConflict, msg)
	case payments.KindGateway:
		api.WriteError(w, http.StatusBadGateway, api.ErrCodeGateway, "payment gateway error")
	case payments.KindIntegrity:
		api.WriteError(w, http.StatusConflict, api.ErrCodeIntegrity, msg)
	default:
		h.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
			"correlation_id", middleware.GetCorrelationID(r.Context()),
		)
		api.InternalError(w, "internal error")
	}
}

type openOrderRequest struct {
	TargetKind string  `json:"target_kind" validate:"required,oneof=order billing_cycle"`
	TargetID   string  `json:"target_id" validate:"required"`
	Amount     *int64  `json:"amount,omitempty" validate:"omitempty,gt=0"`
	Currency   *string `json:"currency,omitempty" validate:"omitempty,len=3"`
}

func (h *Handler) handleOpenOrder(w http.ResponseWriter, r *http.Request) {
	var req openOrderRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	svcReq := payments.OpenOrderRequest{
		Target: targets.Ref{
			Kind: targets.Kind(req.TargetKind),
			ID:   req.TargetID,
		},
		Amount:    req.Amount,
		Principal: principalFrom(r),
	}
	if req.Currency != nil {
		c := money.Currency(*req.Currency)
		svcReq.Currency = &c
	}

	order, err := h.service.OpenOrder(r.Context(), svcReq)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusCreated, order)
}

func (h *Handler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.service.GetOrderForPrincipal(r.Context(), chi.URLParam(r, "orderID"), principalFrom(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, order)
}

type verifyRequest struct {
	GatewayOrderID       string `json:"gateway_order_id" validate:"required"`
	GatewayTransactionID string `json:"gateway_transaction_id" validate:"required"`
	Signature            string `json:"signature" validate:"required"`
}

type verifyResponse struct {
	Success          bool                       `json:"success"`
	Status           payments.TransactionStatus `json:"status"`
	AlreadyProcessed bool                       `json:"already_processed,omitempty"`
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	result, err := h.service.Verify(r.Context(), payments.VerifyRequest{
		GatewayOrderID:       req.GatewayOrderID,
		GatewayTransactionID: req.GatewayTransactionID,
		Signature:            req.Signature,
		Principal:            principalFrom(r),
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, verifyResponse{
		Success:          result.Status == payments.TxnCaptured || result.Status == payments.TxnAuthorized,
		Status:           result.Status,
		AlreadyProcessed: result.AlreadyProcessed,
	})
}

func (h *Handler) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	txn, err := h.service.GetTransactionForPrincipal(r.Context(), chi.URLParam(r, "transactionID"), principalFrom(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, txn)
}

type retryRequest struct {
	Reason string `json:"reason,omitempty" validate:"omitempty,max=500"`
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if r.ContentLength > 0 {
		if err := api.DecodeAndValidate(r, &req); err != nil {
			api.ValidationError(w, err)
			return
		}
	}

	retry, err := h.service.Retry(r.Context(), payments.RetryRequest{
		OriginalTransactionID: chi.URLParam(r, "transactionID"),
		Reason:                req.Reason,
		Principal:             principalFrom(r),
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusAccepted, retry)
}

type refundRequest struct {
	TransactionID string `json:"transaction_id" validate:"required"`
	Amount        *int64 `json:"amount,omitempty" validate:"omitempty,gt=0"`
	Reason        string `json:"reason,omitempty" validate:"omitempty,max=500"`
}

func (h *Handler) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	refund, err := h.service.Refund(r.Context(), payments.RefundRequest{
		TransactionID: req.TransactionID,
		Amount:        req.Amount,
		Reason:        req.Reason,
		Principal:     principalFrom(r),
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusCreated, refund)
}

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		api.BadRequest(w, "reading body")
		return
	}

	signature := r.Header.Get("X-Webhook-Signature")
	eventID := r.Header.Get("X-Webhook-Event-Id")

	if err := h.engine.Handle(r.Context(), body, signature, eventID); err != nil {
		switch payments.KindOf(err) {
		case payments.KindAuthentication:
			api.WriteError(w, http.StatusUnauthorized, api.ErrCodeAuthentication, "invalid webhook signature")
		case payments.KindValidation:
			api.BadRequest(w, "malformed webhook body")
		default:
			api.InternalError(w, "internal error")
		}
		return
	}

	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
