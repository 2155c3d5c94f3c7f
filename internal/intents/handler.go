package intents

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/alipayeth/backend/internal/gateway"
	"github.com/alipayeth/backend/internal/httpjson"
	"github.com/alipayeth/backend/internal/models"
	"github.com/alipayeth/backend/internal/money"
)

type CreateIntentRequest struct {
	Kind         string               `json:"kind"`
	Method       string               `json:"method,omitempty"`
	SubjectID    int64                `json:"subject_id"`
	Amount       string               `json:"amount"`
	Currency     string               `json:"currency,omitempty"`
	Registration *models.Registration `json:"registration,omitempty"`
}

type Handler struct {
	svc  Service
	conv money.Converter
	log  *slog.Logger
}

func NewHandler(svc Service, conv money.Converter, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, conv: conv, log: log}
}

func (h *Handler) CreateIntent(w http.ResponseWriter, r *http.Request) {
	var req CreateIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpjson.Error(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	amount, err := money.ParseMajor(req.Amount)
	if err != nil {
		httpjson.Error(w, http.StatusBadRequest, "amount must be a decimal ETB amount")
		return
	}
	p, err := h.svc.CreateIntent(r.Context(), CreateRequest{
		Kind:         req.Kind,
		Method:       req.Method,
		SubjectID:    req.SubjectID,
		AmountMinor:  amount,
		Currency:     req.Currency,
		Registration: req.Registration,
	})
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		httpjson.Write(w, http.StatusUnprocessableEntity, map[string]string{"error": verr.Message, "field": verr.Field})
		return
	case errors.Is(err, gateway.ErrRejected):
		httpjson.Write(w, http.StatusBadGateway, map[string]any{"error": "payment gateway rejected the checkout", "reference": p.ExternalReference})
		return
	case err != nil:
		h.log.Error("create intent failed", "error", err)
		httpjson.Error(w, http.StatusInternalServerError, "create intent failed")
		return
	}
	httpjson.Write(w, http.StatusCreated, NewStatusView(p, h.conv))
}

func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	v, err := h.svc.GetStatus(r.Context(), mux.Vars(r)["reference"])
	if errors.Is(err, ErrNotFound) {
		httpjson.Error(w, http.StatusNotFound, "intent not found")
		return
	}
	if err != nil {
		h.log.Error("get intent status failed", "error", err)
		httpjson.Error(w, http.StatusInternalServerError, "status lookup failed")
		return
	}
	httpjson.Write(w, http.StatusOK, v)
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(mux.Vars(r)["userID"], 10, 64)
	if err != nil {
		httpjson.Error(w, http.StatusBadRequest, "invalid user id")
		return
	}
	v, err := h.svc.GetAccount(r.Context(), userID)
	if errors.Is(err, ErrNotFound) {
		httpjson.Error(w, http.StatusNotFound, "account not found")
		return
	}
	if err != nil {
		h.log.Error("get account failed", "error", err)
		httpjson.Error(w, http.StatusInternalServerError, "account lookup failed")
		return
	}
	httpjson.Write(w, http.StatusOK, v)
}
