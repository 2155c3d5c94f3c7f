package review

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/alipayeth/backend/internal/httpjson"
	"github.com/alipayeth/backend/internal/middleware"
	"github.com/alipayeth/backend/internal/models"
	"github.com/alipayeth/backend/internal/money"
	"github.com/alipayeth/backend/internal/settlement"
)

type ApproveRequest struct {
	// ConfirmedAmount is the amount the reviewer saw on the receipt, in ETB,
	// e.g. "150.00".
	ConfirmedAmount string `json:"confirmed_amount"`
}

type RejectRequest struct {
	Reason string `json:"reason"`
}

type DecisionResponse struct {
	IntentID string `json:"intent_id"`
	Outcome  string `json:"outcome"`
}

type PendingIntentResponse struct {
	ID            string `json:"id"`
	Reference     string `json:"reference"`
	Kind          string `json:"kind"`
	Method        string `json:"method"`
	SubjectID     int64  `json:"subject_id"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	NeedsReview   bool   `json:"needs_review"`
	FailureReason string `json:"failure_reason,omitempty"`
	CreatedAt     string `json:"created_at"`
	ExpiresAt     string `json:"expires_at"`
}

type Handler struct {
	svc Service
	log *slog.Logger
}

func NewHandler(svc Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := h.svc.ListPending(r.Context(), limit)
	if err != nil {
		h.log.Error("list pending intents failed", "error", err)
		httpjson.Error(w, http.StatusInternalServerError, "list failed")
		return
	}
	resp := make([]PendingIntentResponse, 0, len(list))
	for _, p := range list {
		resp = append(resp, pendingToResponse(p))
	}
	httpjson.Write(w, http.StatusOK, resp)
}

func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	id, ok := intentID(w, r)
	if !ok {
		return
	}
	var req ApproveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpjson.Error(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	amount, err := money.ParseMajor(req.ConfirmedAmount)
	if err != nil || amount <= 0 {
		httpjson.Error(w, http.StatusBadRequest, "confirmed_amount must be a positive ETB amount")
		return
	}
	outcome, err := h.svc.Approve(r.Context(), id, middleware.ReviewerFromCtx(r.Context()), amount)
	h.respond(w, id, outcome, err)
}

func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	id, ok := intentID(w, r)
	if !ok {
		return
	}
	var req RejectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpjson.Error(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Reason == "" {
		httpjson.Error(w, http.StatusBadRequest, "reason is required")
		return
	}
	outcome, err := h.svc.Reject(r.Context(), id, middleware.ReviewerFromCtx(r.Context()), req.Reason)
	h.respond(w, id, outcome, err)
}

func (h *Handler) respond(w http.ResponseWriter, id uuid.UUID, outcome settlement.Outcome, err error) {
	switch {
	case err == nil:
		httpjson.Write(w, http.StatusOK, DecisionResponse{IntentID: id.String(), Outcome: string(outcome)})
	case errors.Is(err, ErrIntentNotFound):
		httpjson.Error(w, http.StatusNotFound, "intent not found")
	case errors.Is(err, ErrMissingReviewer):
		httpjson.Error(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, ErrNotReviewable):
		httpjson.Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, settlement.ErrDataIntegrity):
		httpjson.Error(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, settlement.ErrExpiredIntent):
		httpjson.Error(w, http.StatusGone, "intent expired")
	default:
		h.log.Error("review decision failed", "intent_id", id, "error", err)
		httpjson.Error(w, http.StatusInternalServerError, "decision failed")
	}
}

func intentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		httpjson.Error(w, http.StatusBadRequest, "invalid intent id")
		return uuid.Nil, false
	}
	return id, true
}

func pendingToResponse(p *models.PaymentIntent) PendingIntentResponse {
	return PendingIntentResponse{
		ID:            p.ID.String(),
		Reference:     p.ExternalReference,
		Kind:          p.Kind,
		Method:        p.Method,
		SubjectID:     p.SubjectID,
		Amount:        money.FormatMajor(p.AmountMinor),
		Currency:      p.Currency,
		NeedsReview:   p.NeedsReview,
		FailureReason: p.FailureReason,
		CreatedAt:     p.CreatedAt.UTC().Format(time.RFC3339),
		ExpiresAt:     p.ExpiresAt.UTC().Format(time.RFC3339),
	}
}
