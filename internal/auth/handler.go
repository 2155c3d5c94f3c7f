package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alipayeth/backend/internal/httpjson"
)

type LoginRequest struct {
	ReviewerID string `json:"reviewer_id"`
	Password   string `json:"password"`
}

type LoginResponse struct {
	Token string `json:"token"`
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

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpjson.Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpjson.Error(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.ReviewerID == "" || req.Password == "" {
		httpjson.Error(w, http.StatusBadRequest, "missing reviewer_id or password")
		return
	}
	token, err := h.svc.Login(r.Context(), req.ReviewerID, req.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			h.log.Warn("reviewer login rejected", "reviewer_id", req.ReviewerID)
			httpjson.Error(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		h.log.Error("login failed", "error", err)
		httpjson.Error(w, http.StatusInternalServerError, "login failed")
		return
	}
	httpjson.Write(w, http.StatusOK, LoginResponse{Token: token})
}
