package router

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alipayeth/backend/internal/auth"
	"github.com/alipayeth/backend/internal/httpjson"
	"github.com/alipayeth/backend/internal/intents"
	"github.com/alipayeth/backend/internal/middleware"
	"github.com/alipayeth/backend/internal/review"
	"github.com/alipayeth/backend/internal/webhook"
)

// Pinger reports database reachability for /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Auth    *auth.Handler
	Intents *intents.Handler
	Review  *review.Handler
	Webhook *webhook.Handler

	Tokens       middleware.TokenValidator
	ServiceToken string
	DB           Pinger
}

// New returns the HTTP API: intents and accounts for the bot, the Chapa
// webhook, and the reviewer console under /api/v1/admin.
func New(d Deps) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.Metrics)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health", health(d.DB)).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Handle("/webhooks/chapa", d.Webhook).Methods(http.MethodPost)

	bot := api.NewRoute().Subrouter()
	bot.Use(middleware.ServiceToken(d.ServiceToken))
	bot.HandleFunc("/intents", d.Intents.CreateIntent).Methods(http.MethodPost)
	bot.HandleFunc("/intents/{reference}/status", d.Intents.GetStatus).Methods(http.MethodGet)
	bot.HandleFunc("/accounts/{userID:[0-9]+}", d.Intents.GetAccount).Methods(http.MethodGet)

	api.HandleFunc("/admin/login", d.Auth.Login).Methods(http.MethodPost)
	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(middleware.ReviewerAuth(d.Tokens, auth.RoleReviewer))
	admin.HandleFunc("/intents", d.Review.ListPending).Methods(http.MethodGet)
	admin.HandleFunc("/intents/{id}/approve", d.Review.Approve).Methods(http.MethodPost)
	admin.HandleFunc("/intents/{id}/reject", d.Review.Reject).Methods(http.MethodPost)

	return r
}

func health(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, code := "ok", http.StatusOK
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				status, code = "database unreachable", http.StatusServiceUnavailable
			}
		}
		httpjson.Write(w, code, map[string]string{"status": status})
	}
}
