package main

import (
	"net/http"

	"github.com/rs/cors"

	"github.com/alipayeth/backend/internal/app"
	"github.com/alipayeth/backend/internal/auth"
	"github.com/alipayeth/backend/internal/intents"
	"github.com/alipayeth/backend/internal/review"
	"github.com/alipayeth/backend/internal/router"
	"github.com/alipayeth/backend/internal/webhook"
)

// newHTTPHandler builds the handlers over the wired services and wraps the
// router in CORS for the reviewer console.
func newHTTPHandler(a *app.App) (http.Handler, error) {
	cfg := a.Config
	wh, err := webhook.NewHandler(a.Engine, a.Gateway, cfg.Settle.WebhookTimeout, a.Logger)
	if err != nil {
		return nil, err
	}
	r := router.New(router.Deps{
		Auth:         auth.NewHandler(a.AuthService, a.Logger),
		Intents:      intents.NewHandler(a.IntentService, cfg.Converter(), a.Logger),
		Review:       review.NewHandler(a.ReviewService, a.Logger),
		Webhook:      wh,
		Tokens:       a.AuthService,
		ServiceToken: cfg.Admin.ServiceToken,
		DB:           a.Pool,
	})
	return cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(r), nil
}
