// Package api assembles the HTTP surface of the service.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/dvloznov/statement-insights/internal/api/handlers"
	"github.com/dvloznov/statement-insights/internal/api/middleware"
	"github.com/dvloznov/statement-insights/internal/progress"
)

// RouterConfig holds what the router needs besides the service.
type RouterConfig struct {
	CORSOrigins []string
	Logger      zerolog.Logger
}

// NewRouter builds the chi router with middleware and every route.
func NewRouter(svc handlers.Service, broadcaster *progress.Broadcaster, cfg RouterConfig) http.Handler {
	log := cfg.Logger

	sessions := handlers.NewSessionsHandler(svc, log)
	transactions := handlers.NewTransactionsHandler(svc, log)
	stream := handlers.NewStreamHandler(svc, broadcaster, log)

	r := chi.NewRouter()

	r.Use(middleware.Recovery(log))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(log))
	r.Use(middleware.CORS(cfg.CORSOrigins))

	r.Get("/health", handlers.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth)

		r.Post("/process", sessions.Process)
		r.Post("/tokens-estimate", sessions.TokensEstimate)
		r.Get("/sessions/{id}", sessions.GetSession)
		r.Get("/sessions/{id}/result", sessions.GetResult)
		r.Get("/sessions/{id}/jobs", sessions.GetJobs)
		r.Get("/balance", sessions.GetBalance)

		r.Get("/stream/analysis", stream.StreamAnalysis)

		r.Get("/transactions/download/{session_id}", transactions.DownloadTransactions)
		r.Get("/transactions/{session_id}", transactions.ListTransactions)
	})

	return r
}
