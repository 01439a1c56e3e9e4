// Package api exposes the hub over HTTP: the websocket endpoint, the
// signed internal ingress and the import status endpoint.
package api

import (
	"context"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/samhotchkiss/calpush/internal/authz"
	"github.com/samhotchkiss/calpush/internal/eventbus"
	"github.com/samhotchkiss/calpush/internal/imports"
	authn "github.com/samhotchkiss/calpush/internal/middleware"
	"github.com/samhotchkiss/calpush/internal/store"
	"github.com/samhotchkiss/calpush/internal/webhook"
	"github.com/samhotchkiss/calpush/internal/ws"
)

// ImportJobRepository persists import jobs. It is optional; without it
// imports are tracked in memory only and GET /api/imports/{id} is
// unavailable.
type ImportJobRepository interface {
	Create(ctx context.Context, input store.CreateImportJobInput) (*store.ImportJob, error)
	Get(ctx context.Context, id string) (*store.ImportJob, error)
	UpdateStatus(ctx context.Context, input store.UpdateImportStatusInput) (*store.ImportJob, error)
}

// Deps are the collaborators the router serves.
type Deps struct {
	Manager        *ws.Manager
	WebSocket      http.Handler
	Metrics        http.Handler
	Publisher      eventbus.Publisher
	Correlator     *imports.Correlator
	ImportJobs     ImportJobRepository
	Gate           authz.Gate
	Auth           ws.Authenticator
	WebhookSecret  string
	AllowedOrigins []string
	Logf           func(string, ...any)
}

type handlers struct {
	manager    *ws.Manager
	publisher  eventbus.Publisher
	correlator *imports.Correlator
	jobs       ImportJobRepository
	gate       authz.Gate
	logf       func(string, ...any)
}

func NewRouter(deps Deps) http.Handler {
	h := &handlers{
		manager:    deps.Manager,
		publisher:  deps.Publisher,
		correlator: deps.Correlator,
		jobs:       deps.ImportJobs,
		gate:       deps.Gate,
		logf:       deps.Logf,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.handleHealth)
	r.Get("/", handleRoot)
	if deps.WebSocket != nil {
		r.Handle("/ws", deps.WebSocket)
	}
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(cors.Handler(corsOptions(deps.AllowedOrigins)))
		r.Use(authn.RequirePrincipal(deps.Auth))
		r.Get("/imports/{id}", h.getImport)
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(webhook.NewMiddleware(deps.WebhookSecret).Handler)
		r.Post("/events/sync-token", h.postSyncToken)
		r.Post("/events/access-changed", h.postAccessChanged)
		r.Post("/events/alarm", h.postAlarm)
		r.Post("/imports", h.createImport)
		r.Post("/imports/{id}/status", h.updateImportStatus)
	})

	return r
}

func corsOptions(origins []string) cors.Options {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", authn.TicketHeader},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}
}

func (h *handlers) warnf(format string, args ...any) {
	if h.logf != nil {
		h.logf(format, args...)
		return
	}
	log.Printf(format, args...)
}
