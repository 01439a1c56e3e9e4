package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samhotchkiss/calpush/internal/api"
	"github.com/samhotchkiss/calpush/internal/authz"
	"github.com/samhotchkiss/calpush/internal/automigrate"
	"github.com/samhotchkiss/calpush/internal/config"
	"github.com/samhotchkiss/calpush/internal/eventbus"
	"github.com/samhotchkiss/calpush/internal/imports"
	"github.com/samhotchkiss/calpush/internal/metrics"
	"github.com/samhotchkiss/calpush/internal/store"
	"github.com/samhotchkiss/calpush/internal/ws"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Config failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

// hub bundles the wired components so tests can inspect them.
type hub struct {
	registry   *ws.Registry
	manager    *ws.Manager
	dispatcher *ws.Dispatcher
	processor  *ws.Processor
	correlator *imports.Correlator
	publisher  eventbus.Publisher
	redisBus   *eventbus.Redis
	jobs       *store.ImportJobStore
	gate       authz.Gate
	auth       ws.Authenticator
	metrics    *metrics.Hub
}

func run(ctx context.Context, cfg config.Config) error {
	var db *sql.DB
	if cfg.DatabaseURL != "" {
		if cfg.AutoMigrate {
			if err := automigrate.Run(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
				return err
			}
		}
		var err error
		db, err = store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
	} else {
		log.Printf("warning: DATABASE_URL is not set; tickets and subscriptions will be refused")
	}

	h, err := newHub(ctx, cfg, db, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)

	if h.redisBus != nil {
		group.Go(func() error { return h.redisBus.Run(groupCtx) })
	}
	if h.jobs != nil && cfg.ImportPoll.Enabled {
		worker := imports.NewWorker(h.jobs, h.correlator, imports.WorkerConfig{
			PollInterval: cfg.ImportPoll.Interval,
			BatchSize:    cfg.ImportPoll.BatchSize,
		})
		worker.Logf = log.Printf
		group.Go(func() error {
			worker.Start(groupCtx)
			return nil
		})
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           h.router(cfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group.Go(func() error {
		log.Printf("calpush starting on port %s env=%s redis=%t", cfg.Port, cfg.Environment, h.redisBus != nil)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		h.manager.CloseAll()
		return server.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

func newHub(ctx context.Context, cfg config.Config, db *sql.DB, reg prometheus.Registerer) (*hub, error) {
	h := &hub{metrics: metrics.NewHub(reg)}
	if db != nil {
		h.gate = api.NewResourceGate(store.NewResourceStore(db))
		h.auth = api.NewTicketAuthenticator(store.NewTicketStore(db))
		h.jobs = store.NewImportJobStore(db)
	}

	h.registry = ws.NewRegistry(h.gate, cfg.Registry.Shards)
	h.registry.AuthzConcurrency = cfg.Registry.AuthzConcurrency
	h.registry.Metrics = h.metrics
	h.registry.Logf = log.Printf

	h.manager = ws.NewManager(h.registry, h.auth)
	h.manager.SendBuffer = cfg.WebSocket.SendBuffer
	h.manager.Metrics = h.metrics

	h.processor = &ws.Processor{Registry: h.registry, Logf: log.Printf}
	h.dispatcher = &ws.Dispatcher{Registry: h.registry, Manager: h.manager, Metrics: h.metrics, Logf: log.Printf}

	if cfg.Redis.URL != "" {
		client, err := eventbus.OpenRedis(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, err
		}
		h.redisBus = eventbus.NewRedis(client, cfg.Redis.Channel, h.dispatcher)
		h.redisBus.Logf = log.Printf
		h.publisher = h.redisBus
	} else {
		h.publisher = eventbus.NewLocal(h.dispatcher)
	}

	h.correlator = imports.NewCorrelator(h.publisher)
	h.correlator.Logf = log.Printf
	return h, nil
}

func (h *hub) router(cfg config.Config) http.Handler {
	deps := api.Deps{
		Manager: h.manager,
		WebSocket: &ws.Handler{
			Manager:        h.manager,
			Processor:      h.processor,
			PingInterval:   cfg.WebSocket.PingInterval,
			PongWait:       cfg.WebSocket.PongWait,
			MaxMessageSize: cfg.WebSocket.MaxMessageBytes,
			AllowedOrigins: cfg.WebSocket.AllowedOrigins,
			Logf:           log.Printf,
		},
		Metrics:        promhttp.Handler(),
		Publisher:      h.publisher,
		Correlator:     h.correlator,
		Gate:           h.gate,
		Auth:           h.auth,
		WebhookSecret:  cfg.InternalWebhookSecret,
		AllowedOrigins: cfg.WebSocket.AllowedOrigins,
		Logf:           log.Printf,
	}
	if h.jobs != nil {
		deps.ImportJobs = h.jobs
	}
	return api.NewRouter(deps)
}
