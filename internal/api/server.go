package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/tgblast/tgblast/internal/campaign"
	"github.com/tgblast/tgblast/internal/config"
	"github.com/tgblast/tgblast/internal/dispatch"
	"github.com/tgblast/tgblast/internal/metrics"
	"github.com/tgblast/tgblast/internal/storage"
)

type Server struct {
	cfg      config.ServerConfig
	store    storage.Storage
	reporter *dispatch.Reporter
	orch     *campaign.Orchestrator
	token    string
	router   *chi.Mux
	log      zerolog.Logger
	http     *http.Server
}

func NewServer(cfg config.ServerConfig, store storage.Storage, reporter *dispatch.Reporter, orch *campaign.Orchestrator, workerToken string, log zerolog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		store:    store,
		reporter: reporter,
		orch:     orch,
		token:    workerToken,
		log:      log,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(LoggingMiddleware(s.log))

	ownerHandler := NewOwnerHandler(s.store)
	accountHandler := NewAccountHandler(s.store)
	tplHandler := NewTemplateHandler(s.store)
	destHandler := NewDestinationHandler(s.store)
	campaignHandler := NewCampaignHandler(s.store, s.orch)
	workerHandler := NewWorkerHandler(s.store, s.reporter, s.log)

	// Health and metrics are unauthenticated
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Owner management admin routes, no bearer auth
		r.Post("/owners", ownerHandler.Create)
		r.Get("/owners", ownerHandler.List)

		// Owner-authenticated routes
		r.Group(func(r chi.Router) {
			r.Use(OwnerAuthMiddleware(s.store))

			r.Post("/templates", tplHandler.Create)
			r.Get("/templates", tplHandler.List)
			r.Get("/templates/{id}", tplHandler.Get)
			r.Put("/templates/{id}", tplHandler.Update)
			r.Delete("/templates/{id}", tplHandler.Delete)

			r.Post("/destinations", destHandler.Create)
			r.Get("/destinations", destHandler.List)
			r.Get("/destinations/{id}", destHandler.Get)
			r.Delete("/destinations/{id}", destHandler.Delete)

			r.Post("/send", campaignHandler.Send)
			r.Get("/campaigns", campaignHandler.List)
			r.Get("/campaigns/{id}", campaignHandler.Get)
		})

		// Worker and operator routes share the fleet credential
		r.Group(func(r chi.Router) {
			r.Use(WorkerAuthMiddleware(s.token))

			r.Get("/worker/jobs", workerHandler.ClaimJobs)
			r.Post("/worker/jobs/{id}", workerHandler.ReportJob)
			r.Post("/worker/heartbeat", workerHandler.Heartbeat)
			r.Post("/worker/accounts/{id}", workerHandler.UpdateAccount)
			r.Get("/worker/stats", workerHandler.Stats)

			r.Post("/accounts", accountHandler.Create)
			r.Get("/accounts", accountHandler.List)
			r.Get("/accounts/{id}", accountHandler.Get)
			r.Put("/accounts/{id}", accountHandler.Update)
			r.Delete("/accounts/{id}", accountHandler.Delete)
		})
	})

	return r
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.log.Info().Str("addr", addr).Msg("starting HTTP server")
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}
