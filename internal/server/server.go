// Package server exposes the dispatch API, provider webhooks and the
// operational endpoints over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/digkill/motiongif/internal/catalog"
	"github.com/digkill/motiongif/internal/metrics"
	"github.com/digkill/motiongif/internal/models"
	"github.com/digkill/motiongif/internal/provider"
	"github.com/digkill/motiongif/internal/service"
	"github.com/digkill/motiongif/internal/worker"
)

type Dispatcher interface {
	Submit(ctx context.Context, req service.SubmitRequest) (*models.GenerationJob, error)
}

type Reconciler interface {
	ResolveCallback(ctx context.Context, providerName string, body []byte) (*models.GenerationJob, *provider.Result, error)
	Reconcile(ctx context.Context, jobID string, res *provider.Result) (service.Outcome, error)
	Reprocess(ctx context.Context, jobID string) (service.Outcome, error)
}

type JobReader interface {
	Get(ctx context.Context, id string) (*models.GenerationJob, error)
}

type Ledger interface {
	Balance(ctx context.Context, accountID int64) (int, error)
	Grant(ctx context.Context, accountID int64, credits int) error
}

type Sweeper interface {
	RunOnce(ctx context.Context) (worker.Stats, error)
}

type PaymentWebhook interface {
	HandleYooKassaWebhook(ctx context.Context, payload []byte) error
}

type Options struct {
	Addr          string
	APIToken      string
	CronSecret    string
	AdminUsername string
	AdminPassword string
	WebhookSecret string
	// DrainTimeout bounds how long shutdown waits for background reconciles.
	DrainTimeout time.Duration
}

type Deps struct {
	Dispatcher Dispatcher
	Reconciler Reconciler
	Jobs       JobReader
	Ledger     Ledger
	Sweeper    Sweeper
	Payments   PaymentWebhook
	Catalog    *catalog.Catalog
	Providers  []string
	Gatherer   prometheus.Gatherer
	Metrics    *metrics.Metrics
}

type Server struct {
	opts     Options
	deps     Deps
	log      zerolog.Logger
	validate *validator.Validate
	router   *chi.Mux

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

func New(opts Options, deps Deps, log zerolog.Logger) *Server {
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 30 * time.Second
	}
	bgCtx, bgCancel := context.WithCancel(context.Background())

	s := &Server{
		opts:     opts,
		deps:     deps,
		log:      log.With().Str("component", "http").Logger(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		bgCtx:    bgCtx,
		bgCancel: bgCancel,
	}
	if opts.WebhookSecret == "" {
		s.log.Warn().Msg("WEBHOOK_SECRET is empty, provider webhooks are not authenticated")
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(hlog.NewHandler(s.log))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(bearerAuth(s.opts.APIToken))
		api.Get("/modes", s.handleListModes)
		api.Post("/generations", s.handleCreateGeneration)
		api.Get("/generations/{id}", s.handleGetGeneration)
		api.Get("/accounts/{id}/balance", s.handleBalance)
	})

	r.Post("/webhooks/providers/{provider}", s.handleProviderWebhook)
	if s.deps.Payments != nil {
		r.Post("/webhooks/yookassa", s.handleYooKassaWebhook)
	}

	r.With(bearerAuth(s.opts.CronSecret)).Post("/cron/sweep", s.handleSweep)

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(basicAuth(s.opts.AdminUsername, s.opts.AdminPassword))
		admin.Post("/jobs/{id}/reprocess", s.handleReprocess)
		admin.Post("/accounts/{id}/credits", s.handleGrant)
	})
	return r
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Dispatch waits for the enhancer and the provider submission.
		WriteTimeout: 90 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.opts.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http listen: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		s.Drain(context.Background())
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Error().Err(err).Msg("http shutdown error")
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), s.opts.DrainTimeout)
	defer cancelDrain()
	s.Drain(drainCtx)
	return <-errCh
}

// Drain waits for background reconciles. When ctx ends first the remaining
// ones are cancelled and left to the polling sweep.
func (s *Server) Drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn().Msg("drain timed out, cancelling background reconciles")
		s.bgCancel()
		<-done
	}
	s.bgCancel()
}

// background runs fn on the server-owned context so it outlives the request.
func (s *Server) background(fn func(ctx context.Context)) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		fn(s.bgCtx)
	}()
}

type errorResponse struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	hlog.FromRequest(r).Error().Err(err).Msg("handler error")
	writeError(w, http.StatusInternalServerError, "internal error")
}
