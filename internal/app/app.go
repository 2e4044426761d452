// Package app wires configuration, storage, providers and services into the
// processes the command line starts.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/digkill/motiongif/internal/cache"
	"github.com/digkill/motiongif/internal/catalog"
	"github.com/digkill/motiongif/internal/config"
	"github.com/digkill/motiongif/internal/converter"
	"github.com/digkill/motiongif/internal/database"
	"github.com/digkill/motiongif/internal/enhancer"
	"github.com/digkill/motiongif/internal/kie"
	"github.com/digkill/motiongif/internal/metrics"
	"github.com/digkill/motiongif/internal/provider"
	"github.com/digkill/motiongif/internal/replicate"
	"github.com/digkill/motiongif/internal/repository"
	"github.com/digkill/motiongif/internal/server"
	"github.com/digkill/motiongif/internal/service"
	"github.com/digkill/motiongif/internal/storage"
	"github.com/digkill/motiongif/internal/telegram"
	"github.com/digkill/motiongif/internal/transcode"
	"github.com/digkill/motiongif/internal/worker"
)

type App struct {
	Config     config.Config
	Log        zerolog.Logger
	Reconciler *service.Reconciler
	Sweeper    *worker.Sweeper
	Server     *server.Server
	// Bot is nil when TELEGRAM_BOT_TOKEN is unset.
	Bot *telegram.Bot

	db     *sql.DB
	locker *cache.RedisLocker
}

// New connects to MySQL (and Redis when configured) and builds every
// component. Migrations are applied unless skipMigrate is set.
func New(ctx context.Context, cfg config.Config, log zerolog.Logger, skipMigrate bool) (*App, error) {
	db, err := database.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("database connect: %w", err)
	}
	a := &App{Config: cfg, Log: log, db: db}

	if !skipMigrate {
		if err := database.Migrate(db); err != nil {
			a.Close()
			return nil, fmt.Errorf("database migrate: %w", err)
		}
	}

	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg, log := a.Config, a.Log

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	jobs := repository.NewJobRepository(a.db)
	accountsRepo := repository.NewAccountRepository(a.db)
	paymentsRepo := repository.NewPaymentRepository(a.db)
	ledgerRepo := repository.NewLedgerRepository(a.db)

	cat := catalog.Default()
	registry := provider.NewRegistry(providers(cfg, log)...)
	configured := registry.Names()
	log.Info().Strs("providers", configured).Msg("generation providers configured")
	if !cfg.WebhookVerificationEnabled() {
		log.Warn().Msg("WEBHOOK_SECRET is empty, provider webhooks are not authenticated")
	}

	var enh enhancer.Enhancer = enhancer.Noop{}
	if cfg.OpenAIAPIKey != "" {
		enh = enhancer.NewOpenAI(enhancer.Options{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModel,
			Timeout: cfg.PromptEnhanceTimeout,
		}, log)
	}

	uploader, err := storage.NewUploader(storage.ConfigFrom(cfg))
	if err != nil {
		return fmt.Errorf("storage uploader: %w", err)
	}

	conv := converter.NewClient(converter.Options{BaseURL: cfg.ConverterBaseURL, APIKey: cfg.ConverterAPIKey}, log)
	pipeline := transcode.New(conv, uploader, transcode.Options{
		Interval:      cfg.TranscodePollInterval,
		MaxAttempts:   cfg.TranscodeMaxAttempts,
		MaxVideoBytes: cfg.TranscodeMaxVideoBytes,
	}, m, log)

	refunder := service.NewRefunder(jobs, cat, m, log)
	generation := service.NewGenerationService(jobs, cat, registry, enh, refunder, service.GenerationOptions{
		CallbackBaseURL: cfg.PublicBaseURL,
		WebhookSecret:   cfg.WebhookSecret,
		SubmitTimeout:   cfg.ProviderTimeout,
	}, m, log)
	a.Reconciler = service.NewReconciler(jobs, registry, pipeline, refunder, service.ReconcilerOptions{
		DispatchGrace: cfg.DispatchGrace,
		PollTimeout:   cfg.ProviderTimeout,
	}, m, log)

	ledger := service.NewLedgerService(ledgerRepo, paymentsRepo, log)
	payments := service.NewPaymentService(service.PaymentOptionsFrom(cfg), paymentsRepo, ledger, log)
	accounts := service.NewAccountService(accountsRepo, cfg.StarterCredits)

	var locker worker.Locker
	if cfg.RedisURL != "" {
		l, err := cache.NewRedisLocker(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.locker = l
		if err := l.Ping(ctx); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		locker = l
	}
	a.Sweeper = worker.NewSweeper(jobs, a.Reconciler, locker, worker.Options{
		Interval:  cfg.SweepInterval,
		BatchSize: cfg.SweepBatchSize,
		Workers:   cfg.SweepWorkers,
		LockKey:   cache.SweepLockKey(cfg.AppEnv),
	}, m, log)

	a.Server = server.New(server.Options{
		Addr:          cfg.HTTPListenAddr,
		APIToken:      cfg.APIToken,
		CronSecret:    cfg.CronSecret,
		AdminUsername: cfg.AdminUsername,
		AdminPassword: cfg.AdminPassword,
		WebhookSecret: cfg.WebhookSecret,
	}, server.Deps{
		Dispatcher: generation,
		Reconciler: a.Reconciler,
		Jobs:       jobs,
		Ledger:     ledger,
		Sweeper:    a.Sweeper,
		Payments:   payments,
		Catalog:    cat,
		Providers:  configured,
		Gatherer:   reg,
		Metrics:    m,
	}, log)

	if cfg.BotToken != "" {
		botAPI, err := tgbotapi.NewBotAPI(cfg.BotToken)
		if err != nil {
			return fmt.Errorf("telegram bot: %w", err)
		}
		a.Bot = telegram.NewBot(botAPI, accounts, generation, payments, cat, uploader, telegram.Options{
			Providers: configured,
			Enhance:   cfg.OpenAIAPIKey != "",
		}, log)
		a.Reconciler.SetNotifier(a.Bot)
	}
	return nil
}

func providers(cfg config.Config, log zerolog.Logger) []provider.Provider {
	var out []provider.Provider
	if cfg.KIEAPIKey != "" {
		out = append(out, kie.NewClient(cfg, log))
	}
	if cfg.ReplicateAPIToken != "" {
		out = append(out, replicate.NewClient(cfg, log))
	}
	return out
}

// Serve runs the HTTP server, the sweeper loop and the bot until ctx ends.
func (a *App) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	a.Sweeper.Start(ctx)
	defer a.Sweeper.Stop()

	g.Go(func() error {
		return a.Server.Run(ctx)
	})
	if a.Bot != nil {
		g.Go(func() error {
			if err := a.Bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("telegram bot: %w", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (a *App) Close() {
	if a.locker != nil {
		if err := a.locker.Close(); err != nil {
			a.Log.Warn().Err(err).Msg("close redis")
		}
	}
	if err := a.db.Close(); err != nil {
		a.Log.Warn().Err(err).Msg("close database")
	}
}

// Migrate applies pending migrations without building the rest of the app.
func Migrate(cfg config.Config) error {
	db, err := database.Connect(cfg)
	if err != nil {
		return fmt.Errorf("database connect: %w", err)
	}
	defer db.Close()
	return database.Migrate(db)
}
