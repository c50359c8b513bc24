package app

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"tick-alerts/internal/alerting"
	"tick-alerts/internal/config"
	"tick-alerts/internal/dedup"
	"tick-alerts/internal/fetcher"
	"tick-alerts/internal/history"
	"tick-alerts/internal/metrics"
	"tick-alerts/internal/rules"
	"tick-alerts/internal/scheduler"
	"tick-alerts/internal/service"
	"tick-alerts/internal/storage"
	"tick-alerts/internal/stream"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// newDispatcher wires the configured notification adapters. Telegram serves
// the telegram channel; the webhook adapter serves push. Rules routed to a
// channel without an adapter surface as dispatch errors, not silent drops.
func (a *App) newDispatcher(mets *metrics.Metrics) *alerting.Dispatcher {
	channels := make(map[rules.Channel]alerting.Notifier)

	if tg := a.Config.Alerting.Telegram; tg.Enabled {
		timeout := tg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		channels[rules.ChannelTelegram] = alerting.NewTelegramNotifier(tg.BotToken, tg.ChatID, tg.APIBase, timeout, a.Logger)
	}

	if wh := a.Config.Alerting.Webhook; wh.Enabled {
		timeout := wh.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		channels[rules.ChannelPush] = alerting.NewWebhookNotifier(wh.URL, wh.Token, timeout, a.Logger)
	}

	breaker := alerting.BreakerOptions{
		ConsecutiveFailures: uint32(a.Config.Alerting.Breaker.ConsecutiveFailures),
		OpenTimeout:         a.Config.Alerting.Breaker.OpenTimeout,
	}
	return alerting.NewDispatcher(channels, breaker, mets, a.Logger)
}

func (a *App) newSeeder() fetcher.HistoryProvider {
	if a.Config.History.SeedBaseURL == "" {
		return nil
	}
	return fetcher.NewKlines(fetcher.KlinesOptions{
		BaseURL:  a.Config.History.SeedBaseURL,
		Interval: a.Config.History.SeedInterval,
		Timeout:  a.Config.History.SeedTimeout,
	}, a.Logger)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}

	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// newRegistry builds the rule registry against the configured document
// store and loads the persisted document.
func (a *App) newRegistry(ctx context.Context, store *storage.Store) (*rules.Registry, error) {
	var doc rules.DocStore
	switch a.Config.Rules.Store {
	case "postgres":
		if store == nil {
			return nil, errors.New("rules.store is postgres but database.dsn is not configured")
		}
		doc = storage.NewRuleDocStore(store)
	default:
		doc = rules.NewFileStore(a.Config.Rules.Path)
	}

	registry := rules.NewRegistry(doc, a.Logger)
	if err := registry.Load(ctx); err != nil {
		return nil, err
	}
	return registry, nil
}

// Run executes the long-running alert pipeline.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; alert history disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	registry, err := a.newRegistry(ctx, store)
	if err != nil {
		return err
	}

	mets := metrics.New(a.Config.Metrics.Prefix)
	gate := dedup.NewGate()
	registry.OnRemove(gate.Forget)

	streams := stream.NewManager(stream.Options{
		HandshakeTimeout: a.Config.Feed.HandshakeTimeout,
		ReadTimeout:      a.Config.Feed.ReadTimeout,
		BaseDelay:        a.Config.Feed.BaseDelay,
		CapDelay:         a.Config.Feed.CapDelay,
		MaxAttempts:      a.Config.Feed.MaxAttempts,
	}, mets, a.Logger)

	var audit storage.AlertStore
	if store != nil {
		audit = store
	}

	svc := service.New(
		a.Config,
		streams,
		history.NewStore(a.Config.History.Capacity),
		registry,
		gate,
		a.newDispatcher(mets),
		a.newSeeder(),
		audit,
		mets,
		a.Logger,
	)

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Maintenance.Interval,
		StartupDelay: a.Config.Maintenance.StartupDelay,
	}, a.Logger)
	go func() {
		if err := sched.Run(ctx, svc.Maintain(a.Config.Maintenance.AlertRetention)); err != nil && !errors.Is(err, context.Canceled) {
			a.Logger.Error().Err(err).Msg("maintenance loop terminated")
		}
	}()

	if a.Config.Metrics.Enabled {
		go a.serveMetrics(ctx, mets)
	}

	a.Logger.Info().Msg("starting alert pipeline")
	err = svc.Run(ctx, a.Config.App.Symbols)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("pipeline terminated with error")
		return err
	}

	// Final flush so triggers observed in the last maintenance window are
	// not lost on shutdown.
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer flushCancel()
	if err := registry.Flush(flushCtx); err != nil {
		a.Logger.Error().Err(err).Msg("final rules flush failed")
	}

	a.Logger.Info().Msg("alert pipeline stopped")
	return nil
}

func (a *App) serveMetrics(ctx context.Context, mets *metrics.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(mets.Registry, promhttp.HandlerOpts{}))

	server := &http.Server{Addr: a.Config.Metrics.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	a.Logger.Info().Str("addr", a.Config.Metrics.Addr).Msg("metrics endpoint listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.Logger.Error().Err(err).Msg("metrics server failed")
	}
}

// ExportOptions hold parameters for exporting the alert history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	Symbol    string
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// SimulateOptions configure a synthetic tick injection.
type SimulateOptions struct {
	Symbol string
	Price  float64
	Volume float64
}
