package app

import (
	"context"
	"errors"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"liqwatcher/internal/alerting"
	"liqwatcher/internal/config"
	"liqwatcher/internal/confluence"
	"liqwatcher/internal/dispatch"
	"liqwatcher/internal/engine"
	"liqwatcher/internal/observability"
	"liqwatcher/internal/provider"
	"liqwatcher/internal/rolling"
	"liqwatcher/internal/scheduler"
	"liqwatcher/internal/service"
	"liqwatcher/internal/storage"
	"liqwatcher/internal/stream"
	"liqwatcher/internal/verification"
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

func (a *App) newMarketData(metrics *observability.Metrics) provider.MarketData {
	opts := provider.HTTPOptions{
		BaseURL:   a.Config.Provider.BaseURL,
		APIKey:    a.Config.Provider.APIKey,
		Timeout:   a.Config.Provider.RequestTimeout,
		UserAgent: a.Config.Provider.UserAgent,
	}
	if metrics != nil {
		opts.Observe = func(path string, status int, elapsed time.Duration) {
			metrics.ProviderCalls.WithLabelValues(path, strconv.Itoa(status)).Inc()
			metrics.ProviderLatency.WithLabelValues(path).Observe(elapsed.Seconds())
		}
	}
	return provider.NewHTTPClient(opts, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
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
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) layerThresholds() engine.LayerThresholds {
	return engine.LayerThresholds{
		InstitutionalBias: a.Config.Layers.InstitutionalBias,
		FundingRate:       a.Config.Layers.FundingRate,
		TakerRatio:        a.Config.Layers.TakerRatio,
		OIROC:             a.Config.Layers.OIROC,
		LiqVolume:         a.Config.Layers.LiqVolume,
		ETFFlow:           a.Config.Layers.ETFFlow,
	}
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	var metrics *observability.Metrics
	if a.Config.Observability.Enabled {
		metrics = observability.NewMetrics(a.Config.App.Name)
		go func() {
			if err := observability.Serve(ctx, a.Config.Observability.ListenAddr, a.Logger); err != nil && !errors.Is(err, context.Canceled) {
				a.Logger.Error().Err(err).Msg("metrics endpoint failed")
			}
		}()
	}

	market := a.newMarketData(metrics)
	notifier := a.newNotifier()
	if notifier == nil && a.Config.Alerting.Enabled {
		a.Logger.Warn().Msg("alerting enabled but no channel configured")
	}
	if !a.Config.Alerting.Enabled {
		notifier = nil
	}

	history := rolling.NewStore(rolling.Config{
		Capacity:   a.Config.Rolling.Capacity,
		MinSamples: a.Config.Rolling.MinSamples,
		CacheTTL:   a.Config.Rolling.CacheTTL,
	}, a.Logger)

	agg := confluence.New(confluence.Options{
		WatchMin:           a.Config.Confluence.WatchMin,
		ActionMin:          a.Config.Confluence.ActionMin,
		KillSwitchCooldown: a.Config.Confluence.KillSwitchCooldown,
	}, a.Logger)

	dedup := alerting.NewDeduplicator(a.Config.Alerting.DedupTTL, a.Config.Alerting.DedupBucket, a.Logger)

	verifier := verification.NewEngine(verification.Options{
		MinNotionalUSD: decimal.NewFromFloat(a.Config.Verification.MinNotionalUSD),
		QueryTimeout:   a.Config.Verification.QueryTimeout,
		CacheTTL:       a.Config.Verification.CacheTTL,
	}, market, a.Logger)

	acc := engine.NewAccumulator()

	dispatchOpts := dispatch.Options{
		QueueSize:       a.Config.Dispatcher.QueueSize,
		ConsumerTimeout: a.Config.Dispatcher.ConsumerTimeout,
	}
	if metrics != nil {
		dispatchOpts.Observe = func(consumer string, elapsed time.Duration, err error) {
			metrics.ConsumerDuration.WithLabelValues(consumer).Observe(elapsed.Seconds())
			if err != nil {
				metrics.ConsumerErrors.WithLabelValues(consumer).Inc()
			}
		}
	}
	dispatcher := dispatch.New(dispatchOpts, a.Logger)
	dispatcher.Register(engine.NewStatsRecorder(acc, metrics))
	dispatcher.Register(engine.NewVerifier(verifier, notifier, dedup, metrics, a.Config.Verification.MinConfidence, a.Logger))

	manager := stream.NewManager(stream.Options{
		URL:              a.Config.Stream.URL,
		Channels:         a.Config.Stream.Channels,
		PingInterval:     a.Config.Stream.PingInterval,
		HandshakeTimeout: a.Config.Stream.HandshakeTimeout,
		WriteTimeout:     a.Config.Stream.WriteTimeout,
		InitialBackoff:   a.Config.Stream.InitialBackoff,
		MaxBackoff:       a.Config.Stream.MaxBackoff,
		JitterMax:        a.Config.Stream.JitterMax,
	}, dispatcher, a.Logger)

	var alertStore storage.AlertStore
	var sampleStore storage.MetricSampleStore
	var locker storage.AdvisoryLocker
	if store != nil {
		alertStore = store
		sampleStore = store
		locker = store
	}

	eng := engine.New(engine.Options{
		Symbols:         a.Config.App.Symbols,
		ETFAssets:       a.Config.Layers.ETFAssets,
		ETFLookbackDays: a.Config.Layers.ETFLookbackDays,
		SkewRatio:       a.Config.Layers.SkewRatio,
		IntervalLabel:   a.Config.Scheduler.Interval.String(),
	}, a.layerThresholds(), engine.Deps{
		Market:   market,
		History:  history,
		Agg:      agg,
		Acc:      acc,
		Dedup:    dedup,
		Notifier: notifier,
		Metrics:  metrics,
		Audit:    alertStore,
		Samples:  sampleStore,
	}, a.Logger)

	sched := scheduler.New(scheduler.Options{
		Interval:       a.Config.Scheduler.Interval,
		AlignToBucket:  a.Config.Scheduler.AlignToBucket,
		StartupDelay:   a.Config.Scheduler.StartupDelay,
		RunImmediately: a.Config.Scheduler.RunImmediately,
	}, a.Logger)

	svc := service.New(sched, manager, dispatcher, eng, locker, a.Config.Scheduler.AdvisoryLockKey, a.Logger)

	if metrics != nil {
		go publishRuntimeStats(ctx, metrics, manager, dispatcher)
	}

	a.Logger.Info().Strs("symbols", a.Config.App.Symbols).Msg("starting monitoring service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// publishRuntimeStats mirrors the stream and dispatcher internal
// counters into Prometheus every few seconds. Counters carry deltas so
// the exported totals stay monotonic.
func publishRuntimeStats(ctx context.Context, metrics *observability.Metrics, manager *stream.Manager, dispatcher *dispatch.Dispatcher) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	var lastDropped, lastMalformed, lastReconnects uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.StreamLatency.Set(manager.Latency().Seconds())
			metrics.QueueDepth.Set(float64(dispatcher.Depth()))

			dropped := manager.DroppedEvents() + dispatcher.Dropped()
			metrics.EventsDropped.Add(float64(dropped - lastDropped))
			lastDropped = dropped

			malformed := manager.MalformedFrames()
			metrics.MalformedFrames.Add(float64(malformed - lastMalformed))
			lastMalformed = malformed

			reconnects := manager.Reconnects()
			metrics.Reconnects.Add(float64(reconnects - lastReconnects))
			lastReconnects = reconnects
		}
	}
}

// ExportOptions hold parameters for exporting metric history.
type ExportOptions struct {
	Symbol    string
	Metric    string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// SimulateOptions describe a hand-crafted liquidation event.
type SimulateOptions struct {
	Exchange    string
	Symbol      string
	Pair        string
	Side        string
	Price       decimal.Decimal
	NotionalUSD decimal.Decimal
}
