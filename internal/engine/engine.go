package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"liqwatcher/internal/alerting"
	"liqwatcher/internal/confluence"
	"liqwatcher/internal/layers"
	"liqwatcher/internal/observability"
	"liqwatcher/internal/provider"
	"liqwatcher/internal/rolling"
	"liqwatcher/internal/storage"
)

// LayerThresholds bundles per-layer threshold documents.
type LayerThresholds struct {
	InstitutionalBias layers.Thresholds
	FundingRate       layers.Thresholds
	TakerRatio        layers.Thresholds
	OIROC             layers.Thresholds
	LiqVolume         layers.Thresholds
	ETFFlow           layers.Thresholds
}

// Options tune the evaluation engine.
type Options struct {
	// Symbols are the base assets evaluated each cycle.
	Symbols []string
	// ETFAssets restricts the ETF flow layer to assets with listed
	// spot ETFs.
	ETFAssets []string
	// ETFLookbackDays bounds the flow history fetch.
	ETFLookbackDays int
	// SkewRatio is the dominant/minor side ratio beyond which the
	// liquidation layer reports a kill-switch trigger.
	SkewRatio float64
	// IntervalLabel names the evaluation cadence in alerts ("5m").
	IntervalLabel string
}

func (o Options) withDefaults() Options {
	if o.ETFLookbackDays <= 0 {
		o.ETFLookbackDays = 90
	}
	if o.SkewRatio <= 0 {
		o.SkewRatio = 2
	}
	if o.IntervalLabel == "" {
		o.IntervalLabel = "5m"
	}
	return o
}

// Engine runs the per-symbol evaluation cycle: fetch reference
// metrics, grade each threshold layer against rolling history, combine
// the signals, and alert on confluence.
type Engine struct {
	opts       Options
	thresholds LayerThresholds

	market   provider.MarketData
	history  *rolling.Store
	agg      *confluence.Aggregator
	acc      *Accumulator
	dedup    *alerting.Deduplicator
	notifier alerting.Notifier

	// Optional; both tolerate nil.
	metrics *observability.Metrics
	audit   storage.AlertStore
	samples storage.MetricSampleStore

	logger zerolog.Logger

	mu         sync.Mutex
	lastOI     map[string]provider.OpenInterestPoint
	lastETFDay map[string]time.Time
}

// Deps groups the engine's collaborators.
type Deps struct {
	Market   provider.MarketData
	History  *rolling.Store
	Agg      *confluence.Aggregator
	Acc      *Accumulator
	Dedup    *alerting.Deduplicator
	Notifier alerting.Notifier
	Metrics  *observability.Metrics
	Audit    storage.AlertStore
	Samples  storage.MetricSampleStore
}

// New constructs an evaluation engine.
func New(opts Options, thresholds LayerThresholds, deps Deps, logger zerolog.Logger) *Engine {
	return &Engine{
		opts:       opts.withDefaults(),
		thresholds: thresholds,
		market:     deps.Market,
		history:    deps.History,
		agg:        deps.Agg,
		acc:        deps.Acc,
		dedup:      deps.Dedup,
		notifier:   deps.Notifier,
		metrics:    deps.Metrics,
		audit:      deps.Audit,
		samples:    deps.Samples,
		logger:     logger.With().Str("component", "engine").Logger(),
		lastOI:     make(map[string]provider.OpenInterestPoint),
		lastETFDay: make(map[string]time.Time),
	}
}

// RunCycle evaluates every configured symbol for one bucket. Symbol
// failures are logged and do not abort the cycle.
func (e *Engine) RunCycle(ctx context.Context, bucket time.Time) error {
	volumes := e.acc.Flush()

	var failed int
	for _, symbol := range e.opts.Symbols {
		if err := e.evaluateSymbol(ctx, symbol, volumes[symbol], bucket); err != nil {
			failed++
			e.logger.Error().Err(err).Str("symbol", symbol).Msg("symbol evaluation failed")
			if e.metrics != nil {
				e.metrics.CyclesTotal.WithLabelValues("error").Inc()
			}
			continue
		}
		if e.metrics != nil {
			e.metrics.CyclesTotal.WithLabelValues("ok").Inc()
		}
	}

	if e.metrics != nil && failed < len(e.opts.Symbols) {
		e.metrics.LastSuccessfulCycle.SetToCurrentTime()
	}
	if failed == len(e.opts.Symbols) && len(e.opts.Symbols) > 0 {
		return fmt.Errorf("all %d symbols failed", failed)
	}
	return nil
}

func (e *Engine) evaluateSymbol(ctx context.Context, symbol string, volume SideVolume, bucket time.Time) error {
	signals := make([]layers.Signal, 0, 6)

	// Liquidation volume comes from the stream accumulator, never the
	// provider, so it is always available.
	liqSig := layers.EvaluateLiquidationVolume(e.history, symbol, volume.LongUSD, volume.ShortUSD, e.opts.SkewRatio, e.thresholds.LiqVolume, bucket)
	signals = append(signals, liqSig)
	e.record(ctx, symbol, layers.MetricLiqVolume, volume.Total(), bucket)

	if funding, err := e.market.FundingRate(ctx, symbol); err == nil {
		sig := layers.EvaluateFundingRate(e.history, symbol, funding.Rate, funding.IntervalHours, e.thresholds.FundingRate, bucket)
		signals = append(signals, sig)
		e.record(ctx, symbol, layers.MetricFundingBPS, sig.Observed, bucket)
	} else {
		e.logLayerSkip(symbol, layers.LayerFundingRate, err)
	}

	if taker, err := e.market.TakerVolume(ctx, symbol); err == nil {
		sig := layers.EvaluateTakerRatio(e.history, symbol, taker.BuyUSD, taker.SellUSD, e.thresholds.TakerRatio, bucket)
		signals = append(signals, sig)
		e.record(ctx, symbol, layers.MetricTakerRatio, sig.Observed, bucket)
	} else {
		e.logLayerSkip(symbol, layers.LayerTakerRatio, err)
	}

	if oi, err := e.market.OpenInterest(ctx, symbol); err == nil {
		e.mu.Lock()
		prev, hasPrev := e.lastOI[symbol]
		e.lastOI[symbol] = oi
		e.mu.Unlock()

		if hasPrev && prev.ValueUSD > 0 {
			priceChangePct := 0.0
			if prev.Price > 0 {
				priceChangePct = (oi.Price - prev.Price) / prev.Price * 100
			}
			sig := layers.EvaluateOIROC(e.history, symbol, oi.ValueUSD, prev.ValueUSD, priceChangePct, e.thresholds.OIROC, bucket)
			signals = append(signals, sig)
			e.record(ctx, symbol, layers.MetricOIROC, sig.Observed, bucket)
		}
	} else {
		e.logLayerSkip(symbol, layers.LayerOIROC, err)
	}

	if bias, err := e.market.InstitutionalBias(ctx, symbol); err == nil {
		// Centre the long/short ratio so 0 means balanced books.
		score := bias.LongShortRatio - 1
		sig := layers.EvaluateInstitutionalBias(e.history, symbol, score, e.thresholds.InstitutionalBias, bucket)
		signals = append(signals, sig)
		e.record(ctx, symbol, layers.MetricInstitutionalBias, score, bucket)
	} else {
		e.logLayerSkip(symbol, layers.LayerInstitutionalBias, err)
	}

	if e.hasETF(symbol) {
		if sig, ok := e.evaluateETF(ctx, symbol, bucket); ok {
			signals = append(signals, sig)
		}
	}

	result := e.agg.Evaluate(symbol, signals, bucket)
	e.publishMetrics(result)

	if result.Level == layers.LevelNone {
		return nil
	}
	return e.alert(ctx, result, volume)
}

// evaluateETF grades the latest daily net flow, recording each new
// day's magnitude exactly once.
func (e *Engine) evaluateETF(ctx context.Context, asset string, bucket time.Time) (layers.Signal, bool) {
	points, err := e.market.ETFFlows(ctx, asset, e.opts.ETFLookbackDays)
	if err != nil || len(points) == 0 {
		e.logLayerSkip(asset, layers.LayerETFFlow, err)
		return layers.Signal{}, false
	}

	latest := points[len(points)-1]
	sig := layers.EvaluateETFFlow(e.history, asset, latest.NetFlowUSD, e.thresholds.ETFFlow, bucket)

	e.mu.Lock()
	lastDay := e.lastETFDay[asset]
	isNewDay := latest.At.After(lastDay)
	if isNewDay {
		e.lastETFDay[asset] = latest.At
	}
	e.mu.Unlock()

	if isNewDay {
		magnitude := latest.NetFlowUSD
		if magnitude < 0 {
			magnitude = -magnitude
		}
		e.record(ctx, asset, layers.MetricETFFlow, magnitude, latest.At)
	}
	return sig, true
}

func (e *Engine) hasETF(symbol string) bool {
	for _, asset := range e.opts.ETFAssets {
		if asset == symbol {
			return true
		}
	}
	return false
}

// record appends the observation to in-memory history and, when a
// database is configured, to the audit trail.
func (e *Engine) record(ctx context.Context, symbol, metric string, value float64, bucket time.Time) {
	e.history.Record(symbol, metric, value, bucket)

	if e.samples == nil {
		return
	}
	sample := storage.MetricSample{Bucket: bucket, Symbol: symbol, Metric: metric, Value: value}
	if err := e.samples.UpsertMetricSample(ctx, sample); err != nil {
		e.logger.Warn().Err(err).Str("symbol", symbol).Str("metric", metric).Msg("persist metric sample failed")
	}
}

func (e *Engine) publishMetrics(result confluence.Result) {
	if e.metrics == nil {
		return
	}
	e.metrics.ConfluenceScore.WithLabelValues(result.Symbol).Set(result.Score)
	active := 0.0
	if result.KillSwitchActive {
		active = 1
	}
	e.metrics.KillSwitchActive.WithLabelValues(result.Symbol).Set(active)
	for _, sig := range result.Triggered {
		e.metrics.LayerSignals.WithLabelValues(sig.Layer, sig.Level.String()).Inc()
	}
}

func (e *Engine) alert(ctx context.Context, result confluence.Result, volume SideVolume) error {
	if !e.dedup.ShouldSend(result.Symbol, "confluence", e.opts.IntervalLabel, result.At) {
		if e.metrics != nil {
			e.metrics.AlertsSuppressed.Inc()
		}
		return nil
	}

	triggered := make([]alerting.TriggeredLayer, 0, len(result.Triggered))
	for _, sig := range result.Triggered {
		triggered = append(triggered, alerting.TriggeredLayer{
			Layer:     sig.Layer,
			Level:     sig.Level.String(),
			Direction: string(sig.Direction),
			Observed:  sig.Observed,
			Threshold: sig.Threshold,
		})
	}

	note := alerting.Notification{
		Symbol:      result.Symbol,
		SignalType:  "confluence",
		Interval:    e.opts.IntervalLabel,
		Level:       result.Level.String(),
		Score:       result.Score,
		NotionalUSD: decimal.NewFromFloat(volume.Total()),
		Layers:      triggered,
		KillSwitch:  result.KillSwitchActive,
		Bucket:      result.At,
	}

	if e.notifier != nil {
		if err := e.notifier.Notify(ctx, note); err != nil {
			return fmt.Errorf("notify: %w", err)
		}
		if e.metrics != nil {
			e.metrics.AlertsSent.WithLabelValues(result.Level.String()).Inc()
		}
	}

	if e.audit != nil {
		record := storage.AlertRecord{
			Symbol:      result.Symbol,
			SignalType:  "confluence",
			Interval:    e.opts.IntervalLabel,
			Level:       result.Level.String(),
			Score:       result.Score,
			NotionalUSD: note.NotionalUSD,
			KillSwitch:  result.KillSwitchActive,
			Bucket:      result.At,
		}
		if _, err := e.audit.InsertAlert(ctx, record); err != nil {
			e.logger.Warn().Err(err).Str("symbol", result.Symbol).Msg("persist alert failed")
		}
	}
	return nil
}

func (e *Engine) logLayerSkip(symbol, layer string, err error) {
	evt := e.logger.Debug().Str("symbol", symbol).Str("layer", layer)
	if err != nil {
		evt = evt.Err(err)
		if !provider.IsTransient(err) {
			evt = e.logger.Warn().Str("symbol", symbol).Str("layer", layer).Err(err)
		}
	}
	evt.Msg("layer skipped this cycle")
}
