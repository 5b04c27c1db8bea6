package verification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"liqwatcher/internal/provider"
	"liqwatcher/internal/stream"
)

// Skip reasons. Callers treat both as normal flow, not failures.
var (
	ErrBelowMinNotional = errors.New("verification: notional below threshold")
	ErrAlreadyVerified  = errors.New("verification: duplicate within minute bucket")
)

// Breakdown itemises the confidence score. Each component contributes
// up to 25 points.
type Breakdown struct {
	DataAvailability  float64
	VolumeConsistency float64
	TrendAlignment    float64
	ExchangeScore     float64
}

// Report is the outcome of verifying one large liquidation event.
type Report struct {
	Event      stream.LiquidationEvent
	Confidence float64
	Breakdown  Breakdown
	Candidates []string
	VerifiedAt time.Time
}

// Options tune the verification engine.
type Options struct {
	MinNotionalUSD decimal.Decimal
	QueryTimeout   time.Duration
	CacheTTL       time.Duration
}

func (o Options) withDefaults() Options {
	if o.MinNotionalUSD.IsZero() {
		o.MinNotionalUSD = decimal.NewFromInt(50_000)
	}
	if o.QueryTimeout <= 0 {
		o.QueryTimeout = 10 * time.Second
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 10 * time.Minute
	}
	return o
}

// exchangeScores ranks venues by data reliability. Unknown venues get
// a conservative default.
var exchangeScores = map[string]float64{
	"Binance": 25,
	"OKX":     22,
	"Bybit":   20,
	"Bitget":  15,
	"HTX":     12,
}

const defaultExchangeScore = 8

type cacheKey struct {
	symbol   string
	exchange string
	minute   int64
}

// Engine cross-checks large liquidation events against independent
// market data and scores how trustworthy each one looks.
type Engine struct {
	opts   Options
	market provider.MarketData
	logger zerolog.Logger

	mu   sync.Mutex
	seen map[cacheKey]time.Time
	// lastOI keeps the previous open-interest observation per symbol so
	// trend alignment can compare consecutive readings.
	lastOI map[string]provider.OpenInterestPoint

	now func() time.Time
}

// NewEngine constructs a verification engine.
func NewEngine(opts Options, market provider.MarketData, logger zerolog.Logger) *Engine {
	return &Engine{
		opts:   opts.withDefaults(),
		market: market,
		logger: logger.With().Str("component", "verification").Logger(),
		seen:   make(map[cacheKey]time.Time),
		lastOI: make(map[string]provider.OpenInterestPoint),
		now:    time.Now,
	}
}

// Verify scores one event. Events below the notional threshold and
// repeats of a (symbol, exchange, minute) already verified within the
// cache TTL are skipped with the corresponding sentinel error.
func (e *Engine) Verify(ctx context.Context, event stream.LiquidationEvent) (*Report, error) {
	if event.VolumeUSD.LessThan(e.opts.MinNotionalUSD) {
		return nil, ErrBelowMinNotional
	}

	now := e.now().UTC()
	key := cacheKey{
		symbol:   event.BaseAsset,
		exchange: event.Exchange,
		minute:   event.Time.Truncate(time.Minute).Unix(),
	}

	e.mu.Lock()
	e.pruneLocked(now)
	if _, dup := e.seen[key]; dup {
		e.mu.Unlock()
		return nil, ErrAlreadyVerified
	}
	e.seen[key] = now.Add(e.opts.CacheTTL)
	e.mu.Unlock()

	snap := e.collect(ctx, event.BaseAsset)
	prevOI := e.swapLastOI(event.BaseAsset, snap.oi)

	breakdown := Breakdown{
		DataAvailability:  availabilityScore(snap),
		VolumeConsistency: volumeScore(event, snap),
		TrendAlignment:    trendScore(snap, prevOI),
		ExchangeScore:     exchangeScore(event.Exchange),
	}

	confidence := breakdown.DataAvailability + breakdown.VolumeConsistency +
		breakdown.TrendAlignment + breakdown.ExchangeScore
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 100 {
		confidence = 100
	}

	report := &Report{
		Event:      event,
		Confidence: confidence,
		Breakdown:  breakdown,
		Candidates: candidates(event, confidence),
		VerifiedAt: now,
	}

	e.logger.Info().
		Str("pair", event.Pair).
		Str("exchange", event.Exchange).
		Str("side", event.Side.String()).
		Str("notional_usd", event.VolumeUSD.StringFixed(0)).
		Float64("confidence", confidence).
		Msg("event verified")

	return report, nil
}

// swapLastOI records the newest open-interest reading and returns the
// one it replaced, nil on first sight of the symbol.
func (e *Engine) swapLastOI(symbol string, oi *provider.OpenInterestPoint) *provider.OpenInterestPoint {
	if oi == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	var prev *provider.OpenInterestPoint
	if p, ok := e.lastOI[symbol]; ok {
		prev = &p
	}
	e.lastOI[symbol] = *oi
	return prev
}

func (e *Engine) pruneLocked(now time.Time) {
	for k, expiry := range e.seen {
		if now.After(expiry) {
			delete(e.seen, k)
		}
	}
}

// snapshot holds whatever reference data the concurrent queries could
// fetch; missing pieces stay nil and cost availability points.
type snapshot struct {
	funding *provider.FundingSample
	oi      *provider.OpenInterestPoint
	taker   *provider.TakerVolume
	liq     *provider.LiquidationStat
}

// collect queries the reference endpoints concurrently, tolerating
// partial failure. A slow or broken endpoint reduces confidence rather
// than failing verification.
func (e *Engine) collect(ctx context.Context, symbol string) snapshot {
	ctx, cancel := context.WithTimeout(ctx, e.opts.QueryTimeout)
	defer cancel()

	var snap snapshot
	var wg sync.WaitGroup
	wg.Add(4)

	go func() {
		defer wg.Done()
		if s, err := e.market.FundingRate(ctx, symbol); err == nil {
			snap.funding = &s
		} else {
			e.logger.Debug().Err(err).Str("symbol", symbol).Msg("funding query failed")
		}
	}()
	go func() {
		defer wg.Done()
		if p, err := e.market.OpenInterest(ctx, symbol); err == nil {
			snap.oi = &p
		} else {
			e.logger.Debug().Err(err).Str("symbol", symbol).Msg("open interest query failed")
		}
	}()
	go func() {
		defer wg.Done()
		if v, err := e.market.TakerVolume(ctx, symbol); err == nil {
			snap.taker = &v
		} else {
			e.logger.Debug().Err(err).Str("symbol", symbol).Msg("taker volume query failed")
		}
	}()
	go func() {
		defer wg.Done()
		if l, err := e.market.LiquidationHistory(ctx, symbol); err == nil {
			snap.liq = &l
		} else {
			e.logger.Debug().Err(err).Str("symbol", symbol).Msg("liquidation history query failed")
		}
	}()

	wg.Wait()
	return snap
}

func availabilityScore(snap snapshot) float64 {
	available := 0
	if snap.funding != nil {
		available++
	}
	if snap.oi != nil {
		available++
	}
	if snap.taker != nil {
		available++
	}
	if snap.liq != nil {
		available++
	}
	return float64(available) / 4 * 25
}

// volumeScore checks the streamed notional against the independent
// per-side aggregate: a single event larger than the whole interval's
// reported volume is suspicious.
func volumeScore(event stream.LiquidationEvent, snap snapshot) float64 {
	if snap.liq == nil {
		return 0
	}
	sideTotal := snap.liq.LongUSD
	if event.Side == stream.SideShort {
		sideTotal = snap.liq.ShortUSD
	}
	notional, _ := event.VolumeUSD.Float64()
	switch {
	case sideTotal <= 0:
		return 5
	case notional <= sideTotal:
		return 25
	case notional <= sideTotal*2:
		return 15
	default:
		return 5
	}
}

// trendScore rewards events that coincide with contracting open
// interest: a genuine cascade closes positions, so OI should fall
// between consecutive readings. Without a prior reading the direction
// is unknown and scores neutral.
func trendScore(snap snapshot, prev *provider.OpenInterestPoint) float64 {
	if snap.oi == nil {
		return 0
	}
	if prev == nil || prev.ValueUSD <= 0 {
		return 10
	}
	if snap.oi.ValueUSD < prev.ValueUSD {
		return 25
	}
	return 10
}

func exchangeScore(exchange string) float64 {
	if score, ok := exchangeScores[exchange]; ok {
		return score
	}
	return defaultExchangeScore
}

// candidates produces human-readable findings for the alert pipeline.
func candidates(event stream.LiquidationEvent, confidence float64) []string {
	out := []string{
		fmt.Sprintf("%s %s on %s: $%s at %s",
			event.Pair, event.Side, event.Exchange,
			event.VolumeUSD.StringFixed(0), event.Price.StringFixed(2)),
	}
	if confidence < 50 {
		out = append(out, "low confidence: independent data did not corroborate this event")
	}
	return out
}
