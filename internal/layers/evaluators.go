package layers

import (
	"math"
	"time"
)

// Layer names reported in signals and alert text.
const (
	LayerInstitutionalBias = "institutional_bias"
	LayerFundingRate       = "funding_rate"
	LayerTakerRatio        = "taker_ratio"
	LayerOIROC             = "oi_roc"
	LayerLiqVolume         = "liquidation_volume"
	LayerETFFlow           = "etf_flow"
)

// adaptiveBar derives the effective threshold for one level: the
// percentile of history when available, clamped by the floor, else the
// absolute fallback. The returned pointer carries the percentile rank
// actually used, nil when falling back.
func adaptiveBar(h History, symbol, metric string, p, abs, floor float64) (float64, *float64) {
	value, err := h.Percentile(symbol, metric, p)
	if err != nil {
		return abs, nil
	}
	if value < floor {
		value = floor
	}
	rank := p
	return value, &rank
}

// grade asserts magnitude against watch/action bars.
func grade(magnitude, watchBar, actionBar float64) Level {
	switch {
	case magnitude >= actionBar:
		return LevelAction
	case magnitude >= watchBar:
		return LevelWatch
	default:
		return LevelNone
	}
}

// usedBar reports the bar belonging to the granted level, defaulting to
// the watch bar when nothing triggered.
func usedBar(level Level, watchBar, actionBar float64) float64 {
	if level == LevelAction {
		return actionBar
	}
	return watchBar
}

// EvaluateInstitutionalBias grades the institutional bias score by
// z-score against history when at least minZSamples exist, else by
// absolute magnitude.
func EvaluateInstitutionalBias(h History, symbol string, bias float64, cfg Thresholds, at time.Time) Signal {
	const minZSamples = 10

	sig := Signal{
		Layer:    LayerInstitutionalBias,
		Observed: bias,
		At:       at,
	}
	if bias > 0 {
		sig.Direction = DirectionBullish
	} else if bias < 0 {
		sig.Direction = DirectionBearish
	} else {
		sig.Direction = DirectionNeutral
	}

	if h.Count(symbol, MetricInstitutionalBias) >= minZSamples {
		if z, err := h.ZScore(symbol, MetricInstitutionalBias, bias); err == nil {
			sig.ZScore = &z
			sig.Level = grade(z, cfg.ZWatch, cfg.ZAction)
			sig.Threshold = usedBar(sig.Level, cfg.ZWatch, cfg.ZAction)
			return sig
		}
	}

	sig.Level = grade(math.Abs(bias), cfg.AbsWatch, cfg.AbsAction)
	sig.Threshold = usedBar(sig.Level, cfg.AbsWatch, cfg.AbsAction)
	return sig
}

// NormalizeFundingBPS converts a raw funding rate for the given interval
// into basis points per 8 hours, preserving sign.
func NormalizeFundingBPS(rawRate, intervalHours float64) float64 {
	if intervalHours <= 0 {
		intervalHours = 8
	}
	return rawRate * (8 / intervalHours) * 10000
}

// EvaluateFundingRate grades the normalized funding rate magnitude
// against rolling p85/p95 bars with absolute bps fallbacks.
func EvaluateFundingRate(h History, symbol string, rawRate, intervalHours float64, cfg Thresholds, at time.Time) Signal {
	bps := NormalizeFundingBPS(rawRate, intervalHours)

	watchBar, rank := adaptiveBar(h, symbol, MetricFundingBPS, cfg.PWatch, cfg.AbsWatch, cfg.FloorWatch)
	actionBar, _ := adaptiveBar(h, symbol, MetricFundingBPS, cfg.PAction, cfg.AbsAction, cfg.FloorAction)

	level := grade(math.Abs(bps), watchBar, actionBar)
	dir := DirectionNeutral
	if level != LevelNone {
		// Positive funding means longs pay shorts: crowded longs.
		if bps > 0 {
			dir = DirectionBullish
		} else {
			dir = DirectionBearish
		}
	}

	return Signal{
		Layer:      LayerFundingRate,
		Level:      level,
		Direction:  dir,
		Observed:   bps,
		Threshold:  usedBar(level, watchBar, actionBar),
		Percentile: rank,
		At:         at,
	}
}

// TakerRatio computes aggregate taker buy volume over sell volume with
// the sell side clamped to at least 1 to avoid division blowups.
func TakerRatio(buyVolume, sellVolume float64) float64 {
	return buyVolume / math.Max(1, sellVolume)
}

// EvaluateTakerRatio grades the buy/sell ratio against an upper
// (bullish) percentile band and its mirrored lower (bearish) band
// around 1.0: ratio >= band triggers bullish, ratio <= 2-band bearish.
func EvaluateTakerRatio(h History, symbol string, buyVolume, sellVolume float64, cfg Thresholds, at time.Time) Signal {
	ratio := TakerRatio(buyVolume, sellVolume)

	watchHigh, rank := adaptiveBar(h, symbol, MetricTakerRatio, cfg.PWatch, cfg.AbsWatch, cfg.FloorWatch)
	actionHigh, _ := adaptiveBar(h, symbol, MetricTakerRatio, cfg.PAction, cfg.AbsAction, cfg.FloorAction)

	sig := Signal{
		Layer:      LayerTakerRatio,
		Direction:  DirectionNeutral,
		Observed:   ratio,
		Percentile: rank,
		At:         at,
	}

	switch {
	case ratio >= actionHigh:
		sig.Level, sig.Direction, sig.Threshold = LevelAction, DirectionBullish, actionHigh
	case ratio <= 2-actionHigh:
		sig.Level, sig.Direction, sig.Threshold = LevelAction, DirectionBearish, 2-actionHigh
	case ratio >= watchHigh:
		sig.Level, sig.Direction, sig.Threshold = LevelWatch, DirectionBullish, watchHigh
	case ratio <= 2-watchHigh:
		sig.Level, sig.Direction, sig.Threshold = LevelWatch, DirectionBearish, 2-watchHigh
	default:
		sig.Threshold = watchHigh
	}
	return sig
}

// OIRateOfChange returns (now-prev)/prev, zero when prev is zero.
func OIRateOfChange(oiNow, oiPrev float64) float64 {
	if oiPrev == 0 {
		return 0
	}
	return (oiNow - oiPrev) / oiPrev
}

// EvaluateOIROC grades the open-interest rate of change against the
// rolling percentile of absolute ROC, using price direction to separate
// long-building from short-building.
func EvaluateOIROC(h History, symbol string, oiNow, oiPrev, priceChangePct float64, cfg Thresholds, at time.Time) Signal {
	roc := OIRateOfChange(oiNow, oiPrev)

	watchBar, rank := adaptiveBar(h, symbol, MetricOIROC, cfg.PWatch, cfg.AbsWatch, cfg.FloorWatch)
	actionBar, _ := adaptiveBar(h, symbol, MetricOIROC, cfg.PAction, cfg.AbsAction, cfg.FloorAction)

	level := grade(math.Abs(roc), watchBar, actionBar)

	// Rising OI with rising price = longs building; rising OI with
	// falling price = shorts building. Falling OI is position unwind
	// and takes the direction of the price move.
	dir := DirectionNeutral
	if level != LevelNone {
		switch {
		case roc > 0 && priceChangePct >= 0:
			dir = DirectionBullish
		case roc > 0 && priceChangePct < 0:
			dir = DirectionBearish
		case roc < 0 && priceChangePct >= 0:
			dir = DirectionBullish
		default:
			dir = DirectionBearish
		}
	}

	return Signal{
		Layer:      LayerOIROC,
		Level:      level,
		Direction:  dir,
		Observed:   roc,
		Threshold:  usedBar(level, watchBar, actionBar),
		Percentile: rank,
		At:         at,
	}
}

// EvaluateLiquidationVolume grades the coin-aggregated long+short
// liquidation notional of the sampling interval against rolling
// p95/p99. A side skew beyond skewRatio is reported as a kill-switch
// trigger regardless of the graded level.
func EvaluateLiquidationVolume(h History, symbol string, longUSD, shortUSD, skewRatio float64, cfg Thresholds, at time.Time) Signal {
	total := longUSD + shortUSD

	watchBar, rank := adaptiveBar(h, symbol, MetricLiqVolume, cfg.PWatch, cfg.AbsWatch, cfg.FloorWatch)
	actionBar, _ := adaptiveBar(h, symbol, MetricLiqVolume, cfg.PAction, cfg.AbsAction, cfg.FloorAction)

	level := grade(total, watchBar, actionBar)

	dir := DirectionNeutral
	if level != LevelNone {
		// Long liquidations are forced sells; dominance is bearish.
		if longUSD > shortUSD {
			dir = DirectionBearish
		} else if shortUSD > longUSD {
			dir = DirectionBullish
		}
	}

	dominant, minor := longUSD, shortUSD
	if shortUSD > longUSD {
		dominant, minor = shortUSD, longUSD
	}
	skewed := dominant > 0 && dominant/math.Max(1, minor) > skewRatio

	return Signal{
		Layer:      LayerLiqVolume,
		Level:      level,
		Direction:  dir,
		Observed:   total,
		Threshold:  usedBar(level, watchBar, actionBar),
		Percentile: rank,
		KillSwitch: skewed,
		At:         at,
	}
}

// EvaluateETFFlow grades an asset-class net ETF flow: watch/action when
// the absolute flow exceeds the recent moving average times the
// configured multiplier, or action when it clears the long-window
// percentile bar. Either condition alone is sufficient for action.
func EvaluateETFFlow(h History, asset string, netFlow float64, cfg Thresholds, at time.Time) Signal {
	maWindow := cfg.MAWindow
	if maWindow <= 0 {
		maWindow = 7
	}

	sig := Signal{
		Layer:    LayerETFFlow,
		Observed: netFlow,
		At:       at,
	}
	if netFlow > 0 {
		sig.Direction = DirectionBullish
	} else if netFlow < 0 {
		sig.Direction = DirectionBearish
	} else {
		sig.Direction = DirectionNeutral
	}

	magnitude := math.Abs(netFlow)

	var maWatch, maAction float64
	if ma, err := h.MovingAverage(asset, MetricETFFlow, maWindow); err == nil {
		base := math.Abs(ma)
		maWatch = base * cfg.MultWatch
		maAction = base * cfg.MultAction
	} else {
		maWatch, maAction = cfg.AbsWatch, cfg.AbsAction
	}

	level := grade(magnitude, maWatch, maAction)
	threshold := usedBar(level, maWatch, maAction)

	if pctBar, err := h.Percentile(asset, MetricETFFlow, cfg.PAction); err == nil {
		if magnitude >= pctBar && level != LevelAction {
			level = LevelAction
			threshold = pctBar
			rank := cfg.PAction
			sig.Percentile = &rank
		}
	}

	sig.Level = level
	sig.Threshold = threshold
	if level == LevelNone {
		sig.Direction = DirectionNeutral
	}
	return sig
}
