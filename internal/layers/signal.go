package layers

import "time"

// Level grades a layer observation.
type Level int

const (
	LevelNone Level = iota
	LevelWatch
	LevelAction
)

// String implements fmt.Stringer.
func (l Level) String() string {
	switch l {
	case LevelWatch:
		return "watch"
	case LevelAction:
		return "action"
	default:
		return "none"
	}
}

// Metric names recorded in the rolling store. One window exists per
// (symbol, metric) pair.
const (
	MetricInstitutionalBias = "institutional_bias"
	MetricFundingBPS        = "funding_rate_bps"
	MetricTakerRatio        = "taker_ratio"
	MetricOIROC             = "oi_roc_abs"
	MetricLiqVolume         = "liquidation_volume_usd"
	MetricETFFlow           = "etf_net_flow_usd"
)

// Direction disambiguates which side of the market a signal favours.
type Direction string

const (
	DirectionNeutral Direction = "neutral"
	DirectionBullish Direction = "bullish"
	DirectionBearish Direction = "bearish"
)

// Signal is one layer's graded verdict for a single evaluation cycle.
// Produced fresh every cycle; never persisted.
type Signal struct {
	Layer     string
	Level     Level
	Direction Direction
	// Observed is the current value the layer graded.
	Observed float64
	// Threshold is the effective bar the observation was held against.
	Threshold float64
	// Percentile is the rank used to derive Threshold, when adaptive.
	Percentile *float64
	// ZScore is set by layers that grade by deviation.
	ZScore *float64
	// KillSwitch marks a liquidation-side skew that must suppress
	// confluence output.
	KillSwitch bool
	At         time.Time
}

// Triggered reports whether the layer contributes to confluence.
func (s Signal) Triggered() bool {
	return s.Level != LevelNone
}

// History is the read side of the rolling statistics store that
// evaluators consume.
type History interface {
	Count(symbol, metric string) int
	Percentile(symbol, metric string, p float64) (float64, error)
	ZScore(symbol, metric string, value float64) (float64, error)
	MovingAverage(symbol, metric string, n int) (float64, error)
}

// Thresholds is the per-layer configuration document. Percentile bars
// adapt to history; absolute bars serve as fallbacks when history is
// thin; floors stop a quiet window from producing an unrealistically
// low bar.
type Thresholds struct {
	PWatch      float64 `mapstructure:"p_watch"`
	PAction     float64 `mapstructure:"p_action"`
	AbsWatch    float64 `mapstructure:"abs_watch"`
	AbsAction   float64 `mapstructure:"abs_action"`
	FloorWatch  float64 `mapstructure:"floor_watch"`
	FloorAction float64 `mapstructure:"floor_action"`
	// ZWatch/ZAction grade deviation-based layers.
	ZWatch  float64 `mapstructure:"z_watch"`
	ZAction float64 `mapstructure:"z_action"`
	// MAWindow/MultWatch/MultAction drive the ETF moving-average rule.
	MAWindow   int     `mapstructure:"ma_window"`
	MultWatch  float64 `mapstructure:"mult_watch"`
	MultAction float64 `mapstructure:"mult_action"`
	// Lookback documents the window span behind the percentiles.
	Lookback time.Duration `mapstructure:"lookback"`
}
