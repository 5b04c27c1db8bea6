package layers

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"liqwatcher/internal/rolling"
)

func newHistory(t *testing.T) *rolling.Store {
	t.Helper()
	return rolling.NewStore(rolling.Config{Capacity: 2000, MinSamples: 20, CacheTTL: time.Minute}, zerolog.Nop())
}

func fundingCfg() Thresholds {
	return Thresholds{
		PWatch: 85, PAction: 95,
		AbsWatch: 5, AbsAction: 10,
		FloorWatch: 2, FloorAction: 4,
	}
}

func TestFundingNormalization(t *testing.T) {
	// 0.0001 per 8h = 1 bps/8h, sign preserved.
	if got := NormalizeFundingBPS(0.0001, 8); got != 1 {
		t.Fatalf("expected 1 bps, got %f", got)
	}
	if got := NormalizeFundingBPS(-0.0001, 4); got != -2 {
		t.Fatalf("expected -2 bps for 4h interval, got %f", got)
	}
}

func TestFundingSpikeTriggersAction(t *testing.T) {
	h := newHistory(t)
	// 100 samples clustered near 3 bps/8h.
	for i := 0; i < 100; i++ {
		h.Record("BTC", MetricFundingBPS, 3+float64(i%5)*0.01, time.Now())
	}

	// 12 bps/8h spike exceeds the absolute action threshold (10) and
	// the adaptive p95 bar alike.
	sig := EvaluateFundingRate(h, "BTC", 0.0012, 8, fundingCfg(), time.Now())
	if sig.Level != LevelAction {
		t.Fatalf("12 bps spike should grade action, got %s", sig.Level)
	}
	if sig.Direction != DirectionBullish {
		t.Fatalf("positive funding spike should read bullish, got %s", sig.Direction)
	}
}

func TestFundingFallbackWithoutHistory(t *testing.T) {
	h := newHistory(t)

	sig := EvaluateFundingRate(h, "BTC", 0.0012, 8, fundingCfg(), time.Now())
	if sig.Level != LevelAction {
		t.Fatalf("absolute fallback should still grade action, got %s", sig.Level)
	}
	if sig.Percentile != nil {
		t.Fatal("fallback path must not report a percentile rank")
	}

	quiet := EvaluateFundingRate(h, "BTC", 0.0001, 8, fundingCfg(), time.Now())
	if quiet.Level != LevelNone {
		t.Fatalf("1 bps should grade none, got %s", quiet.Level)
	}
}

func TestTakerRatioWatch(t *testing.T) {
	h := newHistory(t)
	// Historical ratios clustered around 1.0–1.3.
	for i := 0; i < 100; i++ {
		h.Record("BTC", MetricTakerRatio, 1.0+float64(i%4)*0.1, time.Now())
	}

	cfg := Thresholds{PWatch: 85, PAction: 97, AbsWatch: 1.6, AbsAction: 2.2, FloorWatch: 1.2, FloorAction: 1.5}
	sig := EvaluateTakerRatio(h, "BTC", 18, 10, cfg, time.Now())
	if sig.Observed != 1.8 {
		t.Fatalf("买卖比应为 1.8, 实际 %f", sig.Observed)
	}
	if sig.Level < LevelWatch {
		t.Fatalf("ratio 1.8 against 1.0-1.3 history should grade at least watch, got %s", sig.Level)
	}
	if sig.Direction != DirectionBullish {
		t.Fatalf("high ratio should read bullish, got %s", sig.Direction)
	}
}

func TestTakerRatioBearishMirrorBand(t *testing.T) {
	h := newHistory(t)
	for i := 0; i < 100; i++ {
		h.Record("BTC", MetricTakerRatio, 1.0+float64(i%4)*0.1, time.Now())
	}

	cfg := Thresholds{PWatch: 85, PAction: 97, AbsWatch: 1.6, AbsAction: 2.2, FloorWatch: 1.2, FloorAction: 1.5}
	// p85 of history sits near 1.3, so the mirrored bearish band is
	// near 0.7. Sell volume 20 vs buy 10 → 0.5.
	sig := EvaluateTakerRatio(h, "BTC", 10, 20, cfg, time.Now())
	if !sig.Triggered() {
		t.Fatal("ratio 0.5 should trigger the mirrored lower band")
	}
	if sig.Direction != DirectionBearish {
		t.Fatalf("low ratio should read bearish, got %s", sig.Direction)
	}
}

func TestTakerRatioClampsSellSide(t *testing.T) {
	if got := TakerRatio(5, 0); got != 5 {
		t.Fatalf("sell side should clamp to 1, got %f", got)
	}
}

func TestOIROCDirections(t *testing.T) {
	h := newHistory(t)
	cfg := Thresholds{PWatch: 90, PAction: 98, AbsWatch: 0.02, AbsAction: 0.05}

	// +4% OI with price up: longs building.
	sig := EvaluateOIROC(h, "BTC", 104, 100, 1.5, cfg, time.Now())
	if sig.Level != LevelWatch || sig.Direction != DirectionBullish {
		t.Fatalf("expected bullish watch, got %s %s", sig.Level, sig.Direction)
	}

	// +6% OI with price down: shorts building.
	sig = EvaluateOIROC(h, "BTC", 106, 100, -0.8, cfg, time.Now())
	if sig.Level != LevelAction || sig.Direction != DirectionBearish {
		t.Fatalf("expected bearish action, got %s %s", sig.Level, sig.Direction)
	}

	if sig := EvaluateOIROC(h, "BTC", 100, 0, 0, cfg, time.Now()); sig.Triggered() {
		t.Fatal("zero previous OI must not trigger")
	}
}

func TestLiquidationVolumeSkewTriggersKillSwitch(t *testing.T) {
	h := newHistory(t)
	cfg := Thresholds{PWatch: 95, PAction: 99, AbsWatch: 10_000_000, AbsAction: 25_000_000}

	// Long $5M vs short $1M: 5x skew, above the 2x ratio.
	sig := EvaluateLiquidationVolume(h, "BTC", 5_000_000, 1_000_000, 2.0, cfg, time.Now())
	if !sig.KillSwitch {
		t.Fatal("5x liquidation skew should report a kill-switch trigger")
	}
	if sig.Level != LevelNone {
		t.Fatalf("$6M total under $10M absolute watch bar should grade none, got %s", sig.Level)
	}

	balanced := EvaluateLiquidationVolume(h, "BTC", 3_000_000, 2_000_000, 2.0, cfg, time.Now())
	if balanced.KillSwitch {
		t.Fatal("1.5x skew must not trip the kill-switch")
	}
}

func TestLiquidationVolumeAdaptiveBars(t *testing.T) {
	h := newHistory(t)
	for i := 0; i < 200; i++ {
		h.Record("BTC", MetricLiqVolume, 1_000_000+float64(i)*1_000, time.Now())
	}
	cfg := Thresholds{PWatch: 95, PAction: 99, AbsWatch: 50_000_000, AbsAction: 80_000_000}

	sig := EvaluateLiquidationVolume(h, "BTC", 2_000_000, 500_000, 2.0, cfg, time.Now())
	if sig.Level != LevelAction {
		t.Fatalf("$2.5M against ~$1.2M history should clear the p99 bar, got %s", sig.Level)
	}
	if sig.Direction != DirectionBearish {
		t.Fatalf("long-dominant liquidation should read bearish, got %s", sig.Direction)
	}
}

func TestInstitutionalBiasZScorePath(t *testing.T) {
	h := newHistory(t)
	for i := 0; i < 30; i++ {
		v := 0.4
		if i%2 == 0 {
			v = 0.6
		}
		h.Record("BTC", MetricInstitutionalBias, v, time.Now())
	}

	cfg := Thresholds{ZWatch: 2, ZAction: 3.5, AbsWatch: 2, AbsAction: 4}
	sig := EvaluateInstitutionalBias(h, "BTC", 0.9, cfg, time.Now())
	if sig.ZScore == nil {
		t.Fatal("with 30 samples the z-score path must be used")
	}
	if sig.Level != LevelAction {
		t.Fatalf("0.9 against 0.5±0.1 history is a 4-sigma move, got %s", sig.Level)
	}
}

func TestInstitutionalBiasAbsoluteFallback(t *testing.T) {
	h := newHistory(t)
	cfg := Thresholds{ZWatch: 2, ZAction: 3.5, AbsWatch: 0.5, AbsAction: 1.0}

	sig := EvaluateInstitutionalBias(h, "BTC", -0.7, cfg, time.Now())
	if sig.ZScore != nil {
		t.Fatal("no history: absolute path expected")
	}
	if sig.Level != LevelWatch || sig.Direction != DirectionBearish {
		t.Fatalf("expected bearish watch, got %s %s", sig.Level, sig.Direction)
	}
}

func TestETFFlowMultiplierBands(t *testing.T) {
	h := newHistory(t)
	// Only 10 periods recorded: the 7-period average is available but
	// the long-window percentile is not yet reliable.
	for i := 0; i < 10; i++ {
		h.Record("BTC", MetricETFFlow, 100_000_000+float64(i%5)*1_000_000, time.Now())
	}

	cfg := Thresholds{
		PAction: 95, MAWindow: 7,
		MultWatch: 1.5, MultAction: 2.5,
		AbsWatch: 200_000_000, AbsAction: 400_000_000,
	}

	sig := EvaluateETFFlow(h, "BTC", 180_000_000, cfg, time.Now())
	if sig.Level != LevelWatch {
		t.Fatalf("1.7x the 7-period average should grade watch, got %s", sig.Level)
	}

	out := EvaluateETFFlow(h, "BTC", -300_000_000, cfg, time.Now())
	if out.Level != LevelAction {
		t.Fatalf("outflow beyond 2.5x average should grade action, got %s", out.Level)
	}
	if out.Direction != DirectionBearish {
		t.Fatalf("net outflow should read bearish, got %s", out.Direction)
	}
}

func TestETFFlowPercentilePromotesToAction(t *testing.T) {
	h := newHistory(t)
	// 90 periods of flows averaging ~$100M (stored as magnitudes).
	for i := 0; i < 90; i++ {
		h.Record("BTC", MetricETFFlow, 100_000_000+float64(i%10)*1_000_000, time.Now())
	}

	cfg := Thresholds{
		PAction: 95, MAWindow: 7,
		MultWatch: 1.5, MultAction: 2.5,
		AbsWatch: 200_000_000, AbsAction: 400_000_000,
	}

	// 180M sits below the 2.5x multiplier bar but clears the 90-period
	// p95; either condition alone is sufficient for action.
	sig := EvaluateETFFlow(h, "BTC", 180_000_000, cfg, time.Now())
	if sig.Level != LevelAction {
		t.Fatalf("flow above the long-window percentile should grade action, got %s", sig.Level)
	}
	if sig.Percentile == nil || *sig.Percentile != 95 {
		t.Fatal("percentile promotion should report the rank used")
	}
}
