package engine

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"liqwatcher/internal/alerting"
	"liqwatcher/internal/provider"
	"liqwatcher/internal/stream"
	"liqwatcher/internal/verification"
)

func TestAccumulatorSideAttribution(t *testing.T) {
	acc := NewAccumulator()
	addLiq(acc, stream.SideLong, 300_000)
	addLiq(acc, stream.SideLong, 200_000)
	addLiq(acc, stream.SideShort, 100_000)

	totals := acc.Flush()
	v := totals["BTC"]
	if v.LongUSD != 500_000 {
		t.Errorf("long = %v", v.LongUSD)
	}
	if v.ShortUSD != 100_000 {
		t.Errorf("short = %v", v.ShortUSD)
	}
	if v.Total() != 600_000 {
		t.Errorf("total = %v", v.Total())
	}

	// Flush resets the interval.
	if again := acc.Flush(); len(again) != 0 {
		t.Fatalf("Flush 后应清空, 实际 %d 个符号", len(again))
	}
}

func TestAccumulatorIgnoresNonPositiveNotional(t *testing.T) {
	acc := NewAccumulator()
	acc.Add(stream.LiquidationEvent{BaseAsset: "BTC", Side: stream.SideLong, VolumeUSD: decimal.Zero})
	if totals := acc.Flush(); len(totals) != 0 {
		t.Fatal("zero notional should not create an entry")
	}
}

func TestStatsRecorderFeedsAccumulator(t *testing.T) {
	acc := NewAccumulator()
	rec := NewStatsRecorder(acc, nil)

	if rec.Name() != "stats_recorder" {
		t.Errorf("name = %q", rec.Name())
	}

	ev := stream.LiquidationEvent{BaseAsset: "ETH", Side: stream.SideShort, VolumeUSD: decimal.NewFromInt(75_000)}
	if err := rec.HandleEvent(context.Background(), ev); err != nil {
		t.Fatal(err)
	}

	totals := acc.Flush()
	if totals["ETH"].ShortUSD != 75_000 {
		t.Fatalf("short = %v", totals["ETH"].ShortUSD)
	}
}

type verifierMarket struct{}

func (verifierMarket) FundingRate(context.Context, string) (provider.FundingSample, error) {
	return provider.FundingSample{Rate: -0.0002, IntervalHours: 8}, nil
}
func (verifierMarket) OpenInterest(context.Context, string) (provider.OpenInterestPoint, error) {
	return provider.OpenInterestPoint{}, nil
}
func (verifierMarket) TakerVolume(context.Context, string) (provider.TakerVolume, error) {
	return provider.TakerVolume{BuyUSD: 1_000_000, SellUSD: 3_000_000}, nil
}
func (verifierMarket) LiquidationHistory(context.Context, string) (provider.LiquidationStat, error) {
	return provider.LiquidationStat{LongUSD: 5_000_000, ShortUSD: 400_000}, nil
}
func (verifierMarket) ETFFlows(context.Context, string, int) ([]provider.ETFFlowPoint, error) {
	return nil, nil
}
func (verifierMarket) InstitutionalBias(context.Context, string) (provider.BiasSample, error) {
	return provider.BiasSample{}, nil
}

func TestVerifierAlertsHighConfidenceEvents(t *testing.T) {
	capture := &captureNotifier{}
	engine := verification.NewEngine(verification.Options{}, verifierMarket{}, zerolog.Nop())
	dedup := alerting.NewDeduplicator(time.Hour, alerting.DefaultBucket, zerolog.Nop())
	v := NewVerifier(engine, capture, dedup, nil, 70, zerolog.Nop())

	ev := stream.LiquidationEvent{
		Exchange:  "Binance",
		BaseAsset: "BTC",
		Pair:      "BTCUSDT",
		Price:     decimal.NewFromInt(61000),
		Side:      stream.SideLong,
		VolumeUSD: decimal.NewFromInt(1_000_000),
		Time:      time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC),
	}

	if err := v.HandleEvent(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	notes := capture.all()
	if len(notes) != 1 {
		t.Fatalf("期望 1 条事件告警, 实际 %d", len(notes))
	}
	if notes[0].SignalType != "liquidation_event" {
		t.Errorf("signal type = %q", notes[0].SignalType)
	}
	if notes[0].Confidence == nil || *notes[0].Confidence < 70 {
		t.Errorf("confidence = %v, want at least the alert gate", notes[0].Confidence)
	}

	// Same minute, same exchange: verification dedup swallows it.
	ev.Time = ev.Time.Add(10 * time.Second)
	if err := v.HandleEvent(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if got := len(capture.all()); got != 1 {
		t.Fatalf("重复事件不应再次告警, 实际 %d", got)
	}
}

func TestVerifierSkipsSmallEvents(t *testing.T) {
	capture := &captureNotifier{}
	engine := verification.NewEngine(verification.Options{}, verifierMarket{}, zerolog.Nop())
	dedup := alerting.NewDeduplicator(time.Hour, alerting.DefaultBucket, zerolog.Nop())
	v := NewVerifier(engine, capture, dedup, nil, 70, zerolog.Nop())

	ev := stream.LiquidationEvent{
		Exchange:  "Binance",
		BaseAsset: "BTC",
		Pair:      "BTCUSDT",
		Side:      stream.SideLong,
		VolumeUSD: decimal.NewFromInt(10_000),
		Time:      time.Now().UTC(),
	}
	if err := v.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("小额事件应被静默跳过: %v", err)
	}
	if got := len(capture.all()); got != 0 {
		t.Fatalf("不应发送告警, 实际 %d", got)
	}
}
