package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"liqwatcher/internal/alerting"
	"liqwatcher/internal/engine"
	"liqwatcher/internal/stream"
	"liqwatcher/internal/verification"
)

// SimulateEvent 构造一条爆仓事件并走完验证与告警链路。
func (a *App) SimulateEvent(ctx context.Context, opts SimulateOptions) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}

	side, err := parseSide(opts.Side)
	if err != nil {
		return err
	}

	pair := opts.Pair
	if pair == "" {
		pair = opts.Symbol + "USDT"
	}

	event := stream.LiquidationEvent{
		Exchange:  opts.Exchange,
		BaseAsset: opts.Symbol,
		Pair:      pair,
		Price:     opts.Price,
		Side:      side,
		VolumeUSD: opts.NotionalUSD,
		Time:      time.Now().UTC(),
	}

	market := a.newMarketData(nil)
	verifier := verification.NewEngine(verification.Options{
		QueryTimeout: a.Config.Verification.QueryTimeout,
		CacheTTL:     a.Config.Verification.CacheTTL,
	}, market, a.Logger)
	dedup := alerting.NewDeduplicator(a.Config.Alerting.DedupTTL, a.Config.Alerting.DedupBucket, a.Logger)

	consumer := engine.NewVerifier(verifier, notifier, dedup, nil, a.Config.Verification.MinConfidence, a.Logger)
	if err := consumer.HandleEvent(ctx, event); err != nil {
		return err
	}

	a.Logger.Info().
		Str("pair", event.Pair).
		Str("side", event.Side.String()).
		Str("notional_usd", event.VolumeUSD.StringFixed(0)).
		Msg("simulated event processed")
	return nil
}

func parseSide(raw string) (stream.Side, error) {
	switch strings.ToLower(raw) {
	case "long":
		return stream.SideLong, nil
	case "short":
		return stream.SideShort, nil
	default:
		return 0, fmt.Errorf("unknown side %q (want long or short)", raw)
	}
}
