package engine

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"liqwatcher/internal/alerting"
	"liqwatcher/internal/dispatch"
	"liqwatcher/internal/observability"
	"liqwatcher/internal/stream"
	"liqwatcher/internal/verification"
)

// StatsRecorder feeds streamed events into the interval accumulator.
type StatsRecorder struct {
	acc     *Accumulator
	metrics *observability.Metrics
}

// NewStatsRecorder constructs the accumulator consumer.
func NewStatsRecorder(acc *Accumulator, metrics *observability.Metrics) *StatsRecorder {
	return &StatsRecorder{acc: acc, metrics: metrics}
}

var _ dispatch.Consumer = (*StatsRecorder)(nil)

// Name implements dispatch.Consumer.
func (s *StatsRecorder) Name() string { return "stats_recorder" }

// HandleEvent implements dispatch.Consumer.
func (s *StatsRecorder) HandleEvent(_ context.Context, event stream.LiquidationEvent) error {
	s.acc.Add(event)
	if s.metrics != nil {
		s.metrics.EventsReceived.Inc()
	}
	return nil
}

// Verifier runs large events through the verification engine and
// pushes high-confidence findings straight to the alert pipeline.
type Verifier struct {
	engine        *verification.Engine
	notifier      alerting.Notifier
	dedup         *alerting.Deduplicator
	metrics       *observability.Metrics
	logger        zerolog.Logger
	minConfidence float64
}

// NewVerifier constructs the verification consumer. Events scoring at
// or above minConfidence are alerted (subject to de-duplication).
func NewVerifier(engine *verification.Engine, notifier alerting.Notifier, dedup *alerting.Deduplicator, metrics *observability.Metrics, minConfidence float64, logger zerolog.Logger) *Verifier {
	if minConfidence <= 0 {
		minConfidence = 70
	}
	return &Verifier{
		engine:        engine,
		notifier:      notifier,
		dedup:         dedup,
		metrics:       metrics,
		logger:        logger.With().Str("component", "verifier").Logger(),
		minConfidence: minConfidence,
	}
}

var _ dispatch.Consumer = (*Verifier)(nil)

// Name implements dispatch.Consumer.
func (v *Verifier) Name() string { return "verifier" }

// HandleEvent implements dispatch.Consumer.
func (v *Verifier) HandleEvent(ctx context.Context, event stream.LiquidationEvent) error {
	report, err := v.engine.Verify(ctx, event)
	switch {
	case errors.Is(err, verification.ErrBelowMinNotional):
		v.countSkip("below_min_notional")
		return nil
	case errors.Is(err, verification.ErrAlreadyVerified):
		v.countSkip("duplicate")
		return nil
	case err != nil:
		return err
	}

	if v.metrics != nil {
		v.metrics.EventsVerified.Inc()
		v.metrics.VerifiedConfidence.Observe(report.Confidence)
	}

	if report.Confidence < v.minConfidence {
		v.logger.Debug().
			Str("pair", event.Pair).
			Float64("confidence", report.Confidence).
			Msg("verified event below alert confidence")
		return nil
	}

	if v.notifier == nil {
		return nil
	}
	if !v.dedup.ShouldSend(event.BaseAsset, "liquidation_event", "event", event.Time) {
		if v.metrics != nil {
			v.metrics.AlertsSuppressed.Inc()
		}
		return nil
	}

	confidence := report.Confidence
	note := alerting.Notification{
		Symbol:        event.BaseAsset,
		SignalType:    "liquidation_event",
		Interval:      "event",
		Level:         "action",
		Confidence:    &confidence,
		NotionalUSD:   event.VolumeUSD,
		Bucket:        event.Time,
		AdditionalMsg: joinCandidates(report.Candidates),
	}
	if err := v.notifier.Notify(ctx, note); err != nil {
		return err
	}
	if v.metrics != nil {
		v.metrics.AlertsSent.WithLabelValues("action").Inc()
	}
	return nil
}

func (v *Verifier) countSkip(reason string) {
	if v.metrics != nil {
		v.metrics.EventsSkipped.WithLabelValues(reason).Inc()
	}
}

func joinCandidates(lines []string) string {
	out := ""
	for i, line := range lines {
		if i > 0 {
			out += "\n"
		}
		out += line
	}
	return out
}
