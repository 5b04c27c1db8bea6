// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Stream metrics
	EventsReceived  prometheus.Counter
	EventsDropped   prometheus.Counter
	MalformedFrames prometheus.Counter
	Reconnects      prometheus.Counter
	StreamLatency   prometheus.Gauge

	// Dispatcher metrics
	QueueDepth       prometheus.Gauge
	ConsumerErrors   *prometheus.CounterVec
	ConsumerDuration *prometheus.HistogramVec

	// Verification metrics
	EventsVerified     prometheus.Counter
	EventsSkipped      *prometheus.CounterVec
	VerifiedConfidence prometheus.Histogram

	// Evaluation metrics
	CyclesTotal      *prometheus.CounterVec
	LayerSignals     *prometheus.CounterVec
	ConfluenceScore  *prometheus.GaugeVec
	KillSwitchActive *prometheus.GaugeVec

	// Alerting metrics
	AlertsSent       *prometheus.CounterVec
	AlertsSuppressed prometheus.Counter

	// Provider metrics
	ProviderCalls   *prometheus.CounterVec
	ProviderLatency *prometheus.HistogramVec

	// Health metrics
	LastSuccessfulCycle prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "liqwatcher"
	}

	return &Metrics{
		EventsReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "events_received_total",
			Help:      "Total number of liquidation events decoded from the stream",
		}),
		EventsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "events_dropped_total",
			Help:      "Total number of events dropped by a full dispatch queue",
		}),
		MalformedFrames: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "malformed_frames_total",
			Help:      "Total number of frames skipped because they failed to decode",
		}),
		Reconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "reconnects_total",
			Help:      "Total number of reconnection attempts",
		}),
		StreamLatency: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "latency_seconds",
			Help:      "Last measured ping/pong round trip",
		}),

		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "queue_depth",
			Help:      "Current number of events waiting in the dispatch queue",
		}),
		ConsumerErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "consumer_errors_total",
			Help:      "Total number of consumer failures by consumer",
		}, []string{"consumer"}),
		ConsumerDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "consumer_duration_seconds",
			Help:      "Consumer handling latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"consumer"}),

		EventsVerified: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verification",
			Name:      "events_verified_total",
			Help:      "Total number of large events verified",
		}),
		EventsSkipped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verification",
			Name:      "events_skipped_total",
			Help:      "Total number of events skipped by verification, by reason",
		}, []string{"reason"}),
		VerifiedConfidence: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "verification",
			Name:      "confidence",
			Help:      "Confidence score distribution of verified events",
			Buckets:   []float64{10, 25, 40, 50, 60, 75, 90, 100},
		}),

		CyclesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "evaluation",
			Name:      "cycles_total",
			Help:      "Total number of evaluation cycles by status",
		}, []string{"status"}),
		LayerSignals: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "evaluation",
			Name:      "layer_signals_total",
			Help:      "Total number of triggered layer signals by layer and level",
		}, []string{"layer", "level"}),
		ConfluenceScore: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "evaluation",
			Name:      "confluence_score",
			Help:      "Latest confluence score per symbol",
		}, []string{"symbol"}),
		KillSwitchActive: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "evaluation",
			Name:      "kill_switch_active",
			Help:      "Whether the kill switch is active for a symbol (1 or 0)",
		}, []string{"symbol"}),

		AlertsSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerting",
			Name:      "alerts_sent_total",
			Help:      "Total number of alerts delivered by level",
		}, []string{"level"}),
		AlertsSuppressed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerting",
			Name:      "alerts_suppressed_total",
			Help:      "Total number of duplicate alerts suppressed",
		}),

		ProviderCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "calls_total",
			Help:      "Total number of market-data API calls by endpoint and status",
		}, []string{"endpoint", "status"}),
		ProviderLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "call_latency_seconds",
			Help:      "Market-data API call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),

		LastSuccessfulCycle: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_cycle_timestamp",
			Help:      "Unix timestamp of the last completed evaluation cycle",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("metrics endpoint listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
