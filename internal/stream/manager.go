package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ErrAuthFailure marks a handshake rejected for bad credentials.
// Terminal: retrying cannot succeed, so the supervisor surfaces it
// instead of reconnecting.
var ErrAuthFailure = errors.New("stream: authentication failure")

// Sink receives decoded events without blocking the receive loop.
// Push reports false when the event was dropped.
type Sink interface {
	Push(event LiquidationEvent) bool
}

// Options parameterise the connection manager.
type Options struct {
	URL              string
	Channels         []string
	PingInterval     time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	JitterMax        time.Duration
}

func (o Options) withDefaults() Options {
	if len(o.Channels) == 0 {
		o.Channels = []string{liquidationChannel}
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 20 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 60 * time.Second
	}
	if o.JitterMax <= 0 {
		o.JitterMax = 500 * time.Millisecond
	}
	return o
}

// Manager owns the persistent stream connection: connect, subscribe,
// keepalive, decode, and reconnect with exponential backoff. Decoded
// events are handed to the Sink without waiting on processing.
type Manager struct {
	opts   Options
	sink   Sink
	logger zerolog.Logger

	lastPingNano atomic.Int64
	lastPongNano atomic.Int64

	dropped    atomic.Uint64
	malformed  atomic.Uint64
	reconnects atomic.Uint64

	// rng only feeds reconnect jitter.
	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewManager constructs a Manager.
func NewManager(opts Options, sink Sink, logger zerolog.Logger) *Manager {
	return &Manager{
		opts:   opts.withDefaults(),
		sink:   sink,
		logger: logger.With().Str("component", "stream").Logger(),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Latency returns the round-trip measured by the last ping/pong pair,
// zero until the first pong arrives.
func (m *Manager) Latency() time.Duration {
	ping := m.lastPingNano.Load()
	pong := m.lastPongNano.Load()
	if ping == 0 || pong < ping {
		return 0
	}
	return time.Duration(pong - ping)
}

// MalformedFrames returns the count of skipped undecodable frames.
func (m *Manager) MalformedFrames() uint64 { return m.malformed.Load() }

// DroppedEvents returns the count of events the sink refused.
func (m *Manager) DroppedEvents() uint64 { return m.dropped.Load() }

// Reconnects returns the count of reconnection attempts.
func (m *Manager) Reconnects() uint64 { return m.reconnects.Load() }

// Run supervises the connection until ctx is cancelled or a terminal
// authentication failure occurs. Disconnects are always retried:
// backoff starts at the initial delay, doubles up to the cap, carries
// random jitter, and resets after any connection that completes its
// handshake and subscribe.
func (m *Manager) Run(ctx context.Context) error {
	backoff := m.opts.InitialBackoff

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		stable, err := m.runConnection(ctx)
		if err != nil {
			if errors.Is(err, ErrAuthFailure) {
				m.logger.Error().Err(err).Msg("credentials rejected; not retrying")
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Warn().Err(err).Msg("stream connection lost")
		}

		if stable {
			backoff = m.opts.InitialBackoff
		}

		m.reconnects.Add(1)
		delay := backoff + m.jitter()
		m.logger.Info().Dur("delay", delay).Msg("reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		backoff = NextBackoff(backoff, m.opts.MaxBackoff)
	}
}

// NextBackoff doubles the delay up to the cap.
func NextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func (m *Manager) jitter() time.Duration {
	m.rngMu.Lock()
	defer m.rngMu.Unlock()
	return time.Duration(m.rng.Int63n(int64(m.opts.JitterMax)))
}

// runConnection performs one connect/subscribe/serve cycle. The stable
// return reports whether the handshake and subscribe completed, which
// is what resets the backoff.
func (m *Manager) runConnection(ctx context.Context) (stable bool, err error) {
	dialer := websocket.Dialer{HandshakeTimeout: m.opts.HandshakeTimeout}

	conn, resp, err := dialer.DialContext(ctx, m.opts.URL, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return false, fmt.Errorf("%w: handshake rejected with %d", ErrAuthFailure, resp.StatusCode)
		}
		return false, fmt.Errorf("dial %s: %w", m.opts.URL, err)
	}
	defer conn.Close()

	var writeMu sync.Mutex
	writeText := func(payload []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout))
		return conn.WriteMessage(websocket.TextMessage, payload)
	}

	sub := subscribeRequest{Method: "subscribe", Channels: m.opts.Channels}
	payload, err := sub.marshal()
	if err != nil {
		return false, err
	}
	if err := writeText(payload); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}

	m.logger.Info().Str("url", m.opts.URL).Strs("channels", m.opts.Channels).Msg("stream connected")

	// Keepalive and receive loops share fate: either error tears the
	// connection down and returns control to the supervisor.
	done := make(chan struct{})
	defer close(done)
	keepaliveErr := make(chan error, 1)

	go func() {
		ticker := time.NewTicker(m.opts.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.lastPingNano.Store(time.Now().UnixNano())
				if err := writeText([]byte("ping")); err != nil {
					keepaliveErr <- fmt.Errorf("keepalive: %w", err)
					conn.Close()
					return
				}
			}
		}
	}()

	go func() {
		select {
		case <-done:
		case <-ctx.Done():
			conn.Close()
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case kerr := <-keepaliveErr:
				return true, kerr
			default:
			}
			if ctx.Err() != nil {
				return true, ctx.Err()
			}
			return true, fmt.Errorf("read: %w", err)
		}
		m.handleFrame(message)
	}
}

func (m *Manager) handleFrame(message []byte) {
	if string(message) == "pong" {
		m.lastPongNano.Store(time.Now().UnixNano())
		return
	}

	events, err := decodeFrame(message)
	if err != nil {
		// Malformed frame: skip it, the connection is fine.
		m.malformed.Add(1)
		m.logger.Warn().Err(err).Int("bytes", len(message)).Msg("skipping malformed frame")
		return
	}

	for _, ev := range events {
		if !m.sink.Push(ev) {
			m.dropped.Add(1)
		}
	}
}

type subscribeRequest struct {
	Method   string   `json:"method"`
	Channels []string `json:"channels"`
}

func (r subscribeRequest) marshal() ([]byte, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal subscribe request: %w", err)
	}
	return payload, nil
}
