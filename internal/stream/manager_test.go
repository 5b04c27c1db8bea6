package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type chanSink struct {
	ch   chan LiquidationEvent
	full bool
}

func (s *chanSink) Push(ev LiquidationEvent) bool {
	if s.full {
		return false
	}
	s.ch <- ev
	return true
}

func TestNextBackoffDoublesUpToCap(t *testing.T) {
	max := 60 * time.Second
	current := time.Second
	prev := time.Duration(0)
	for i := 0; i < 12; i++ {
		if current < prev {
			t.Fatalf("backoff decreased: %v -> %v", prev, current)
		}
		if current > max {
			t.Fatalf("backoff %v exceeds cap %v", current, max)
		}
		prev = current
		current = NextBackoff(current, max)
	}
	if current != max {
		t.Errorf("backoff should saturate at cap, got %v", current)
	}
}

func TestBackoffResetsAfterStableConnection(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var (
		mu       sync.Mutex
		attempts []time.Time
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts = append(attempts, time.Now())
		n := len(attempts)
		mu.Unlock()

		// Attempt 3 completes handshake + subscribe, then drops; every
		// other attempt fails before the upgrade.
		if n != 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.ReadMessage()
		conn.Close()
	}))
	defer srv.Close()

	m := NewManager(Options{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http"),
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		JitterMax:      time.Nanosecond,
	}, &chanSink{ch: make(chan LiquidationEvent, 1)}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(attempts)
		mu.Unlock()
		if n >= 4 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(attempts) < 4 {
		t.Fatalf("连接尝试不足: %d", len(attempts))
	}

	// Two failures double the delay to 200ms before the stable attempt;
	// the retry after it must be back near the 100ms initial delay.
	grown := attempts[2].Sub(attempts[1])
	afterStable := attempts[3].Sub(attempts[2])
	if afterStable >= grown {
		t.Fatalf("稳定连接后退避未重置: 之前 %v, 之后 %v", grown, afterStable)
	}
	if grown < 200*time.Millisecond {
		t.Errorf("second retry delay %v, want >= 200ms", grown)
	}
}

func TestRunTerminatesOnAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	m := NewManager(Options{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http"),
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}, &chanSink{ch: make(chan LiquidationEvent, 1)}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := m.Run(ctx)
	if !errors.Is(err, ErrAuthFailure) {
		t.Fatalf("认证失败应为终止性错误, got %v", err)
	}
}

func TestRunSubscribesAndDeliversEvents(t *testing.T) {
	upgrader := websocket.Upgrader{}
	gotSubscribe := make(chan subscribeRequest, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sub subscribeRequest
		if err := json.Unmarshal(msg, &sub); err != nil {
			return
		}
		gotSubscribe <- sub

		frame := `{"channel":"liquidationOrders","data":[{"exName":"Binance","symbol":"BTCUSDT","baseAsset":"BTC","price":"61000","side":1,"volUsd":"250000","time":1717171717000}]}`
		conn.WriteMessage(websocket.TextMessage, []byte("garbage not json"))
		conn.WriteMessage(websocket.TextMessage, []byte(frame))

		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	sink := &chanSink{ch: make(chan LiquidationEvent, 4)}
	m := NewManager(Options{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http"),
		InitialBackoff: time.Millisecond,
	}, sink, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	select {
	case sub := <-gotSubscribe:
		if sub.Method != "subscribe" {
			t.Errorf("subscribe method = %q", sub.Method)
		}
		if len(sub.Channels) != 1 || sub.Channels[0] != "liquidationOrders" {
			t.Errorf("subscribe channels = %v", sub.Channels)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server never received subscribe frame")
	}

	select {
	case ev := <-sink.ch:
		if ev.Pair != "BTCUSDT" || ev.Side != SideLong {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("事件未送达 sink")
	}

	if m.MalformedFrames() != 1 {
		t.Errorf("malformed frames = %d, want 1", m.MalformedFrames())
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestRunKeepaliveAndLatency(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if string(msg) == "ping" {
				if err := conn.WriteMessage(websocket.TextMessage, []byte("pong")); err != nil {
					return
				}
			}
		}
	}))
	defer srv.Close()

	m := NewManager(Options{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http"),
		PingInterval:   10 * time.Millisecond,
		InitialBackoff: time.Millisecond,
	}, &chanSink{ch: make(chan LiquidationEvent, 1)}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if m.Latency() > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("never observed a pong round trip")
}

func TestSinkRefusalCountsDrops(t *testing.T) {
	m := NewManager(Options{}, &chanSink{full: true}, zerolog.Nop())
	m.handleFrame([]byte(`{"channel":"liquidationOrders","data":[{"exName":"Binance","symbol":"BTCUSDT","baseAsset":"BTC","price":"61000","side":1,"volUsd":"250000","time":1717171717000}]}`))
	if m.DroppedEvents() != 1 {
		t.Fatalf("dropped = %d, want 1", m.DroppedEvents())
	}
	m.handleFrame([]byte("pong"))
	if m.DroppedEvents() != 1 {
		t.Fatalf("pong 不应计入丢弃, dropped = %d", m.DroppedEvents())
	}
}
