package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestFundingRateSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != fundingPath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("symbol"); got != "BTC" {
			t.Errorf("symbol = %q", got)
		}
		if got := r.Header.Get("CG-API-KEY"); got != "test-key" {
			t.Errorf("api key header = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data": map[string]any{
				"exName":               "Binance",
				"symbol":               "BTCUSDT",
				"fundingRate":          0.00015,
				"fundingIntervalHours": 8,
				"time":                 1717171717000,
			},
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPOptions{BaseURL: srv.URL, APIKey: "test-key", Timeout: time.Second}, noopLogger())

	sample, err := c.FundingRate(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("成功响应不应报错: %v", err)
	}
	if sample.Rate != 0.00015 {
		t.Errorf("rate = %v", sample.Rate)
	}
	if sample.IntervalHours != 8 {
		t.Errorf("interval = %v", sample.IntervalHours)
	}
	if !sample.At.Equal(time.UnixMilli(1717171717000).UTC()) {
		t.Errorf("time = %v", sample.At)
	}
}

func TestFundingRateDefaultsInterval(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    map[string]any{"fundingRate": 0.0001, "time": 1717171717000},
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPOptions{BaseURL: srv.URL}, noopLogger())
	sample, err := c.FundingRate(context.Background(), "BTC")
	if err != nil {
		t.Fatal(err)
	}
	if sample.IntervalHours != 8 {
		t.Fatalf("缺省 funding 周期应为 8 小时, 实际 %v", sample.IntervalHours)
	}
}

func TestRateLimitedMapsToSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPOptions{BaseURL: srv.URL}, noopLogger())
	_, err := c.OpenInterest(context.Background(), "BTC")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("429 应映射到 ErrRateLimited, got %v", err)
	}
	if !IsTransient(err) {
		t.Error("rate limit should be transient")
	}
}

func TestServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"msg":"upstream exploded"}`, http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPOptions{BaseURL: srv.URL}, noopLogger())
	_, err := c.TakerVolume(context.Background(), "BTC")
	if err == nil {
		t.Fatal("HTTP 502 应返回错误")
	}
	if !IsTransient(err) {
		t.Error("5xx should be transient")
	}
}

func TestClientErrorIsNotTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"msg":"unknown symbol"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPOptions{BaseURL: srv.URL}, noopLogger())
	_, err := c.LiquidationHistory(context.Background(), "NOPE")
	if err == nil {
		t.Fatal("HTTP 400 应返回错误")
	}
	if IsTransient(err) {
		t.Error("4xx rejection should not be transient")
	}
}

func TestEnvelopeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "msg": "api key expired"})
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPOptions{BaseURL: srv.URL}, noopLogger())
	_, err := c.InstitutionalBias(context.Background(), "BTC")
	if err == nil {
		t.Fatal("success=false 应报错")
	}
}

func TestETFFlowsOrderedPoints(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("days"); got != "7" {
			t.Errorf("days = %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data": []map[string]any{
				{"netFlowUsd": -45000000.0, "time": 1717000000000},
				{"netFlowUsd": 120000000.0, "time": 1717086400000},
			},
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPOptions{BaseURL: srv.URL}, noopLogger())
	points, err := c.ETFFlows(context.Background(), "BTC", 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 2 {
		t.Fatalf("期望 2 个点, 实际 %d", len(points))
	}
	if points[0].NetFlowUSD != -45000000 {
		t.Errorf("first flow = %v", points[0].NetFlowUSD)
	}
}
