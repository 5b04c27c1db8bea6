package stream

import (
	"testing"
	"time"
)

func TestDecodeFrameLiquidationOrders(t *testing.T) {
	payload := []byte(`{
		"channel": "liquidationOrders",
		"data": [
			{"exName": "Binance", "symbol": "BTCUSDT", "baseAsset": "BTC", "price": "61250.5", "side": 1, "volUsd": "125000.75", "time": 1717171717000},
			{"exName": "OKX", "symbol": "ETH-USDT-SWAP", "baseAsset": "ETH", "price": "3400", "side": 2, "volUsd": "52000", "time": 1717171718000}
		]
	}`)

	events, err := decodeFrame(payload)
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("期望 2 条事件, 实际 %d", len(events))
	}

	first := events[0]
	if first.Exchange != "Binance" || first.BaseAsset != "BTC" || first.Pair != "BTCUSDT" {
		t.Errorf("unexpected identity fields: %+v", first)
	}
	if first.Side != SideLong {
		t.Errorf("side = %v, want SideLong", first.Side)
	}
	if first.Price.String() != "61250.5" {
		t.Errorf("price = %s, want 61250.5", first.Price)
	}
	if !first.Time.Equal(time.UnixMilli(1717171717000).UTC()) {
		t.Errorf("time = %v", first.Time)
	}
	if events[1].Side != SideShort {
		t.Errorf("second event side = %v, want SideShort", events[1].Side)
	}
}

func TestDecodeFrameOtherChannelIgnored(t *testing.T) {
	events, err := decodeFrame([]byte(`{"channel":"fundingRate","data":[{"symbol":"BTCUSDT"}]}`))
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("non-liquidation channel should decode to no events, got %d", len(events))
	}
}

func TestDecodeFrameInvalidJSON(t *testing.T) {
	if _, err := decodeFrame([]byte(`{"channel": "liquidationOrders", "data": [`)); err == nil {
		t.Fatal("truncated frame should fail to decode")
	}
}

func TestDecodeFrameUnknownSideSkipped(t *testing.T) {
	payload := []byte(`{
		"channel": "liquidationOrders",
		"data": [
			{"exName": "Bybit", "symbol": "SOLUSDT", "baseAsset": "SOL", "price": "150", "side": 7, "volUsd": "90000", "time": 1717171717000},
			{"exName": "Bybit", "symbol": "SOLUSDT", "baseAsset": "SOL", "price": "150", "side": 1, "volUsd": "90000", "time": 1717171717000}
		]
	}`)

	events, err := decodeFrame(payload)
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("未知 side 应被跳过, 期望 1 条事件, 实际 %d", len(events))
	}
}

func TestSideString(t *testing.T) {
	cases := []struct {
		side Side
		want string
	}{
		{SideLong, "long_liquidated"},
		{SideShort, "short_liquidated"},
		{Side(0), "unknown"},
	}
	for _, c := range cases {
		if got := c.side.String(); got != c.want {
			t.Errorf("Side(%d).String() = %q, want %q", c.side, got, c.want)
		}
	}
}
