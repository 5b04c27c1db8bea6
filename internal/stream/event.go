package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side marks which positions were force-closed.
type Side int

const (
	// SideLong means long positions were liquidated (forced sells).
	SideLong Side = 1
	// SideShort means short positions were liquidated (forced buys).
	SideShort Side = 2
)

// String implements fmt.Stringer.
func (s Side) String() string {
	switch s {
	case SideLong:
		return "long_liquidated"
	case SideShort:
		return "short_liquidated"
	default:
		return "unknown"
	}
}

// LiquidationEvent is one forced position close reported by an
// exchange. Immutable once decoded; discarded after fan-out.
type LiquidationEvent struct {
	Exchange  string
	BaseAsset string
	Pair      string
	Price     decimal.Decimal
	Side      Side
	VolumeUSD decimal.Decimal
	Time      time.Time
}

// liquidationChannel is the subscribed stream channel name.
const liquidationChannel = "liquidationOrders"

type eventFrame struct {
	Channel string `json:"channel"`
	Data    []struct {
		ExName    string          `json:"exName"`
		Symbol    string          `json:"symbol"`
		BaseAsset string          `json:"baseAsset"`
		Price     decimal.Decimal `json:"price"`
		Side      int             `json:"side"`
		VolUSD    decimal.Decimal `json:"volUsd"`
		Time      int64           `json:"time"`
	} `json:"data"`
}

// decodeFrame parses a non-keepalive frame. Frames for other channels
// decode to an empty slice; a frame that is not valid JSON is a
// malformed-message error (skip the frame, keep the connection).
func decodeFrame(payload []byte) ([]LiquidationEvent, error) {
	var frame eventFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if frame.Channel != liquidationChannel {
		return nil, nil
	}

	events := make([]LiquidationEvent, 0, len(frame.Data))
	for _, raw := range frame.Data {
		side := Side(raw.Side)
		if side != SideLong && side != SideShort {
			continue
		}
		events = append(events, LiquidationEvent{
			Exchange:  raw.ExName,
			BaseAsset: raw.BaseAsset,
			Pair:      raw.Symbol,
			Price:     raw.Price,
			Side:      side,
			VolumeUSD: raw.VolUSD,
			Time:      time.UnixMilli(raw.Time).UTC(),
		})
	}
	return events, nil
}
