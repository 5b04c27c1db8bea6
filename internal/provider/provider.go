package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRateLimited reports an upstream 429. Callers back off instead of
// treating the cycle as failed.
var ErrRateLimited = errors.New("provider: rate limited")

// FundingSample is one funding-rate observation for a perpetual pair.
// Rate is the raw per-interval rate (e.g. 0.0001 = 1bp per interval).
type FundingSample struct {
	Exchange      string
	Symbol        string
	Rate          float64
	IntervalHours float64
	At            time.Time
}

// OpenInterestPoint is total open interest in USD alongside the mark
// price observed at the same instant.
type OpenInterestPoint struct {
	ValueUSD float64
	Price    float64
	At       time.Time
}

// TakerVolume aggregates taker-side traded volume over the provider's
// sampling interval.
type TakerVolume struct {
	BuyUSD  float64
	SellUSD float64
	At      time.Time
}

// LiquidationStat is aggregated forced-close volume per side over one
// interval, used to cross-check streamed totals.
type LiquidationStat struct {
	LongUSD  float64
	ShortUSD float64
	At       time.Time
}

// ETFFlowPoint is one day of net ETF flow in USD. Outflows are
// negative.
type ETFFlowPoint struct {
	NetFlowUSD float64
	At         time.Time
}

// BiasSample captures large-account positioning: the long/short
// account ratio of top traders on an exchange.
type BiasSample struct {
	Exchange       string
	LongShortRatio float64
	At             time.Time
}

// MarketData serves the reference metrics the evaluation cycle and
// event verification consume. Implementations must be safe for
// concurrent use.
type MarketData interface {
	FundingRate(ctx context.Context, symbol string) (FundingSample, error)
	OpenInterest(ctx context.Context, symbol string) (OpenInterestPoint, error)
	TakerVolume(ctx context.Context, symbol string) (TakerVolume, error)
	LiquidationHistory(ctx context.Context, symbol string) (LiquidationStat, error)
	ETFFlows(ctx context.Context, asset string, days int) ([]ETFFlowPoint, error)
	InstitutionalBias(ctx context.Context, symbol string) (BiasSample, error)
}

type apiError struct {
	status  int
	message string
}

func (e *apiError) Error() string {
	if e.message != "" {
		return fmt.Sprintf("market api error (%d): %s", e.status, e.message)
	}
	return fmt.Sprintf("market api error (%d)", e.status)
}

// IsTransient reports whether the error is worth retrying on the next
// cycle: rate limits, server-side failures, and network errors all
// qualify; 4xx rejections other than 429 do not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return apiErr.status >= 500
	}
	// Dial failures, timeouts, body read errors.
	return true
}
