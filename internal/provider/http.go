package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	fundingPath       = "/api/futures/funding-rate"
	openInterestPath  = "/api/futures/open-interest"
	takerVolumePath   = "/api/futures/taker-volume"
	liquidationPath   = "/api/futures/liquidation-history"
	etfFlowPath       = "/api/etf/flow-history"
	longShortPath     = "/api/futures/top-account-ratio"
	defaultMarketBase = "https://open-api.coinglass.com"
)

// HTTPOptions parameterise the market-data client.
type HTTPOptions struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	UserAgent string

	// Observe, when set, is called after every API request with the
	// endpoint path, status code (0 on transport error), and elapsed
	// time.
	Observe func(path string, status int, elapsed time.Duration)
}

// HTTPClient fetches reference metrics from the market-data API.
type HTTPClient struct {
	opts    HTTPOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewHTTPClient constructs a market-data client.
func NewHTTPClient(opts HTTPOptions, logger zerolog.Logger) *HTTPClient {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultMarketBase
	}

	return &HTTPClient{
		opts:    opts,
		logger:  logger.With().Str("component", "market_data").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

var _ MarketData = (*HTTPClient)(nil)

// FundingRate returns the latest funding observation for symbol.
func (c *HTTPClient) FundingRate(ctx context.Context, symbol string) (FundingSample, error) {
	var out struct {
		Exchange      string  `json:"exName"`
		Symbol        string  `json:"symbol"`
		Rate          float64 `json:"fundingRate"`
		IntervalHours float64 `json:"fundingIntervalHours"`
		Time          int64   `json:"time"`
	}
	if err := c.getJSON(ctx, fundingPath, url.Values{"symbol": {symbol}}, &out); err != nil {
		return FundingSample{}, err
	}
	if out.IntervalHours <= 0 {
		out.IntervalHours = 8
	}
	return FundingSample{
		Exchange:      out.Exchange,
		Symbol:        out.Symbol,
		Rate:          out.Rate,
		IntervalHours: out.IntervalHours,
		At:            time.UnixMilli(out.Time).UTC(),
	}, nil
}

// OpenInterest returns the current aggregate open interest for symbol.
func (c *HTTPClient) OpenInterest(ctx context.Context, symbol string) (OpenInterestPoint, error) {
	var out struct {
		ValueUSD float64 `json:"openInterestUsd"`
		Price    float64 `json:"price"`
		Time     int64   `json:"time"`
	}
	if err := c.getJSON(ctx, openInterestPath, url.Values{"symbol": {symbol}}, &out); err != nil {
		return OpenInterestPoint{}, err
	}
	return OpenInterestPoint{
		ValueUSD: out.ValueUSD,
		Price:    out.Price,
		At:       time.UnixMilli(out.Time).UTC(),
	}, nil
}

// TakerVolume returns taker buy/sell volume over the last interval.
func (c *HTTPClient) TakerVolume(ctx context.Context, symbol string) (TakerVolume, error) {
	var out struct {
		BuyUSD  float64 `json:"buyVolUsd"`
		SellUSD float64 `json:"sellVolUsd"`
		Time    int64   `json:"time"`
	}
	if err := c.getJSON(ctx, takerVolumePath, url.Values{"symbol": {symbol}}, &out); err != nil {
		return TakerVolume{}, err
	}
	return TakerVolume{
		BuyUSD:  out.BuyUSD,
		SellUSD: out.SellUSD,
		At:      time.UnixMilli(out.Time).UTC(),
	}, nil
}

// LiquidationHistory returns aggregate forced-close volume per side
// over the last interval.
func (c *HTTPClient) LiquidationHistory(ctx context.Context, symbol string) (LiquidationStat, error) {
	var out struct {
		LongUSD  float64 `json:"longVolUsd"`
		ShortUSD float64 `json:"shortVolUsd"`
		Time     int64   `json:"time"`
	}
	if err := c.getJSON(ctx, liquidationPath, url.Values{"symbol": {symbol}}, &out); err != nil {
		return LiquidationStat{}, err
	}
	return LiquidationStat{
		LongUSD:  out.LongUSD,
		ShortUSD: out.ShortUSD,
		At:       time.UnixMilli(out.Time).UTC(),
	}, nil
}

// ETFFlows returns up to days of daily net ETF flows for asset, oldest
// first.
func (c *HTTPClient) ETFFlows(ctx context.Context, asset string, days int) ([]ETFFlowPoint, error) {
	if days <= 0 {
		days = 90
	}
	var out []struct {
		NetFlowUSD float64 `json:"netFlowUsd"`
		Time       int64   `json:"time"`
	}
	params := url.Values{"asset": {asset}, "days": {fmt.Sprintf("%d", days)}}
	if err := c.getJSON(ctx, etfFlowPath, params, &out); err != nil {
		return nil, err
	}
	points := make([]ETFFlowPoint, 0, len(out))
	for _, raw := range out {
		points = append(points, ETFFlowPoint{
			NetFlowUSD: raw.NetFlowUSD,
			At:         time.UnixMilli(raw.Time).UTC(),
		})
	}
	return points, nil
}

// InstitutionalBias returns the latest top-account long/short ratio.
func (c *HTTPClient) InstitutionalBias(ctx context.Context, symbol string) (BiasSample, error) {
	var out struct {
		Exchange string  `json:"exName"`
		Ratio    float64 `json:"longShortRatio"`
		Time     int64   `json:"time"`
	}
	if err := c.getJSON(ctx, longShortPath, url.Values{"symbol": {symbol}}, &out); err != nil {
		return BiasSample{}, err
	}
	return BiasSample{
		Exchange:       out.Exchange,
		LongShortRatio: out.Ratio,
		At:             time.UnixMilli(out.Time).UTC(),
	}, nil
}

// getJSON issues a GET and decodes the `data` envelope into dst.
func (c *HTTPClient) getJSON(ctx context.Context, path string, params url.Values, dst any) error {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.opts.APIKey != "" {
		req.Header.Set("CG-API-KEY", c.opts.APIKey)
	}
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "liqwatcher/1.0")
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		if c.opts.Observe != nil {
			c.opts.Observe(path, 0, time.Since(start))
		}
		return err
	}
	defer resp.Body.Close()
	if c.opts.Observe != nil {
		c.opts.Observe(path, resp.StatusCode, time.Since(start))
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %s", ErrRateLimited, path)
	}
	if resp.StatusCode != http.StatusOK {
		return parseHTTPError(resp.StatusCode, payload)
	}

	var envelope struct {
		Success bool            `json:"success"`
		Message string          `json:"msg"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if !envelope.Success {
		return &apiError{status: resp.StatusCode, message: envelope.Message}
	}
	if err := json.Unmarshal(envelope.Data, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", path, err)
	}
	return nil
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr struct {
		Message     string `json:"msg"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return &apiError{status: status, message: apiErr.Message}
		}
		if apiErr.Description != "" {
			return &apiError{status: status, message: apiErr.Description}
		}
	}
	if len(payload) > 0 {
		return &apiError{status: status, message: strings.TrimSpace(string(payload))}
	}
	return &apiError{status: status}
}
