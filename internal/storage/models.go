package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// MetricSample is one persisted observation of a layer metric for a
// symbol, keyed by the evaluation bucket.
type MetricSample struct {
	Bucket    time.Time
	Symbol    string
	Metric    string
	Value     float64
	CreatedAt time.Time
}

// AlertRecord captures an emitted confluence alert for auditing.
type AlertRecord struct {
	ID          int64
	Symbol      string
	SignalType  string
	Interval    string
	Level       string
	Score       float64
	Confidence  *float64
	NotionalUSD decimal.Decimal
	KillSwitch  bool
	Bucket      time.Time
	CreatedAt   time.Time
}
