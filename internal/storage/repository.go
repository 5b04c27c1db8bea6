package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertMetricSampleSQL = `INSERT INTO metric_samples (
        bucket_ts,
        symbol,
        metric,
        value
    ) VALUES (
        $1,$2,$3,$4
    )
    ON CONFLICT (bucket_ts, symbol, metric) DO UPDATE
    SET value = EXCLUDED.value;`

	listMetricSamplesBetweenSQL = `SELECT
        bucket_ts,
        symbol,
        metric,
        value,
        created_at
    FROM metric_samples
    WHERE symbol = $1
      AND metric = $2
      AND bucket_ts >= $3
      AND bucket_ts < $4
    ORDER BY bucket_ts;`

	listRecentMetricSamplesSQL = `SELECT
        bucket_ts,
        symbol,
        metric,
        value,
        created_at
    FROM metric_samples
    WHERE symbol = $1
      AND metric = $2
    ORDER BY bucket_ts DESC
    LIMIT $3;`

	countMetricSamplesSQL = `SELECT COUNT(*) FROM metric_samples;`

	deleteMetricSamplesBeforeSQL = `DELETE FROM metric_samples WHERE bucket_ts < $1;`

	insertAlertSQL = `INSERT INTO alerts (
        symbol,
        signal_type,
        interval,
        level,
        score,
        confidence,
        notional_usd,
        kill_switch,
        bucket_ts
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    ON CONFLICT (symbol, signal_type, interval, bucket_ts) DO UPDATE
    SET level        = EXCLUDED.level,
        score        = EXCLUDED.score,
        confidence   = EXCLUDED.confidence,
        notional_usd = EXCLUDED.notional_usd,
        kill_switch  = EXCLUDED.kill_switch
    RETURNING id, symbol, signal_type, interval, level, score, confidence, notional_usd, kill_switch, bucket_ts, created_at;`

	listRecentAlertsSQL = `SELECT
        id,
        symbol,
        signal_type,
        interval,
        level,
        score,
        confidence,
        notional_usd,
        kill_switch,
        bucket_ts,
        created_at
    FROM alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	deleteAlertsBeforeSQL = `DELETE FROM alerts WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// MetricSampleStore defines operations for metric sample persistence.
type MetricSampleStore interface {
	UpsertMetricSample(ctx context.Context, sample MetricSample) error
	ListMetricSamplesBetween(ctx context.Context, symbol, metric string, from, to time.Time) ([]MetricSample, error)
	ListRecentMetricSamples(ctx context.Context, symbol, metric string, limit int) ([]MetricSample, error)
	CountMetricSamples(ctx context.Context) (int64, error)
	DeleteMetricSamplesBefore(ctx context.Context, olderThan time.Time) error
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to metric samples and alerts.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; log omitted in storage package
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// UpsertMetricSample persists or updates one metric observation.
func (s *Store) UpsertMetricSample(ctx context.Context, sample MetricSample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, upsertMetricSampleSQL,
		sample.Bucket,
		sample.Symbol,
		sample.Metric,
		sample.Value,
	)
	if execErr != nil {
		return fmt.Errorf("upsert metric sample: %w", execErr)
	}
	return nil
}

// ListMetricSamplesBetween lists samples for one symbol/metric within a time window.
func (s *Store) ListMetricSamplesBetween(ctx context.Context, symbol, metric string, from, to time.Time) ([]MetricSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listMetricSamplesBetweenSQL, symbol, metric, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list metric samples between: %w", queryErr)
	}
	defer rows.Close()

	samples := make([]MetricSample, 0)
	for rows.Next() {
		sample, scanErr := scanMetricSample(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

// ListRecentMetricSamples lists the most recent samples ordered by descending bucket.
func (s *Store) ListRecentMetricSamples(ctx context.Context, symbol, metric string, limit int) ([]MetricSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentMetricSamplesSQL, symbol, metric, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent metric samples: %w", queryErr)
	}
	defer rows.Close()

	samples := make([]MetricSample, 0, limit)
	for rows.Next() {
		sample, scanErr := scanMetricSample(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

// CountMetricSamples counts stored samples.
func (s *Store) CountMetricSamples(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countMetricSamplesSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count metric samples: %w", scanErr)
	}
	return count, nil
}

// DeleteMetricSamplesBefore deletes historical samples.
func (s *Store) DeleteMetricSamplesBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteMetricSamplesBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete metric samples before: %w", execErr)
	}
	return nil
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	var confidence interface{}
	if alert.Confidence != nil {
		confidence = *alert.Confidence
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.Symbol,
		alert.SignalType,
		alert.Interval,
		alert.Level,
		alert.Score,
		confidence,
		alert.NotionalUSD.String(),
		alert.KillSwitch,
		alert.Bucket,
	)

	rec, scanErr := scanAlert(row)
	if scanErr != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return rec, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanAlert(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete alerts before: %w", execErr)
	}
	return nil
}

func scanMetricSample(rows pgx.Rows) (MetricSample, error) {
	var sample MetricSample
	if err := rows.Scan(
		&sample.Bucket,
		&sample.Symbol,
		&sample.Metric,
		&sample.Value,
		&sample.CreatedAt,
	); err != nil {
		return MetricSample{}, err
	}
	return sample, nil
}

func scanAlert(row pgx.Row) (AlertRecord, error) {
	var (
		rec         AlertRecord
		confidence  sql.NullFloat64
		notionalStr string
	)

	if err := row.Scan(
		&rec.ID,
		&rec.Symbol,
		&rec.SignalType,
		&rec.Interval,
		&rec.Level,
		&rec.Score,
		&confidence,
		&notionalStr,
		&rec.KillSwitch,
		&rec.Bucket,
		&rec.CreatedAt,
	); err != nil {
		return AlertRecord{}, err
	}

	notional, err := decimal.NewFromString(notionalStr)
	if err != nil {
		return AlertRecord{}, fmt.Errorf("parse notional usd: %w", err)
	}
	rec.NotionalUSD = notional

	if confidence.Valid {
		value := confidence.Float64
		rec.Confidence = &value
	}

	return rec, nil
}
