package alerting

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultBucket is the time granularity of alert fingerprints: alerts
// for the same condition inside one bucket share a fingerprint.
const DefaultBucket = 5 * time.Minute

// Fingerprint hashes (symbol, signal type, interval, time bucket) into
// a deterministic key. Identical conditions in the same bucket collide
// on purpose.
func Fingerprint(symbol, signalType, interval string, at time.Time, bucket time.Duration) string {
	if bucket <= 0 {
		bucket = DefaultBucket
	}
	sum := sha1.Sum([]byte(fmt.Sprintf("%s|%s|%s|%d", symbol, signalType, interval, at.UTC().Truncate(bucket).Unix())))
	return hex.EncodeToString(sum[:])
}

// Deduplicator suppresses repeat alerts for the same fingerprint within
// a cooldown TTL. It is the last gate before the external alert sink.
type Deduplicator struct {
	ttl    time.Duration
	bucket time.Duration
	logger zerolog.Logger
	now    func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time

	suppressed uint64
}

// NewDeduplicator constructs a Deduplicator. ttl defaults to the bucket
// size when unset.
func NewDeduplicator(ttl, bucket time.Duration, logger zerolog.Logger) *Deduplicator {
	if bucket <= 0 {
		bucket = DefaultBucket
	}
	if ttl <= 0 {
		ttl = bucket
	}
	return &Deduplicator{
		ttl:    ttl,
		bucket: bucket,
		logger: logger.With().Str("component", "alert_dedup").Logger(),
		now:    time.Now,
		seen:   make(map[string]time.Time),
	}
}

// ShouldSend records the alert fingerprint and reports whether this is
// its first emission within the TTL. Expired entries are pruned lazily.
func (d *Deduplicator) ShouldSend(symbol, signalType, interval string, at time.Time) bool {
	fp := Fingerprint(symbol, signalType, interval, at, d.bucket)
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	for key, exp := range d.seen {
		if !now.Before(exp) {
			delete(d.seen, key)
		}
	}

	if exp, ok := d.seen[fp]; ok && now.Before(exp) {
		d.suppressed++
		d.logger.Debug().
			Str("symbol", symbol).
			Str("signal_type", signalType).
			Str("fingerprint", fp[:12]).
			Msg("duplicate alert suppressed")
		return false
	}

	d.seen[fp] = now.Add(d.ttl)
	return true
}

// Suppressed returns the number of alerts dropped by the gate.
func (d *Deduplicator) Suppressed() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.suppressed
}
