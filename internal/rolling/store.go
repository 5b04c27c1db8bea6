package rolling

import (
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrInsufficientHistory indicates a window has too few samples for the
// requested statistic. Callers fall back to absolute thresholds; this is
// not a failure condition.
var ErrInsufficientHistory = errors.New("rolling: insufficient history")

// Sample is a single observed metric value. Immutable after insertion.
type Sample struct {
	Value float64
	At    time.Time
}

// Config tunes window sizing and caching.
type Config struct {
	// Capacity bounds every (symbol, metric) window, e.g. 30 days of
	// hourly samples = 720.
	Capacity int
	// MinSamples is the minimum window size before percentile/z-score
	// statistics are considered reliable.
	MinSamples int
	// CacheTTL bounds how long percentile results are reused.
	CacheTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = 720
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 20
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 15 * time.Minute
	}
	return c
}

type windowKey struct {
	symbol string
	metric string
}

type cachedPercentile struct {
	value    float64
	expires  time.Time
}

// window owns one bounded FIFO sequence of samples plus its percentile
// cache. Each window has its own lock so unrelated symbols never
// serialise on each other.
type window struct {
	mu      sync.Mutex
	samples []Sample
	head    int
	size    int
	pctCache map[float64]cachedPercentile
}

// Store maintains bounded per-(symbol, metric) histories and derives
// percentiles, z-scores, and moving averages on demand.
type Store struct {
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	windows map[windowKey]*window
}

// NewStore constructs a Store.
func NewStore(cfg Config, logger zerolog.Logger) *Store {
	return &Store{
		cfg:     cfg.withDefaults(),
		logger:  logger.With().Str("component", "rolling_store").Logger(),
		now:     time.Now,
		windows: make(map[windowKey]*window),
	}
}

func (s *Store) getWindow(symbol, metric string, create bool) *window {
	k := windowKey{symbol: symbol, metric: metric}

	s.mu.RLock()
	w, ok := s.windows[k]
	s.mu.RUnlock()
	if ok || !create {
		return w
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok = s.windows[k]; ok {
		return w
	}
	w = &window{
		samples:  make([]Sample, s.cfg.Capacity),
		pctCache: make(map[float64]cachedPercentile),
	}
	s.windows[k] = w
	return w
}

// Record appends a sample, evicting the oldest once the window is at
// capacity, and invalidates cached percentiles for the key.
func (s *Store) Record(symbol, metric string, value float64, at time.Time) {
	w := s.getWindow(symbol, metric, true)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size < len(w.samples) {
		w.samples[(w.head+w.size)%len(w.samples)] = Sample{Value: value, At: at}
		w.size++
	} else {
		w.samples[w.head] = Sample{Value: value, At: at}
		w.head = (w.head + 1) % len(w.samples)
	}

	for p := range w.pctCache {
		delete(w.pctCache, p)
	}
}

// Count returns the current number of samples in the window.
func (s *Store) Count(symbol, metric string) int {
	w := s.getWindow(symbol, metric, false)
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// values copies the window contents oldest-first. Caller holds w.mu.
func (w *window) values() []float64 {
	out := make([]float64, w.size)
	for i := 0; i < w.size; i++ {
		out[i] = w.samples[(w.head+i)%len(w.samples)].Value
	}
	return out
}

// Percentile returns the p-th percentile (0 < p < 100) of the current
// window, or ErrInsufficientHistory below the minimum sample count.
// Results are cached for the configured TTL and invalidated by Record.
func (s *Store) Percentile(symbol, metric string, p float64) (float64, error) {
	w := s.getWindow(symbol, metric, false)
	if w == nil {
		return 0, ErrInsufficientHistory
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size < s.cfg.MinSamples {
		return 0, ErrInsufficientHistory
	}

	if cached, ok := w.pctCache[p]; ok && s.now().Before(cached.expires) {
		return cached.value, nil
	}

	vals := w.values()
	sort.Float64s(vals)
	value := interpolate(vals, p)

	w.pctCache[p] = cachedPercentile{value: value, expires: s.now().Add(s.cfg.CacheTTL)}
	return value, nil
}

// interpolate computes the percentile over a sorted slice using linear
// interpolation between closest ranks.
func interpolate(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo < 0 {
		lo = 0
	}
	if hi >= len(sorted) {
		hi = len(sorted) - 1
	}
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// ZScore returns |value - mean| / stddev against the window, or
// ErrInsufficientHistory when the sample count is too small or the
// deviation is zero.
func (s *Store) ZScore(symbol, metric string, value float64) (float64, error) {
	w := s.getWindow(symbol, metric, false)
	if w == nil {
		return 0, ErrInsufficientHistory
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size < s.cfg.MinSamples {
		return 0, ErrInsufficientHistory
	}

	mean, stddev := meanStddev(w.values())
	if stddev == 0 {
		return 0, ErrInsufficientHistory
	}
	return math.Abs(value-mean) / stddev, nil
}

// MovingAverage returns the mean of the most recent n samples, or
// ErrInsufficientHistory when fewer than n exist.
func (s *Store) MovingAverage(symbol, metric string, n int) (float64, error) {
	w := s.getWindow(symbol, metric, false)
	if w == nil {
		return 0, ErrInsufficientHistory
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if n <= 0 || w.size < n {
		return 0, ErrInsufficientHistory
	}

	sum := 0.0
	for i := w.size - n; i < w.size; i++ {
		sum += w.samples[(w.head+i)%len(w.samples)].Value
	}
	return sum / float64(n), nil
}

func meanStddev(vals []float64) (float64, float64) {
	if len(vals) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	mean := sum / float64(len(vals))

	variance := 0.0
	for _, v := range vals {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(vals))
	return mean, math.Sqrt(variance)
}
