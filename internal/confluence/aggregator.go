package confluence

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"liqwatcher/internal/layers"
)

// Result is the combined verdict of one evaluation cycle for a symbol.
// Consumed immediately by the alerting path; not persisted here.
type Result struct {
	Symbol           string
	Level            layers.Level
	Triggered        []layers.Signal
	Score            float64
	KillSwitchActive bool
	At               time.Time
}

// Options tune aggregation rules.
type Options struct {
	// WatchMin is the minimum triggered-layer count for an overall watch.
	WatchMin int
	// ActionMin is the minimum triggered-layer count for an overall
	// action (which additionally requires at least one action layer).
	ActionMin int
	// KillSwitchCooldown holds the kill-switch once latched.
	KillSwitchCooldown time.Duration
}

func (o Options) withDefaults() Options {
	if o.WatchMin <= 0 {
		o.WatchMin = 2
	}
	if o.ActionMin <= 0 {
		o.ActionMin = 3
	}
	if o.KillSwitchCooldown <= 0 {
		o.KillSwitchCooldown = 30 * time.Minute
	}
	return o
}

// Aggregator combines layer signals into one graded decision per symbol
// and owns the per-symbol kill-switch state: Armed by default, forced
// to none while a liquidation-side conflict cooldown is running.
type Aggregator struct {
	opts   Options
	logger zerolog.Logger

	mu     sync.Mutex
	expiry map[string]time.Time
}

// New constructs an Aggregator.
func New(opts Options, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		opts:   opts.withDefaults(),
		logger: logger.With().Str("component", "confluence").Logger(),
		expiry: make(map[string]time.Time),
	}
}

// KillSwitchActive reports whether the symbol's kill-switch holds at
// the given instant. Expired entries clear automatically.
func (a *Aggregator) KillSwitchActive(symbol string, now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	exp, ok := a.expiry[symbol]
	if !ok {
		return false
	}
	if !now.Before(exp) {
		delete(a.expiry, symbol)
		return false
	}
	return true
}

// latch arms the kill-switch for the symbol until now+cooldown.
func (a *Aggregator) latch(symbol string, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.expiry[symbol] = now.Add(a.opts.KillSwitchCooldown)
}

// Evaluate combines the cycle's layer signals. Any signal carrying a
// kill-switch trigger latches the switch before aggregation, so a
// conflicted cycle is itself suppressed. Given the same signals and
// switch state the output is always the same.
func (a *Aggregator) Evaluate(symbol string, signals []layers.Signal, at time.Time) Result {
	for _, sig := range signals {
		if sig.KillSwitch {
			a.latch(symbol, at)
			a.logger.Warn().
				Str("symbol", symbol).
				Str("layer", sig.Layer).
				Dur("cooldown", a.opts.KillSwitchCooldown).
				Msg("kill-switch latched on liquidation skew")
			break
		}
	}

	var watchCount, actionCount int
	triggered := make([]layers.Signal, 0, len(signals))
	for _, sig := range signals {
		switch sig.Level {
		case layers.LevelWatch:
			watchCount++
			triggered = append(triggered, sig)
		case layers.LevelAction:
			actionCount++
			triggered = append(triggered, sig)
		}
	}

	score := 0.0
	if len(signals) > 0 {
		score = float64(watchCount+actionCount*2) / float64(len(signals)*2) * 100
	}

	level := layers.LevelNone
	total := watchCount + actionCount
	switch {
	case actionCount >= 1 && total >= a.opts.ActionMin:
		level = layers.LevelAction
	case total >= a.opts.WatchMin:
		level = layers.LevelWatch
	}

	active := a.KillSwitchActive(symbol, at)
	if active {
		// Deliberate overrule, not a vote: conflicting liquidation
		// pressure silences the symbol for the whole cooldown.
		level = layers.LevelNone
	}

	return Result{
		Symbol:           symbol,
		Level:            level,
		Triggered:        triggered,
		Score:            score,
		KillSwitchActive: active,
		At:               at,
	}
}
