package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"liqwatcher/internal/stream"
)

// Consumer processes events fanned out by the dispatcher. HandleEvent
// must respect ctx: the dispatcher enforces a per-consumer deadline so
// one slow consumer cannot stall the others.
type Consumer interface {
	Name() string
	HandleEvent(ctx context.Context, event stream.LiquidationEvent) error
}

// Options tune dispatcher behaviour.
type Options struct {
	QueueSize       int
	ConsumerTimeout time.Duration

	// Observe, when set, is called after every consumer delivery with
	// the time it took and its error, if any.
	Observe func(consumer string, elapsed time.Duration, err error)
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 1000
	}
	if o.ConsumerTimeout <= 0 {
		o.ConsumerTimeout = 30 * time.Second
	}
	return o
}

// Dispatcher decouples stream ingestion from processing: Push never
// blocks, a single worker drains the queue and fans each event out to
// every registered consumer in order.
type Dispatcher struct {
	opts      Options
	logger    zerolog.Logger
	queue     chan stream.LiquidationEvent
	consumers []Consumer

	dropped   atomic.Uint64
	processed atomic.Uint64

	startOnce sync.Once
	done      chan struct{}
}

var _ stream.Sink = (*Dispatcher)(nil)

// New constructs a Dispatcher. Consumers must all be registered before
// Run starts the worker.
func New(opts Options, logger zerolog.Logger) *Dispatcher {
	opts = opts.withDefaults()
	return &Dispatcher{
		opts:   opts,
		logger: logger.With().Str("component", "dispatcher").Logger(),
		queue:  make(chan stream.LiquidationEvent, opts.QueueSize),
		done:   make(chan struct{}),
	}
}

// Register adds a consumer to the fan-out set.
func (d *Dispatcher) Register(c Consumer) {
	d.consumers = append(d.consumers, c)
}

// Push enqueues an event without blocking. A full queue means the
// consumers are falling behind; the event is dropped and counted so
// ingestion never stalls the stream receive loop.
func (d *Dispatcher) Push(event stream.LiquidationEvent) bool {
	select {
	case d.queue <- event:
		return true
	default:
		n := d.dropped.Add(1)
		if n%100 == 1 {
			d.logger.Warn().Uint64("dropped_total", n).Msg("queue full, dropping events")
		}
		return false
	}
}

// Dropped returns the count of events rejected by a full queue.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

// Depth returns the number of events currently waiting in the queue.
func (d *Dispatcher) Depth() int { return len(d.queue) }

// Processed returns the count of events fanned out to consumers.
func (d *Dispatcher) Processed() uint64 { return d.processed.Load() }

// Run drains the queue until ctx is cancelled. Events already queued
// at cancellation are discarded, but the event in flight runs every
// consumer to its own deadline first.
func (d *Dispatcher) Run(ctx context.Context) error {
	var err error
	d.startOnce.Do(func() {
		defer close(d.done)
		for {
			select {
			case <-ctx.Done():
				err = ctx.Err()
				return
			case event := <-d.queue:
				d.fanOut(event)
				d.processed.Add(1)
			}
		}
	})
	return err
}

// Done is closed once the worker has stopped.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

func (d *Dispatcher) fanOut(event stream.LiquidationEvent) {
	for _, c := range d.consumers {
		start := time.Now()
		err := d.deliver(c, event)
		if d.opts.Observe != nil {
			d.opts.Observe(c.Name(), time.Since(start), err)
		}
		if err != nil {
			// 单个 consumer 失败不影响其余 consumer
			d.logger.Error().Err(err).Str("consumer", c.Name()).
				Str("pair", event.Pair).Msg("consumer failed")
		}
	}
}

// deliver invokes one consumer under a deadline, converting panics to
// errors so a buggy consumer cannot take down the worker. The deadline
// comes from the consumer timeout alone, not the run context: an event
// already being handled runs to its own timeout on shutdown instead of
// being cancelled mid-write.
func (d *Dispatcher) deliver(c Consumer, event stream.LiquidationEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("consumer %s panicked: %v", c.Name(), r)
		}
	}()

	cctx, cancel := context.WithTimeout(context.Background(), d.opts.ConsumerTimeout)
	defer cancel()
	return c.HandleEvent(cctx, event)
}
