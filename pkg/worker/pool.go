// Package worker runs queued work items on a fixed set of goroutines.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/T-en1991/demo111/metric"
)

var (
	ErrPoolNotStarted     = errors.New("worker pool not started")
	ErrPoolStopped        = errors.New("worker pool stopped")
	ErrPoolAlreadyStarted = errors.New("worker pool already started")
	ErrQueueFull          = errors.New("worker pool queue full")
	ErrNilProcessor       = errors.New("processor function cannot be nil")
	ErrStopTimeout        = errors.New("timeout waiting for workers to stop")
)

// Pool processes items of type T with a bounded queue. Submit never blocks;
// a full queue drops the item.
type Pool[T any] struct {
	name      string
	workers   int
	queueSize int
	processor func(context.Context, T) error

	work    chan T
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	metrics *poolMetrics

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// Stats is a snapshot of pool counters
type Stats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

type poolMetrics struct {
	queueDepth *prometheus.GaugeVec
	items      *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// Option configures a pool
type Option[T any] func(*Pool[T])

// WithMetrics exports queue depth, item outcomes and processing time,
// labelled with the pool name.
func WithMetrics[T any](registry *metric.MetricsRegistry) Option[T] {
	return func(p *Pool[T]) {
		if registry == nil {
			return
		}
		m := &poolMetrics{
			queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "fishalarm",
				Subsystem: "worker_pool",
				Name:      "queue_depth",
				Help:      "Items waiting in the worker pool queue",
			}, []string{"pool"}),
			items: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "fishalarm",
				Subsystem: "worker_pool",
				Name:      "items_total",
				Help:      "Work items by outcome (processed, failed, dropped)",
			}, []string{"pool", "outcome"}),
			duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "fishalarm",
				Subsystem: "worker_pool",
				Name:      "processing_duration_seconds",
				Help:      "Time spent processing one work item",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			}, []string{"pool"}),
		}
		m.queueDepth = shared(registry, "queue_depth", m.queueDepth)
		m.items = shared(registry, "items_total", m.items)
		m.duration = shared(registry, "processing_duration_seconds", m.duration)
		p.metrics = m
	}
}

// shared registers c, or returns the vector an earlier pool registered
// under the same name
func shared[C prometheus.Collector](registry *metric.MetricsRegistry, name string, c C) C {
	if err := registry.Register("worker_pool", name, c); err != nil {
		if existing, ok := registry.Collector("worker_pool", name); ok {
			if v, ok := existing.(C); ok {
				return v
			}
		}
	}
	return c
}

// NewPool creates a stopped pool. Non-positive sizes fall back to 4 workers
// and a queue of 1000.
func NewPool[T any](name string, workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) (*Pool[T], error) {
	if processor == nil {
		return nil, ErrNilProcessor
	}
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	p := &Pool[T]{
		name:      name,
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		work:      make(chan T, queueSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Start launches the workers. They run until Stop, independent of ctx
// cancellation ordering; ctx only supplies values to the processor.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(wctx)
	}
	p.started = true
	return nil
}

// Submit queues work without blocking
func (p *Pool[T]) Submit(work T) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	switch {
	case !p.started:
		return ErrPoolNotStarted
	case p.stopped:
		return ErrPoolStopped
	}

	select {
	case p.work <- work:
		p.submitted.Add(1)
		p.observeDepth()
		return nil
	default:
		p.dropped.Add(1)
		p.count("dropped")
		return ErrQueueFull
	}
}

// Stop closes the queue and lets workers drain it. After timeout the
// processor context is cancelled and ErrStopTimeout returned.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	if !p.started || p.stopped {
		p.lifecycleMu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.work)
	p.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-timer.C:
		p.cancel()
		return ErrStopTimeout
	}
}

// Stats returns current counters
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.work),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()
	for item := range p.work {
		start := time.Now()
		err := p.processor(ctx, item)

		p.processed.Add(1)
		if err != nil {
			p.failed.Add(1)
			p.count("failed")
		} else {
			p.count("processed")
		}
		if p.metrics != nil {
			p.metrics.duration.WithLabelValues(p.name).Observe(time.Since(start).Seconds())
		}
		p.observeDepth()
	}
}

func (p *Pool[T]) count(outcome string) {
	if p.metrics != nil {
		p.metrics.items.WithLabelValues(p.name, outcome).Inc()
	}
}

func (p *Pool[T]) observeDepth() {
	if p.metrics != nil {
		p.metrics.queueDepth.WithLabelValues(p.name).Set(float64(len(p.work)))
	}
}
