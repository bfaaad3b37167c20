// Package service wires the ingestion pieces into a running process: the
// bootstrap that starts a listener per configured device, the alert pipeline
// that persists and fans out records, and the lifecycle wrapper around both.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/T-en1991/demo111/health"
	"github.com/T-en1991/demo111/metric"
)

// Status represents the current status of a service
type Status int

// Possible service statuses
const (
	StatusStopped Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
)

// String returns the string representation of Status
func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Info holds runtime information for a service
type Info struct {
	Name               string        `json:"name"`
	Status             string        `json:"status"`
	Uptime             time.Duration `json:"uptime"`
	StartTime          time.Time     `json:"start_time"`
	HealthChecks       int64         `json:"health_checks"`
	FailedHealthChecks int64         `json:"failed_health_checks"`
}

// HealthCheckFunc defines a custom health check function
type HealthCheckFunc func(ctx context.Context) error

// Option is a functional option for configuring lifecycle
type Option func(*lifecycle)

// WithMetrics sets the metrics registry used for service status gauges
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(l *lifecycle) { l.metricsRegistry = registry }
}

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(l *lifecycle) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithHealthCheck sets a periodic health check
func WithHealthCheck(fn HealthCheckFunc) Option {
	return func(l *lifecycle) { l.healthCheck = fn }
}

// WithHealthInterval sets the health check interval. Zero disables the loop.
func WithHealthInterval(interval time.Duration) Option {
	return func(l *lifecycle) { l.healthInterval = interval }
}

// lifecycle is the status machine shared by long-running services. It owns
// the status gauge and an optional periodic health check.
type lifecycle struct {
	name            string
	metricsRegistry *metric.MetricsRegistry
	logger          *slog.Logger

	status    atomic.Value // Status
	startTime atomic.Value // time.Time
	healthy   atomic.Bool

	healthCheck        HealthCheckFunc
	healthInterval     time.Duration
	healthChecks       atomic.Int64
	failedHealthChecks atomic.Int64

	done chan struct{}
	wg   sync.WaitGroup
	mu   sync.Mutex
}

func newLifecycle(name string, opts ...Option) *lifecycle {
	l := &lifecycle{
		name:           name,
		logger:         slog.Default(),
		healthInterval: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("service", name)
	l.startTime.Store(time.Time{})
	l.setStatus(StatusStopped)
	return l
}

func (l *lifecycle) setStatus(s Status) {
	l.status.Store(s)
	if l.metricsRegistry != nil {
		l.metricsRegistry.CoreMetrics().RecordServiceStatus(l.name, int(s))
	}
}

// Status returns the current service status
func (l *lifecycle) Status() Status {
	return l.status.Load().(Status)
}

// begin moves stopped -> starting. It reports false when the service is
// already starting or running.
func (l *lifecycle) begin() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s := l.Status(); s == StatusRunning || s == StatusStarting {
		return false
	}
	l.setStatus(StatusStarting)
	return true
}

// running finishes a start. The health loop begins here.
func (l *lifecycle) running(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.done = make(chan struct{})
	l.startTime.Store(time.Now())
	l.healthy.Store(true)

	if l.healthCheck != nil && l.healthInterval > 0 {
		l.wg.Add(1)
		go l.healthLoop(context.WithoutCancel(ctx), l.done)
	}
	l.setStatus(StatusRunning)
}

// abort returns a failed start to stopped.
func (l *lifecycle) abort() {
	l.setStatus(StatusStopped)
}

// end moves running -> stopping, stops the health loop and reports whether a
// stop is needed.
func (l *lifecycle) end() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s := l.Status(); s == StatusStopped || s == StatusStopping {
		return false
	}
	l.setStatus(StatusStopping)
	if l.done != nil {
		close(l.done)
		l.done = nil
	}
	return true
}

func (l *lifecycle) stopped(timeout time.Duration) {
	waited := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(timeout):
		l.logger.Warn("Health loop did not exit in time", "timeout", timeout)
	}
	l.healthy.Store(false)
	l.setStatus(StatusStopped)
}

func (l *lifecycle) healthLoop(ctx context.Context, done <-chan struct{}) {
	defer l.wg.Done()
	ticker := time.NewTicker(l.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			l.checkHealth(ctx)
		}
	}
}

func (l *lifecycle) checkHealth(ctx context.Context) {
	l.healthChecks.Add(1)
	err := l.healthCheck(ctx)
	if err != nil {
		l.failedHealthChecks.Add(1)
	}

	was := l.healthy.Swap(err == nil)
	if was && err != nil {
		l.logger.Warn("Health check failed", "error", err)
	} else if !was && err == nil {
		l.logger.Info("Health check recovered")
	}
}

// baseHealth reports lifecycle health without component detail
func (l *lifecycle) baseHealth() health.Status {
	if !l.healthy.Load() && l.Status() == StatusRunning {
		return health.NewUnhealthy(l.name,
			fmt.Sprintf("Service is unhealthy (failed checks: %d)", l.failedHealthChecks.Load()))
	}
	switch s := l.Status(); s {
	case StatusRunning:
		return health.NewHealthy(l.name, "Service operating normally")
	case StatusStarting:
		return health.NewDegraded(l.name, "Service is starting")
	case StatusStopping:
		return health.NewDegraded(l.name, "Service is stopping")
	default:
		return health.NewUnhealthy(l.name, "Service is "+s.String())
	}
}

// info returns the current service information
func (l *lifecycle) info() Info {
	start := l.startTime.Load().(time.Time)
	var uptime time.Duration
	if !start.IsZero() && l.Status() == StatusRunning {
		uptime = time.Since(start)
	}
	return Info{
		Name:               l.name,
		Status:             l.Status().String(),
		Uptime:             uptime,
		StartTime:          start,
		HealthChecks:       l.healthChecks.Load(),
		FailedHealthChecks: l.failedHealthChecks.Load(),
	}
}
