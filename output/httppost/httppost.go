// Package httppost delivers persisted alerts to an HTTP webhook. Delivery is
// queued on a worker pool so a slow endpoint never holds up ingestion.
package httppost

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/T-en1991/demo111/alert"
	"github.com/T-en1991/demo111/errors"
	"github.com/T-en1991/demo111/health"
	"github.com/T-en1991/demo111/metric"
	"github.com/T-en1991/demo111/pkg/retry"
	"github.com/T-en1991/demo111/pkg/tlsutil"
	"github.com/T-en1991/demo111/pkg/worker"
)

// Config holds webhook settings
type Config struct {
	URL         string
	Headers     map[string]string
	ContentType string        // default application/json
	Timeout     time.Duration // per request, default 10s
	RetryCount  int           // extra attempts after the first, 0..10
	Levels      []alert.Level // deliver only these levels; empty means all
	Workers     int           // default 2
	QueueSize   int           // default 256
	TLS         tlsutil.ClientConfig
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.URL == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "url is required")
	}
	u, err := url.Parse(c.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: webhook url %q", errors.ErrInvalidConfig, c.URL),
			"Config", "Validate", "parse url")
	}
	if c.Timeout < 0 || c.Timeout > 5*time.Minute {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"timeout must be between 0 and 5m")
	}
	if c.RetryCount < 0 || c.RetryCount > 10 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"retry_count must be between 0 and 10")
	}
	for _, l := range c.Levels {
		if !l.Valid() {
			return errors.WrapInvalid(fmt.Errorf("%w: unknown level %q", errors.ErrInvalidConfig, l),
				"Config", "Validate", "check levels")
		}
	}
	return nil
}

// Notifier implements alert.Notifier by POSTing alert envelopes
type Notifier struct {
	cfg    Config
	client *http.Client
	retry  retry.Config
	pool   *worker.Pool[alert.Record]
	logger *slog.Logger

	sent    atomic.Int64
	retried atomic.Int64
	failed  atomic.Int64
	skipped atomic.Int64

	mu           sync.RWMutex
	lastActivity time.Time
	lastErr      error
}

// New creates a stopped notifier
func New(cfg Config, registry *metric.MetricsRegistry, logger *slog.Logger) (*Notifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "application/json"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := &http.Client{Timeout: cfg.Timeout}
	if !cfg.TLS.IsZero() {
		tlsConfig, err := tlsutil.LoadClientTLSConfig(cfg.TLS)
		if err != nil {
			return nil, err
		}
		client.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	}

	rc := retry.DefaultConfig()
	rc.MaxAttempts = cfg.RetryCount + 1
	rc.MaxDelay = 2 * time.Second

	n := &Notifier{
		cfg:    cfg,
		client: client,
		retry:  rc,
		logger: logger.With("component", "webhook", "url", cfg.URL),
	}
	pool, err := worker.NewPool("webhook", cfg.Workers, cfg.QueueSize, n.deliver,
		worker.WithMetrics[alert.Record](registry))
	if err != nil {
		return nil, errors.WrapFatal(err, "webhook", "New", "create worker pool")
	}
	n.pool = pool
	return n, nil
}

// Start launches the delivery workers
func (n *Notifier) Start(ctx context.Context) error {
	if err := n.pool.Start(ctx); err != nil && !stderrors.Is(err, worker.ErrPoolAlreadyStarted) {
		return errors.WrapFatal(err, "webhook", "Start", "start worker pool")
	}
	return nil
}

// Stop drains queued deliveries for up to timeout
func (n *Notifier) Stop(timeout time.Duration) error {
	if err := n.pool.Stop(timeout); err != nil {
		return errors.WrapTransient(err, "webhook", "Stop", "drain deliveries")
	}
	return nil
}

// Notify queues rec for delivery. It returns once the record is queued.
func (n *Notifier) Notify(_ context.Context, rec alert.Record) error {
	if len(n.cfg.Levels) > 0 && !slices.Contains(n.cfg.Levels, rec.Level) {
		n.skipped.Add(1)
		return nil
	}
	if err := n.pool.Submit(rec); err != nil {
		n.failed.Add(1)
		if stderrors.Is(err, worker.ErrQueueFull) {
			return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrRateLimited, err), "webhook", "Notify", "queue alert")
		}
		return errors.WrapTransient(err, "webhook", "Notify", "queue alert")
	}
	return nil
}

// deliver posts one alert with retries. Client errors (4xx) are not retried.
func (n *Notifier) deliver(ctx context.Context, rec alert.Record) error {
	body, err := json.Marshal(alert.NewEnvelope(rec))
	if err != nil {
		return errors.WrapInvalid(err, "webhook", "deliver", "marshal envelope")
	}

	attempt := 0
	err = retry.Do(ctx, n.retry, func() error {
		attempt++
		if attempt > 1 {
			n.retried.Add(1)
		}
		return n.post(ctx, body)
	})

	n.mu.Lock()
	n.lastActivity = time.Now()
	n.lastErr = err
	n.mu.Unlock()

	if err != nil {
		n.failed.Add(1)
		n.logger.Warn("Webhook delivery failed", "alert_id", rec.ID, "attempts", attempt, "error", err)
		return err
	}
	n.sent.Add(1)
	n.logger.Debug("Webhook delivered", "alert_id", rec.ID, "attempts", attempt)
	return nil
}

func (n *Notifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return retry.NonRetryable(err)
	}
	req.Header.Set("Content-Type", n.cfg.ContentType)
	for k, v := range n.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return retry.NonRetryable(fmt.Errorf("webhook rejected alert: HTTP %d", resp.StatusCode))
	default:
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
}

// Stats is a snapshot of delivery counters
type Stats struct {
	Sent    int64 `json:"sent"`
	Retried int64 `json:"retried"`
	Failed  int64 `json:"failed"`
	Skipped int64 `json:"skipped"`
	Queued  int   `json:"queued"`
}

// Stats returns delivery counters
func (n *Notifier) Stats() Stats {
	return Stats{
		Sent:    n.sent.Load(),
		Retried: n.retried.Load(),
		Failed:  n.failed.Load(),
		Skipped: n.skipped.Load(),
		Queued:  n.pool.Stats().QueueDepth,
	}
}

// Health is degraded while the most recent delivery failed
func (n *Notifier) Health() health.Status {
	n.mu.RLock()
	last, lastErr := n.lastActivity, n.lastErr
	n.mu.RUnlock()

	st := health.NewHealthy("webhook", "Delivering to "+n.cfg.URL)
	if lastErr != nil {
		st = health.NewDegraded("webhook", "Last delivery failed: "+lastErr.Error())
	}
	return st.WithMetrics(&health.Metrics{
		ErrorCount:   int(n.failed.Load()),
		Active:       n.pool.Stats().QueueDepth,
		LastActivity: last,
	})
}
