package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/T-en1991/demo111/alert"
	"github.com/T-en1991/demo111/errors"
	"github.com/T-en1991/demo111/metric"
)

// NamedNotifier pairs a notifier with the name used in logs and metrics.
type NamedNotifier struct {
	Name     string
	Notifier alert.Notifier
}

// Pipeline is the alert.Sink given to listeners. It persists the record and
// then tells every notifier about the stored version. A notifier failure is
// logged and counted; it never fails the persist.
type Pipeline struct {
	store         alert.Sink
	notifiers     []NamedNotifier
	notifyTimeout time.Duration
	metrics       *metric.Metrics
	logger        *slog.Logger
}

// PipelineDeps holds Pipeline dependencies.
type PipelineDeps struct {
	Store           alert.Sink
	Notifiers       []NamedNotifier
	NotifyTimeout   time.Duration           // per notifier, default 2s
	MetricsRegistry *metric.MetricsRegistry // optional
	Logger          *slog.Logger            // optional
}

// NewPipeline creates a pipeline over the given store.
func NewPipeline(deps PipelineDeps) (*Pipeline, error) {
	if deps.Store == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Pipeline", "NewPipeline", "store is required")
	}
	p := &Pipeline{
		store:         deps.Store,
		notifyTimeout: deps.NotifyTimeout,
		logger:        deps.Logger,
	}
	if p.notifyTimeout <= 0 {
		p.notifyTimeout = 2 * time.Second
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("component", "alert-pipeline")
	if deps.MetricsRegistry != nil {
		p.metrics = deps.MetricsRegistry.CoreMetrics()
	}
	for _, n := range deps.Notifiers {
		if n.Notifier != nil {
			p.notifiers = append(p.notifiers, n)
		}
	}
	return p, nil
}

// CreateAlert persists rec and notifies on success.
func (p *Pipeline) CreateAlert(ctx context.Context, rec alert.Record) (alert.Record, error) {
	stored, err := p.store.CreateAlert(ctx, rec)
	if err != nil {
		if p.metrics != nil {
			p.metrics.RecordError("alert-pipeline", err)
		}
		return alert.Record{}, err
	}

	for _, n := range p.notifiers {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.notifyTimeout)
		nerr := n.Notifier.Notify(nctx, stored)
		cancel()

		if p.metrics != nil {
			p.metrics.RecordNotification(n.Name, nerr)
		}
		if nerr != nil {
			p.logger.Warn("Notifier failed", "notifier", n.Name, "alert_id", stored.ID, "error", nerr)
		}
	}
	return stored, nil
}
