package tcp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/T-en1991/demo111/alert"
	"github.com/T-en1991/demo111/errors"
	"github.com/T-en1991/demo111/health"
	"github.com/T-en1991/demo111/metric"
)

// RegistryDeps holds the registry's dependencies.
type RegistryDeps struct {
	Config          Config
	Sink            alert.Sink
	MetricsRegistry *metric.MetricsRegistry // optional
	Logger          *slog.Logger            // optional
}

// Registry tracks at most one running listener per device id. All methods are
// safe for concurrent use.
type Registry struct {
	cfg     Config
	sink    alert.Sink
	logger  *slog.Logger
	metrics *Metrics

	mu        sync.Mutex
	listeners map[int64]*Listener
}

// NewRegistry creates an empty registry.
func NewRegistry(deps RegistryDeps) (*Registry, error) {
	if deps.Sink == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Registry", "NewRegistry", "sink is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "tcp-listeners")

	return &Registry{
		cfg:       deps.Config.withDefaults(),
		sink:      deps.Sink,
		logger:    logger,
		metrics:   newMetrics(deps.MetricsRegistry, logger),
		listeners: make(map[int64]*Listener),
	}, nil
}

// Start begins listening for ep.DeviceID. A device that already has a
// registered listener is left untouched and nil is returned. When binding
// fails the entry is removed so a later Start can try again.
func (r *Registry) Start(ctx context.Context, ep Endpoint) error {
	r.mu.Lock()
	if _, ok := r.listeners[ep.DeviceID]; ok {
		r.mu.Unlock()
		r.logger.Debug("Listener already registered", "device_id", ep.DeviceID)
		return nil
	}
	l := newListener(ep, r.cfg, r.sink, r.logger, r.metrics)
	r.listeners[ep.DeviceID] = l
	r.mu.Unlock()

	if err := l.Start(ctx); err != nil {
		r.mu.Lock()
		if r.listeners[ep.DeviceID] == l {
			delete(r.listeners, ep.DeviceID)
		}
		r.mu.Unlock()

		r.logger.Error("Listener failed to start",
			"device_id", ep.DeviceID, "address", ep.Address, "port", ep.Port, "error", err)
		return err
	}
	return nil
}

// Stop closes the device's listener and removes it from the registry. An
// unknown device id is a no-op. The entry is removed even when closing fails.
func (r *Registry) Stop(deviceID int64) error {
	r.mu.Lock()
	l, ok := r.listeners[deviceID]
	delete(r.listeners, deviceID)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	if err := l.Stop(); err != nil {
		r.logger.Warn("Listener stop reported an error", "device_id", deviceID, "error", err)
		return err
	}
	r.logger.Info("Listener stopped", "device_id", deviceID)
	return nil
}

// StopAll stops every listener concurrently and waits for all of them. The
// registry is empty afterwards. Close failures are joined into the result.
func (r *Registry) StopAll() error {
	r.mu.Lock()
	all := r.listeners
	r.listeners = make(map[int64]*Listener)
	r.mu.Unlock()

	if len(all) == 0 {
		return nil
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	if r.cfg.StopParallel > 0 {
		g.SetLimit(r.cfg.StopParallel)
	}
	for id, l := range all {
		g.Go(func() error {
			if err := l.Stop(); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("device %d: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	r.logger.Info("All listeners stopped", "count", len(all), "errors", len(errs))
	return errors.Join(errs...)
}

// Restart replaces the device's listener with one bound to ep.
func (r *Registry) Restart(ctx context.Context, ep Endpoint) error {
	if err := r.Stop(ep.DeviceID); err != nil {
		r.logger.Warn("Ignoring stop error during restart", "device_id", ep.DeviceID, "error", err)
	}
	return r.Start(ctx, ep)
}

// Get returns the listener state for a device.
func (r *Registry) Get(deviceID int64) (ListenerInfo, bool) {
	r.mu.Lock()
	l, ok := r.listeners[deviceID]
	r.mu.Unlock()
	if !ok {
		return ListenerInfo{}, false
	}
	return l.Info(), true
}

// List returns every registered listener ordered by device id.
func (r *Registry) List() []ListenerInfo {
	r.mu.Lock()
	ls := make([]*Listener, 0, len(r.listeners))
	for _, l := range r.listeners {
		ls = append(ls, l)
	}
	r.mu.Unlock()

	out := make([]ListenerInfo, 0, len(ls))
	for _, l := range ls {
		out = append(out, l.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Len returns the number of registered listeners.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}

// Health reports degraded when any listener has recorded errors.
func (r *Registry) Health() health.Status {
	infos := r.List()
	var (
		active int
		errCnt int64
		last   time.Time
	)
	for _, info := range infos {
		active += info.ActiveConns
		errCnt += info.Errors
		if info.LastActivity.After(last) {
			last = info.LastActivity
		}
	}

	msg := fmt.Sprintf("%d listeners, %d connections", len(infos), active)
	st := health.NewHealthy("tcp-listeners", msg)
	if errCnt > 0 {
		st = health.NewDegraded("tcp-listeners", fmt.Sprintf("%s, %d errors", msg, errCnt))
	}
	return st.WithMetrics(&health.Metrics{
		ErrorCount:   int(errCnt),
		Active:       active,
		LastActivity: last,
	})
}
