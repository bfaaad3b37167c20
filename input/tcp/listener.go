// Package tcp runs one TCP listener per fish device. Every accepted
// connection is read chunk by chunk; each chunk is decoded into a frame,
// acknowledged when the protocol asks for it, normalized into an alert and
// handed to an alert.Sink.
package tcp

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/T-en1991/demo111/alert"
	"github.com/T-en1991/demo111/errors"
	"github.com/T-en1991/demo111/pkg/retry"
	"github.com/T-en1991/demo111/storage"
)

// Endpoint is the device address a listener binds to.
type Endpoint = storage.Endpoint

// Config tunes listeners and their connections.
type Config struct {
	ReadBufferSize int           // bytes per read; one read is one data event
	PersistTimeout time.Duration // bound on a single CreateAlert call
	AckTimeout     time.Duration // write deadline for the ack reply
	StopTimeout    time.Duration // how long Stop waits for the accept loop
	StopParallel   int           // concurrent stops in StopAll, 0 = unlimited
	BindRetry      retry.Config
}

// DefaultConfig returns listener defaults.
func DefaultConfig() Config {
	return Config{
		ReadBufferSize: 64 * 1024,
		PersistTimeout: 5 * time.Second,
		AckTimeout:     5 * time.Second,
		StopTimeout:    5 * time.Second,
		BindRetry:      retry.Once(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = d.PersistTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = d.StopTimeout
	}
	if c.BindRetry.MaxAttempts <= 0 {
		c.BindRetry = d.BindRetry
	}
	return c
}

// ListenerInfo is a point-in-time view of one listener.
type ListenerInfo struct {
	DeviceID     int64     `json:"device_id"`
	Address      string    `json:"address"`
	Port         int       `json:"port"`
	BoundAddr    string    `json:"bound_addr"`
	Running      bool      `json:"running"`
	StartedAt    time.Time `json:"started_at"`
	ActiveConns  int       `json:"active_connections"`
	Connections  int64     `json:"connections_total"`
	Alerts       int64     `json:"alerts_total"`
	Errors       int64     `json:"errors_total"`
	LastActivity time.Time `json:"last_activity,omitempty"`
}

// Listener owns the listening socket for one device.
type Listener struct {
	endpoint Endpoint
	cfg      Config
	sink     alert.Sink
	logger   *slog.Logger
	metrics  *Metrics

	mu        sync.Mutex
	ln        net.Listener
	conns     map[*conn]struct{}
	stopped   bool
	stopErr   error
	done      chan struct{}
	startTime time.Time
	running   atomic.Bool
	handlers  sync.WaitGroup

	connCount    atomic.Int64
	alertCount   atomic.Int64
	errorCount   atomic.Int64
	lastActivity atomic.Value // time.Time
}

func newListener(ep Endpoint, cfg Config, sink alert.Sink, logger *slog.Logger, metrics *Metrics) *Listener {
	l := &Listener{
		endpoint: ep,
		cfg:      cfg,
		sink:     sink,
		logger:   logger.With("device_id", ep.DeviceID, "address", ep.Address, "port", ep.Port),
		metrics:  metrics,
		conns:    make(map[*conn]struct{}),
	}
	l.lastActivity.Store(time.Time{})
	return l
}

func (l *Listener) addr() string {
	return net.JoinHostPort(l.endpoint.Address, strconv.Itoa(l.endpoint.Port))
}

// Start binds the socket and begins accepting. Calling it on a running
// listener is a no-op. Connections outlive ctx; only Stop ends them.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running.Load() {
		return nil
	}
	if l.stopped {
		return errors.WrapInvalid(errors.ErrShuttingDown, "Listener", "Start", "start stopped listener")
	}

	var lc net.ListenConfig
	ln, err := retry.DoWithResult(ctx, l.cfg.BindRetry, func() (net.Listener, error) {
		return lc.Listen(ctx, "tcp", l.addr())
	})
	if err != nil {
		l.metrics.bindFailed(l.endpoint.DeviceID)
		return errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrBindFailed, err),
			"Listener", "Start", "bind "+l.addr())
	}

	l.ln = ln
	l.done = make(chan struct{})
	l.startTime = time.Now()
	l.running.Store(true)
	l.metrics.listenerUp()

	base := context.WithoutCancel(ctx)
	go func() {
		defer close(l.done)
		l.acceptLoop(base, ln)
	}()

	l.logger.Info("Listening", "bound", ln.Addr().String())
	return nil
}

// acceptLoop accepts until the socket is closed. Transient accept errors are
// logged and retried with a short backoff.
func (l *Listener) acceptLoop(ctx context.Context, ln net.Listener) {
	var backoff time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if stderrors.Is(err, net.ErrClosed) || !l.running.Load() {
				return
			}

			l.errorCount.Add(1)
			l.metrics.acceptFailed(l.endpoint.DeviceID)
			l.logger.Warn("Accept failed",
				"error", errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrAcceptFailed, err),
					"Listener", "acceptLoop", "accept"))

			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		c := newConn(l, nc)
		if !l.track(c) {
			_ = nc.Close()
			return
		}
		l.connCount.Add(1)
		l.metrics.connOpened(l.endpoint.DeviceID)
		c.logger.Info("Connection accepted")

		go c.serve(ctx)
	}
}

func (l *Listener) track(c *conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return false
	}
	l.conns[c] = struct{}{}
	l.handlers.Add(1)
	return true
}

func (l *Listener) untrack(c *conn) {
	l.mu.Lock()
	_, ok := l.conns[c]
	delete(l.conns, c)
	l.mu.Unlock()
	if ok {
		l.handlers.Done()
	}
}

// Stop closes the listening socket and every open connection, then waits up
// to the stop timeout for the accept loop to exit. It is safe to call more
// than once; the socket is closed exactly once. Handlers still persisting an
// alert are not waited for.
func (l *Listener) Stop() error {
	l.mu.Lock()
	if l.stopped {
		err := l.stopErr
		l.mu.Unlock()
		return err
	}
	l.stopped = true
	wasRunning := l.running.Swap(false)

	var closeErr error
	if l.ln != nil {
		if err := l.ln.Close(); err != nil && !stderrors.Is(err, net.ErrClosed) {
			closeErr = errors.WrapTransient(err, "Listener", "Stop", "close listener")
		}
	}
	for c := range l.conns {
		_ = c.nc.Close()
	}
	done := l.done
	l.mu.Unlock()

	if wasRunning {
		l.metrics.listenerDown()
	}

	if done != nil {
		select {
		case <-done:
		case <-time.After(l.cfg.StopTimeout):
			closeErr = stderrors.Join(closeErr, errors.WrapTransient(
				fmt.Errorf("accept loop still running after %v", l.cfg.StopTimeout),
				"Listener", "Stop", "graceful shutdown"))
		}
	}

	l.mu.Lock()
	l.stopErr = closeErr
	l.mu.Unlock()
	return closeErr
}

// Wait blocks until every connection handler has returned.
func (l *Listener) Wait() {
	l.handlers.Wait()
}

// Info returns a snapshot of the listener state.
func (l *Listener) Info() ListenerInfo {
	l.mu.Lock()
	info := ListenerInfo{
		DeviceID:    l.endpoint.DeviceID,
		Address:     l.endpoint.Address,
		Port:        l.endpoint.Port,
		Running:     l.running.Load(),
		StartedAt:   l.startTime,
		ActiveConns: len(l.conns),
	}
	if l.ln != nil {
		info.BoundAddr = l.ln.Addr().String()
	}
	l.mu.Unlock()

	info.Connections = l.connCount.Load()
	info.Alerts = l.alertCount.Load()
	info.Errors = l.errorCount.Load()
	info.LastActivity, _ = l.lastActivity.Load().(time.Time)
	return info
}
